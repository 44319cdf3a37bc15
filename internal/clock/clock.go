// Package clock provides the daemon's single notion of "now" and the
// one-shot T_probe calibration used by the scanner's slot-packing
// scheduler.
package clock

import (
	"context"
	"fmt"
	"time"
)

// epoch anchors monotonic seconds to process start. time.Since always
// reads the monotonic clock reading embedded in the time.Time value, so
// subtracting a captured start time is immune to wall-clock adjustments.
var epoch = time.Now()

// Now returns monotonic seconds elapsed since the daemon started.
func Now() int64 {
	return int64(time.Since(epoch).Seconds())
}

// NowDuration returns elapsed time since the daemon started at full
// precision, for callers (the slot-packing scheduler) that need
// sub-second resolution.
func NowDuration() time.Duration {
	return time.Since(epoch)
}

// FastMAC is the reserved address probed once at startup to calibrate
// T_probe. It is expected to never be present.
const FastMAC = "11:22:33:44:55:66"

// Prober is satisfied by internal/lookup.Lookup; kept narrow here so this
// package doesn't need to import the lookup package.
type Prober interface {
	Probe(ctx context.Context, mac string) (name string, ok bool, err error)
}

// Calibrate invokes p.Probe once against FastMAC and returns the elapsed
// wall time, which the scanner uses as T_probe for slot-packing. The probe
// is expected to fail (FastMAC is never present); a successful probe
// against it is not an error, just a suspicious calibration.
func Calibrate(ctx context.Context, p Prober) (time.Duration, error) {
	start := time.Now()
	if _, _, err := p.Probe(ctx, FastMAC); err != nil {
		return 0, fmt.Errorf("calibration probe: %w", err)
	}
	return time.Since(start), nil
}
