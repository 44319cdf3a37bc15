// Package lookup wraps the external Bluetooth name-lookup binary: the
// only thing in this daemon that ever touches the radio. Every probe is a
// single process invocation: non-empty trimmed stdout means present,
// empty stdout or a non-zero exit means absent, stderr is ignored, and
// the child must not outlive the probe.
package lookup

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ErrToolMissing is returned by New when the lookup binary can't be
// found on PATH. The caller (cmd/btpresenced) treats this as a fatal
// setup error.
var ErrToolMissing = errors.New("lookup: external name-lookup binary not found on PATH")

// Lookup invokes an external per-MAC name-lookup tool, one process per
// probe. It implements clock.Prober so the same type calibrates T_probe
// and serves the scanner's live probes.
type Lookup struct {
	binary string
	device string // radio id (--bluetoothdevice), passed through if the tool wants it
}

// New resolves binary on PATH and returns a Lookup bound to it and to the
// given radio id. Returns ErrToolMissing if the binary can't be resolved.
func New(binary, device string) (*Lookup, error) {
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, ErrToolMissing
	}
	return &Lookup{binary: resolved, device: device}, nil
}

// Probe runs the lookup tool against mac and blocks until it exits or ctx
// is done. A non-empty trimmed stdout is treated as the device's friendly
// name (ok=true); empty stdout, a non-zero exit, or a spawn failure are
// all treated identically as "absent" (ok=false, err=nil) — probe
// failures are not errors, they are scanner input. err is non-nil only
// for context cancellation, which the caller should not feed into the
// presence state machine.
func (l *Lookup) Probe(ctx context.Context, mac string) (name string, ok bool, err error) {
	cmd := exec.CommandContext(ctx, l.binary, "-b", l.device, mac)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	if runErr != nil {
		return "", false, nil
	}

	trimmed := strings.TrimSpace(stdout.String())
	if trimmed == "" {
		return "", false, nil
	}
	return trimmed, true, nil
}
