// Package scanner implements the single-threaded probe loop: the only
// code in this daemon that ever invokes the external name-lookup tool. It
// owns the up/down hysteresis state machine and the fast-presence
// slot-packing scheduler.
package scanner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pldemone/btpresenced/internal/clock"
	"github.com/pldemone/btpresenced/internal/presence"
	"github.com/pldemone/btpresenced/internal/subscription"
)

// Prober is the radio: a single blocking name lookup for one MAC.
type Prober interface {
	Probe(ctx context.Context, mac string) (name string, ok bool, err error)
}

// Logger is the narrow leveled-logging surface the scanner needs.
// internal/btlog.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// tracker is the scanner's private per-MAC bookkeeping. Owned exclusively
// by the scanner goroutine — never touched from any other goroutine — so
// it needs no lock of its own.
type tracker struct {
	downCount    int
	nextProbeAt  time.Duration
	lastProbeAt  time.Duration
	lastName     string
	pendingForce bool
}

func freshTracker(downThreshold int) *tracker {
	return &tracker{downCount: downThreshold + 1}
}

// Config groups the tuning knobs the scanner needs from config.Timings
// plus the fast-presence switch, so this package doesn't import
// internal/config directly.
type Config struct {
	DownThreshold int
	RetrySleep    time.Duration
	Fast          bool
}

// Scanner is the single-threaded probe scheduler.
type Scanner struct {
	cfg      Config
	registry *subscription.Registry
	table    *presence.Table
	prober   Prober
	log      Logger

	// tProbe is set once by Calibrate (or left zero when fast presence is
	// disabled) before Start runs. It is read-only during the scan loop,
	// so no synchronization is needed for it either.
	tProbe time.Duration

	mu       sync.Mutex // guards cfg only, for hot config reloads
	trackers map[string]*tracker
}

// New returns a Scanner. Call SetTProbe before Start if fast presence is
// enabled and calibration has already run.
func New(cfg Config, registry *subscription.Registry, table *presence.Table, prober Prober, log Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		registry: registry,
		table:    table,
		prober:   prober,
		log:      log,
		trackers: make(map[string]*tracker),
	}
}

// SetTProbe records the calibrated probe cost used by slot packing.
func (s *Scanner) SetTProbe(d time.Duration) {
	s.tProbe = d
}

// SetConfig hot-swaps the scanner's tuning knobs. Safe to call
// concurrently with Start.
func (s *Scanner) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Scanner) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start runs the scan loop until ctx is done. It never returns on its own
// otherwise.
func (s *Scanner) Start(ctx context.Context) {
	cfg := s.config()
	ticker := time.NewTicker(cfg.RetrySleep)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce is one full iteration of the probe loop: probe every
// currently-subscribed MAC that is due, apply the hysteresis state
// machine, compute the next slot, then refresh persistently-present
// entries whose scheduled slot has slipped.
func (s *Scanner) pollOnce(ctx context.Context) {
	cfg := s.config()
	now := clock.NowDuration()
	subs := s.registry.Snapshot()

	active := make(map[string]int, len(subs)) // mac -> intervalS
	for _, sub := range subs {
		active[sub.MAC] = sub.IntervalS
	}

	for _, sub := range subs {
		s.stepOne(ctx, cfg, now, sub.MAC, sub.IntervalS)
	}

	s.refreshPersistent(cfg, clock.NowDuration(), active)
	s.discardStaleTrackers(active)
}

// stepOne probes a single MAC, if it is due, and applies the resulting
// hysteresis transition and next-slot scheduling.
func (s *Scanner) stepOne(ctx context.Context, cfg Config, now time.Duration, mac string, intervalS int) {
	mac = strings.ToLower(mac)
	tr, ok := s.trackers[mac]
	if !ok {
		tr = freshTracker(cfg.DownThreshold)
		s.trackers[mac] = tr
	}

	if now < tr.nextProbeAt {
		return
	}

	name, present, err := s.prober.Probe(ctx, mac)
	if err != nil {
		// Context cancellation on shutdown; leave tracker state alone.
		return
	}

	if present {
		if tr.downCount >= cfg.DownThreshold {
			tr.pendingForce = true
			s.table.Upsert(mac, name, "", secondsOf(now))
			s.log.Infof("scanner: %s up (was down for %d probes)", mac, tr.downCount)
		}
		tr.downCount = 0
		tr.lastProbeAt = now
		tr.lastName = name
	} else {
		tr.downCount++
		if tr.downCount == cfg.DownThreshold {
			tr.pendingForce = true
			tr.lastProbeAt = 1 // sentinel distant past
			s.log.Infof("scanner: %s down after %d consecutive failures", mac, tr.downCount)
		}
	}

	interval := time.Duration(intervalS) * time.Second
	tr.nextProbeAt = scheduleNext(now, s.tProbe, interval, tr.downCount < cfg.DownThreshold, cfg.Fast, s.otherNextProbes(mac))

	if tr.pendingForce || tr.downCount < cfg.DownThreshold {
		s.table.Upsert(mac, tr.lastName, "", secondsOf(tr.lastProbeAt))
		if tr.pendingForce {
			s.registry.MarkForce(mac)
		}
	}
	tr.pendingForce = false
}

// otherNextProbes returns every other tracked MAC's next-probe deadline,
// for the slot-packing scheduler.
func (s *Scanner) otherNextProbes(self string) []time.Duration {
	others := make([]time.Duration, 0, len(s.trackers))
	for mac, tr := range s.trackers {
		if mac == self {
			continue
		}
		others = append(others, tr.nextProbeAt)
	}
	return others
}

// refreshPersistent keeps the presence table's timestamp moving for
// devices whose scheduled probe slot has slipped past interval-5 seconds
// without a fresh probe.
func (s *Scanner) refreshPersistent(cfg Config, now time.Duration, active map[string]int) {
	for mac, tr := range s.trackers {
		intervalS, ok := active[mac]
		if !ok {
			continue
		}
		if tr.downCount >= cfg.DownThreshold {
			continue
		}
		slack := time.Duration(intervalS)*time.Second - 5*time.Second
		if now-tr.lastProbeAt <= slack {
			continue
		}
		tr.lastProbeAt = now
		s.table.Upsert(mac, tr.lastName, "", secondsOf(now))
	}
}

// discardStaleTrackers drops per-MAC state for any MAC that left the
// subscription registry.
func (s *Scanner) discardStaleTrackers(active map[string]int) {
	for mac := range s.trackers {
		if _, ok := active[mac]; !ok {
			delete(s.trackers, mac)
		}
	}
}

// secondsOf converts a clock.NowDuration()-style duration into the
// integer seconds the presence table stores its timestamps as.
func secondsOf(d time.Duration) int64 {
	return int64(d / time.Second)
}
