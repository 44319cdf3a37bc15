// Package dispatcher implements the accept loop and the central event
// loop: the single goroutine that owns every client connection, evaluates
// due sessions against the Presence Table, drains forced updates from the
// Subscription Registry, and runs the periodic tasks.
package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pldemone/btpresenced/internal/clock"
	"github.com/pldemone/btpresenced/internal/presence"
	"github.com/pldemone/btpresenced/internal/protocol"
	"github.com/pldemone/btpresenced/internal/subscription"
)

// Logger is the narrow leveled-logging surface the dispatcher needs.
// internal/btlog.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// HostSampler is the narrow surface internal/stats.Sampler satisfies; the
// Stats periodic task logs its result alongside client/device counts.
type HostSampler interface {
	Sample() (string, error)
}

// Config groups the Dispatcher's cadences and identity strings, read from
// config.Config/config.Timings by the caller so this package doesn't need
// to import internal/config directly.
type Config struct {
	MainLoopSleep      time.Duration
	CleanupInterval    time.Duration
	CleanupMaxAge      time.Duration
	StatsIntervalInfo  time.Duration
	StatsIntervalDebug time.Duration
	DumpInterval       time.Duration
	Debug              bool
	DaemonName         string
	Version            string
}

// Dispatcher is the accept loop plus central event loop.
type Dispatcher struct {
	listener net.Listener
	cfg      Config
	table    *presence.Table
	registry *subscription.Registry
	log      Logger
	sampler  HostSampler
}

// New returns a Dispatcher serving ln. sampler may be nil, in which case
// the Stats task logs only client/device counts.
func New(ln net.Listener, cfg Config, table *presence.Table, registry *subscription.Registry, log Logger, sampler HostSampler) *Dispatcher {
	return &Dispatcher{
		listener: ln,
		cfg:      cfg,
		table:    table,
		registry: registry,
		log:      log,
		sampler:  sampler,
	}
}

type lineMsg struct {
	sess *clientSession
	line string
}

// Run drives the accept loop and the central event loop until ctx is
// canceled or the listener fails. It never returns nil on its own.
func (d *Dispatcher) Run(ctx context.Context) error {
	newConns := make(chan net.Conn)
	acceptErrs := make(chan error, 1)
	go d.acceptLoop(ctx, newConns, acceptErrs)

	lines := make(chan lineMsg, 64)
	disconnects := make(chan *clientSession, 64)
	sessions := make(map[*clientSession]bool)

	ticker := time.NewTicker(d.cfg.MainLoopSleep)
	defer ticker.Stop()

	var lastCleanup, lastStats, lastDump time.Time

	for {
		select {
		case <-ctx.Done():
			d.closeAll(sessions)
			return ctx.Err()

		case err := <-acceptErrs:
			d.closeAll(sessions)
			return err

		case conn := <-newConns:
			sess := newClientSession(conn)
			sessions[sess] = true
			go d.readPump(ctx, sess, lines, disconnects)
			d.log.Debugf("dispatcher: accepted %s (%d total)", sess.id, len(sessions))

		case msg := <-lines:
			d.handleLine(msg.sess, msg.line, len(sessions), disconnects)

		case sess := <-disconnects:
			if sessions[sess] {
				if sess.mac != "" {
					d.registry.Unset(sess.mac)
				}
				sess.conn.Close()
				delete(sessions, sess)
				d.log.Debugf("dispatcher: disconnected %s (%d remain)", sess.id, len(sessions))
			}

		case tick := <-ticker.C:
			d.drainForce(sessions)
			if !d.evaluateDue(sessions) {
				d.runDuePeriodicTask(sessions, tick, &lastCleanup, &lastStats, &lastDump)
			}
		}
	}
}

func (d *Dispatcher) closeAll(sessions map[*clientSession]bool) {
	for sess := range sessions {
		sess.conn.Close()
	}
}

// acceptLoop accepts connections until ctx is done or Accept fails.
func (d *Dispatcher) acceptLoop(ctx context.Context, out chan<- net.Conn, errs chan<- error) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				errs <- err
				return
			}
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// readPump is the per-connection reader goroutine: it blocks on
// bufio.Scanner.Scan and forwards recognized lines to the central loop.
func (d *Dispatcher) readPump(ctx context.Context, sess *clientSession, lines chan<- lineMsg, disconnects chan<- *clientSession) {
	scanner := bufio.NewScanner(sess.conn)
	for scanner.Scan() {
		select {
		case lines <- lineMsg{sess: sess, line: scanner.Text()}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case disconnects <- sess:
	case <-ctx.Done():
	}
}

// handleLine applies one parsed command to sess.
func (d *Dispatcher) handleLine(sess *clientSession, line string, sessionCount int, disconnects chan<- *clientSession) {
	switch cmd := protocol.Parse(line).(type) {
	case protocol.Subscribe:
		if sess.mac != "" && sess.mac != cmd.MAC {
			d.registry.Unset(sess.mac)
		}
		sess.mac = cmd.MAC
		sess.intervalS = cmd.IntervalS
		sess.nextCheck = 0
		d.registry.Set(cmd.MAC, cmd.IntervalS)
		d.writeLine(sess, protocol.RespAccepted)

	case protocol.Now:
		sess.nextCheck = 0
		d.writeLine(sess, protocol.RespAccepted)

	case protocol.Ping:
		d.writeLine(sess, d.pingStats(sessionCount))
		disconnects <- sess

	case protocol.Stop:
		if sess.mac != "" {
			d.registry.Unset(sess.mac)
			sess.mac = ""
		}
		d.writeLine(sess, protocol.RespNoCommand)

	case protocol.Unknown:
		d.log.Warnf("dispatcher: unrecognized line from %s: %q", sess.id, cmd.Raw)
	}
}

func (d *Dispatcher) writeLine(sess *clientSession, text string) {
	if _, err := fmt.Fprintf(sess.conn, "%s\n", text); err != nil {
		d.log.Warnf("dispatcher: write to %s failed: %v", sess.id, err)
	}
}

// pingStats formats the ping response: client count, device count, and
// min/max age across the Presence Table ("%" when unknown).
func (d *Dispatcher) pingStats(clients int) string {
	now := clock.Now()
	devices := 0
	minAge, maxAge := int64(-1), int64(-1)
	d.table.Iterate(func(dev presence.Device) {
		devices++
		age := now - dev.Timestamp
		if minAge == -1 || age < minAge {
			minAge = age
		}
		if maxAge == -1 || age > maxAge {
			maxAge = age
		}
	})
	minStr, maxStr := "%", "%"
	if devices > 0 {
		minStr = strconv.FormatInt(minAge, 10)
		maxStr = strconv.FormatInt(maxAge, 10)
	}
	return fmt.Sprintf("pong [clients=%d;devices=%d;min_age=%s;max_age=%s]", clients, devices, minStr, maxStr)
}

// drainForce resets next_check on every session subscribed to a forced
// MAC, so it is re-evaluated this tick.
func (d *Dispatcher) drainForce(sessions map[*clientSession]bool) {
	forced := d.registry.DrainForce()
	if len(forced) == 0 {
		return
	}
	set := make(map[string]bool, len(forced))
	for _, mac := range forced {
		set[strings.ToLower(mac)] = true
	}
	for sess := range sessions {
		if sess.mac != "" && set[strings.ToLower(sess.mac)] {
			sess.nextCheck = 0
		}
	}
}

// evaluateDue checks every subscribed session against the Presence Table
// and writes its present/absence response. It reports whether any session
// was due this tick, which gates whether a periodic task may also run.
func (d *Dispatcher) evaluateDue(sessions map[*clientSession]bool) bool {
	now := clock.Now()
	any := false
	for sess := range sessions {
		if sess.mac == "" || sess.nextCheck > now {
			continue
		}
		any = true
		present, name := d.isPresent(sess.mac, sess.intervalS, now)
		if present {
			d.writeLine(sess, fmt.Sprintf("present;device_name=%s;model=lan-%s;daemon=%s V%s", name, d.cfg.DaemonName, d.cfg.DaemonName, d.cfg.Version))
		} else {
			d.writeLine(sess, fmt.Sprintf("absence;model=lan-%s;daemon=%s V%s", d.cfg.DaemonName, d.cfg.DaemonName, d.cfg.Version))
		}
		sess.nextCheck = now + int64(sess.intervalS)
	}
	return any
}

func (d *Dispatcher) isPresent(mac string, intervalS int, now int64) (present bool, name string) {
	dev, ok := d.table.Read(mac)
	if !ok {
		return false, ""
	}
	if now-dev.Timestamp > int64(intervalS) {
		return false, dev.Name
	}
	return true, dev.Name
}

// runDuePeriodicTask runs at most one of cleanup, stats, or (debug-only)
// dump per tick, in that priority order, and only when no session was
// evaluated this tick.
func (d *Dispatcher) runDuePeriodicTask(sessions map[*clientSession]bool, now time.Time, lastCleanup, lastStats, lastDump *time.Time) {
	if now.Sub(*lastCleanup) >= d.cfg.CleanupInterval {
		d.cleanup(sessions)
		*lastCleanup = now
		return
	}

	statsInterval := d.cfg.StatsIntervalInfo
	if d.cfg.Debug {
		statsInterval = d.cfg.StatsIntervalDebug
	}
	if now.Sub(*lastStats) >= statsInterval {
		d.stats(sessions)
		*lastStats = now
		return
	}

	if d.cfg.Debug && now.Sub(*lastDump) >= d.cfg.DumpInterval {
		d.dump()
		*lastDump = now
	}
}

// cleanup drops Presence Table entries older than CleanupMaxAge that no
// live session still references.
func (d *Dispatcher) cleanup(sessions map[*clientSession]bool) {
	referenced := make(map[string]bool, len(sessions))
	for sess := range sessions {
		if sess.mac != "" {
			referenced[strings.ToLower(sess.mac)] = true
		}
	}

	now := clock.Now()
	maxAge := int64(d.cfg.CleanupMaxAge / time.Second)
	var stale []string
	d.table.Iterate(func(dev presence.Device) {
		if referenced[dev.MAC] {
			return
		}
		if now-dev.Timestamp > maxAge {
			stale = append(stale, dev.MAC)
		}
	})
	for _, mac := range stale {
		d.table.Remove(mac)
	}
	if len(stale) > 0 {
		d.log.Debugf("dispatcher: cleanup removed %d stale presence entries", len(stale))
	}
}

// stats logs client/device counts alongside a host resource sample.
func (d *Dispatcher) stats(sessions map[*clientSession]bool) {
	line := fmt.Sprintf("stats: clients=%d devices=%d", len(sessions), d.table.Len())
	if d.sampler != nil {
		if sample, err := d.sampler.Sample(); err == nil {
			line += " " + sample
		} else {
			d.log.Warnf("dispatcher: host sample failed: %v", err)
		}
	}
	d.log.Infof("%s", line)
}

// dump logs every tracked device's current age; it runs only when Debug
// is set.
func (d *Dispatcher) dump() {
	d.table.Iterate(func(dev presence.Device) {
		now := clock.Now()
		d.log.Debugf("dump: %s age=%d prev_age=%d name=%s", dev.MAC, now-dev.Timestamp, now-dev.PrevTimestamp, dev.Name)
	})
}
