// Command btpresenced is the presence daemon's entry point: it resolves
// configuration, wires the Clock/Calibration, Presence Table, Subscription
// Registry, Scanner, and Dispatcher together, and drives the process
// lifecycle (PID-file lock, signal-triggered shutdown, exit codes).
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pldemone/btpresenced/internal/btlog"
	"github.com/pldemone/btpresenced/internal/clock"
	"github.com/pldemone/btpresenced/internal/config"
	"github.com/pldemone/btpresenced/internal/dispatcher"
	"github.com/pldemone/btpresenced/internal/lifecycle"
	"github.com/pldemone/btpresenced/internal/lookup"
	"github.com/pldemone/btpresenced/internal/presence"
	"github.com/pldemone/btpresenced/internal/scanner"
	"github.com/pldemone/btpresenced/internal/stats"
	"github.com/pldemone/btpresenced/internal/subscription"
)

// Exit codes.
const (
	exitUsageOrFatal = 1
	exitBindFailure  = 2
	exitAlreadyRun   = 3
	exitToolMissing  = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, usage, err := config.Parse(args)
	if config.IsHelpRequested(err) {
		fmt.Fprint(os.Stdout, usage)
		return 0
	}
	if config.IsVersionRequested(err) {
		fmt.Fprint(os.Stdout, usage)
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, err)
		return exitUsageOrFatal
	}

	log, err := btlog.New(cfg.LogLevel, cfg.LogTarget)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btpresenced: starting logger: %v\n", err)
		return exitUsageOrFatal
	}
	defer log.Sync()

	tool, err := lookup.New(lookupBinaryName, cfg.BluetoothDevice)
	if err != nil {
		log.Errorf("required lookup tool not found on PATH: %v", err)
		return exitToolMissing
	}

	lock, err := lifecycle.Acquire(cfg.PIDFile)
	if err != nil {
		if err == lifecycle.ErrAlreadyRunning {
			log.Errorf("another instance is already running (%s)", cfg.PIDFile)
			return exitAlreadyRun
		}
		log.Errorf("acquiring pid file lock: %v", err)
		return exitUsageOrFatal
	}
	defer lock.Release()

	table := presence.NewTable()
	registry := subscription.NewRegistry()

	scanCfg := scanner.Config{
		DownThreshold: cfg.Timings.DownThreshold,
		RetrySleep:    cfg.Timings.RetrySleep,
		Fast:          cfg.Fast,
	}
	sc := scanner.New(scanCfg, registry, table, tool, log)

	if cfg.Fast {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timings.RetrySleep)
		tProbe, err := clock.Calibrate(ctx, tool)
		cancel()
		if err != nil {
			log.Errorf("fast-presence calibration failed: %v", err)
			return exitUsageOrFatal
		}
		sc.SetTProbe(tProbe)
		log.Infof("calibrated T_probe=%s", tProbe)
	}

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		log.Errorf("binding %s: %v", addr, err)
		return exitBindFailure
	}
	defer ln.Close()

	dispCfg := dispatcher.Config{
		MainLoopSleep:      cfg.Timings.MainLoopSleep,
		CleanupInterval:    cfg.Timings.CleanupInterval,
		CleanupMaxAge:      cfg.Timings.CleanupMaxAge,
		StatsIntervalInfo:  cfg.Timings.StatsIntervalInfo,
		StatsIntervalDebug: cfg.Timings.StatsIntervalDebug,
		DumpInterval:       cfg.Timings.DumpInterval,
		Debug:              cfg.Debug,
		DaemonName:         config.Name,
		Version:            config.Version,
	}
	disp := dispatcher.New(ln, dispCfg, table, registry, log, stats.NewSampler())

	ctx, stop := lifecycle.NotifyShutdown()
	defer stop()

	go sc.Start(ctx)

	log.Infof("btpresenced V%s listening on %s", config.Version, addr)
	if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("dispatcher exited: %v", err)
		return exitUsageOrFatal
	}

	log.Infof("shutting down")
	return exitUsageOrFatal
}

// lookupBinaryName is the external name-lookup tool's expected name on
// PATH. It is a detail of the host environment, not part of the wire
// protocol.
const lookupBinaryName = "bt-name-lookup"
