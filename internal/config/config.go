// Package config resolves the daemon's command-line surface together
// with an optional YAML defaults file: flags always win over the file,
// and the file always wins over hardcoded defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel enumerates the syslog-style levels the daemon accepts.
type LogLevel string

const (
	LogEmerg   LogLevel = "LOG_EMERG"
	LogAlert   LogLevel = "LOG_ALERT"
	LogCrit    LogLevel = "LOG_CRIT"
	LogErr     LogLevel = "LOG_ERR"
	LogWarning LogLevel = "LOG_WARNING"
	LogNotice  LogLevel = "LOG_NOTICE"
	LogInfo    LogLevel = "LOG_INFO"
	LogDebug   LogLevel = "LOG_DEBUG"
)

var validLogLevels = map[LogLevel]bool{
	LogEmerg: true, LogAlert: true, LogCrit: true, LogErr: true,
	LogWarning: true, LogNotice: true, LogInfo: true, LogDebug: true,
}

// LogTarget selects the logging sink.
type LogTarget string

const (
	TargetSyslog LogTarget = "syslog"
	TargetStdout LogTarget = "stdout"
)

// Timings groups the daemon's internal cadences. These are ambient tuning
// knobs, not part of the client-facing protocol; they get sane defaults
// and are overridable only via the optional YAML file, not via flags.
type Timings struct {
	DownThreshold      int           `yaml:"down_threshold"`
	RetrySleep         time.Duration `yaml:"retry_sleep"`
	MainLoopSleep      time.Duration `yaml:"main_loop_sleep"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	CleanupMaxAge      time.Duration `yaml:"cleanup_max_age"`
	StatsIntervalInfo  time.Duration `yaml:"stats_interval_info"`
	StatsIntervalDebug time.Duration `yaml:"stats_interval_debug"`
	DumpInterval       time.Duration `yaml:"dump_interval"`
}

func defaultTimings() Timings {
	return Timings{
		DownThreshold:      2,
		RetrySleep:         5 * time.Second,
		MainLoopSleep:      250 * time.Millisecond,
		CleanupInterval:    900 * time.Second,
		CleanupMaxAge:      1800 * time.Second,
		StatsIntervalInfo:  300 * time.Second,
		StatsIntervalDebug: 60 * time.Second,
		DumpInterval:       10 * time.Second,
	}
}

// Config is the fully resolved daemon configuration: the command-line
// surface plus the ambient Timings block.
type Config struct {
	BluetoothDevice string    `yaml:"bluetoothdevice"`
	ListenAddress   string    `yaml:"listenaddress"`
	ListenPort      int       `yaml:"listenport"`
	Daemon          bool      `yaml:"daemon"`
	Fast            bool      `yaml:"fast"`
	LogLevel        LogLevel  `yaml:"loglevel"`
	LogTarget       LogTarget `yaml:"logtarget"`
	Debug           bool      `yaml:"debug"`
	PIDFile         string    `yaml:"pidfile"`

	Timings Timings `yaml:"timings"`
}

var ipv4Pattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

func defaults() *Config {
	return &Config{
		BluetoothDevice: "hci0",
		ListenAddress:   "0.0.0.0",
		ListenPort:      5333,
		LogLevel:        LogInfo,
		LogTarget:       TargetStdout,
		PIDFile:         "/var/run/btpresenced.pid",
		Timings:         defaultTimings(),
	}
}

var (
	errHelpRequested    = fmt.Errorf("help requested")
	errVersionRequested = fmt.Errorf("version requested")
)

// IsHelpRequested reports whether err is the sentinel Parse returns for
// --help/-h.
func IsHelpRequested(err error) bool { return err == errHelpRequested }

// IsVersionRequested reports whether err is the sentinel Parse returns
// for --version/-V.
func IsVersionRequested(err error) bool { return err == errVersionRequested }

// Version is the daemon's reported version, surfaced in --version output
// and in the present/absence response lines.
const Version = "0.01"

// Name is the daemon's short name, used in --version output and in the
// present/absence response lines ("daemon=<Name> V<Version>").
const Name = "btpresenced"

// Parse builds a Config from args (typically os.Args[1:]): it loads an
// optional --config/-c YAML file for defaults first, then applies flags,
// which always win. On invalid input it returns the usage text and an
// error; the caller prints the text and exits.
func Parse(args []string) (cfg *Config, usageText string, err error) {
	fs := flag.NewFlagSet(Name, flag.ContinueOnError)
	var usage strings.Builder
	fs.SetOutput(&usage)

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML file supplying flag defaults")
	fs.StringVar(&configPath, "c", "", "shorthand for --config")

	base := defaults()

	var help, version bool
	fs.BoolVar(&help, "help", false, "print usage and exit")
	fs.BoolVar(&help, "h", false, "shorthand for --help")
	fs.BoolVar(&version, "version", false, "print version and exit")
	fs.BoolVar(&version, "V", false, "shorthand for --version")

	device := base.BluetoothDevice
	fs.StringVar(&device, "bluetoothdevice", device, "radio id passed to the lookup tool")
	fs.StringVar(&device, "b", device, "shorthand for --bluetoothdevice")

	addr := base.ListenAddress
	fs.StringVar(&addr, "listenaddress", addr, "IPv4 address to listen on")
	fs.StringVar(&addr, "a", addr, "shorthand for --listenaddress")

	port := base.ListenPort
	fs.IntVar(&port, "listenport", port, "TCP port to listen on")
	fs.IntVar(&port, "p", port, "shorthand for --listenport")

	daemon := base.Daemon
	fs.BoolVar(&daemon, "daemon", daemon, "run in the background")
	fs.BoolVar(&daemon, "d", daemon, "shorthand for --daemon")

	fast := base.Fast
	fs.BoolVar(&fast, "fast", fast, "enable fast-presence slot packing and T_probe calibration")

	logLevel := string(base.LogLevel)
	fs.StringVar(&logLevel, "loglevel", logLevel, "one of LOG_EMERG..LOG_DEBUG")
	fs.StringVar(&logLevel, "l", logLevel, "shorthand for --loglevel")

	logTarget := string(base.LogTarget)
	fs.StringVar(&logTarget, "logtarget", logTarget, "syslog or stdout")
	fs.StringVar(&logTarget, "t", logTarget, "shorthand for --logtarget")

	debug := base.Debug
	fs.BoolVar(&debug, "debug", debug, "enable debug-only periodic tasks (dump)")

	pidFile := base.PIDFile
	fs.StringVar(&pidFile, "pidfile", pidFile, "path to the single-instance lock/PID file")

	if perr := fs.Parse(args); perr != nil {
		return nil, usage.String(), perr
	}

	if help {
		fs.Usage()
		return nil, usage.String(), errHelpRequested
	}
	if version {
		return nil, fmt.Sprintf("%s V%s\n", Name, Version), errVersionRequested
	}

	resolved := base
	if configPath != "" {
		fileCfg, ferr := loadYAML(configPath)
		if ferr != nil {
			return nil, usage.String(), fmt.Errorf("loading config file: %w", ferr)
		}
		resolved = mergeDefaults(fileCfg, base)
	}

	// Flags always win over the config file: re-apply only the flags the
	// user actually typed on the command line.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bluetoothdevice", "b":
			resolved.BluetoothDevice = device
		case "listenaddress", "a":
			resolved.ListenAddress = addr
		case "listenport", "p":
			resolved.ListenPort = port
		case "daemon", "d":
			resolved.Daemon = daemon
		case "fast":
			resolved.Fast = fast
		case "loglevel", "l":
			resolved.LogLevel = LogLevel(logLevel)
		case "logtarget", "t":
			resolved.LogTarget = LogTarget(logTarget)
		case "debug":
			resolved.Debug = debug
		case "pidfile":
			resolved.PIDFile = pidFile
		}
	})

	if verr := validate(resolved); verr != nil {
		return nil, usage.String(), verr
	}
	return resolved, usage.String(), nil
}

func validate(cfg *Config) error {
	if !ipv4Pattern.MatchString(cfg.ListenAddress) {
		return fmt.Errorf("invalid --listenaddress %q: must match \\d+\\.\\d+\\.\\d+\\.\\d+", cfg.ListenAddress)
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid --listenport %d", cfg.ListenPort)
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid --loglevel %q", cfg.LogLevel)
	}
	if cfg.LogTarget != TargetSyslog && cfg.LogTarget != TargetStdout {
		return fmt.Errorf("invalid --logtarget %q: must be syslog or stdout", cfg.LogTarget)
	}
	return nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeDefaults folds fileCfg's values in as the new baseline, keeping
// hardCfg's Timings for any zero-valued Timings field the file omitted.
func mergeDefaults(fileCfg, hardCfg *Config) *Config {
	merged := *fileCfg
	if merged.Timings.DownThreshold == 0 {
		merged.Timings.DownThreshold = hardCfg.Timings.DownThreshold
	}
	if merged.Timings.RetrySleep == 0 {
		merged.Timings.RetrySleep = hardCfg.Timings.RetrySleep
	}
	if merged.Timings.MainLoopSleep == 0 {
		merged.Timings.MainLoopSleep = hardCfg.Timings.MainLoopSleep
	}
	if merged.Timings.CleanupInterval == 0 {
		merged.Timings.CleanupInterval = hardCfg.Timings.CleanupInterval
	}
	if merged.Timings.CleanupMaxAge == 0 {
		merged.Timings.CleanupMaxAge = hardCfg.Timings.CleanupMaxAge
	}
	if merged.Timings.StatsIntervalInfo == 0 {
		merged.Timings.StatsIntervalInfo = hardCfg.Timings.StatsIntervalInfo
	}
	if merged.Timings.StatsIntervalDebug == 0 {
		merged.Timings.StatsIntervalDebug = hardCfg.Timings.StatsIntervalDebug
	}
	if merged.Timings.DumpInterval == 0 {
		merged.Timings.DumpInterval = hardCfg.Timings.DumpInterval
	}
	return &merged
}
