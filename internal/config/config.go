// Package config loads the pool-client's TOML configuration file (the
// ordered pool list plus rotation/reporting tunables) layered with CLI
// flag overrides, the way the teacher pool server's config.go/
// config_load.go layer a TOML file under flag overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"poolminerd/internal/pooltypes"
)

// PoolEntry is one [[pools]] table in the config file.
type PoolEntry struct {
	URI string `toml:"uri"`
}

// fileConfig mirrors the on-disk TOML layout.
type fileConfig struct {
	Pools []PoolEntry `toml:"pools"`

	MinerType        string `toml:"miner_type"`
	Ergodicity       int    `toml:"ergodicity"`
	MaxTries         uint   `toml:"max_tries"`
	FailoverMinutes  uint   `toml:"failover_minutes"`
	HashrateReportS  uint   `toml:"hashrate_report_seconds"`
	FarmRecheckMs    uint   `toml:"farm_recheck_ms"`
	WorkTimeoutS     uint   `toml:"work_timeout_seconds"`
	PowEndTimeoutS   uint   `toml:"zil_pow_end_timeout_seconds"`
	PowStartS        uint   `toml:"zil_pow_start_seconds"`
	StatusListenAddr string `toml:"status_listen_addr"`
	LogLevel         string `toml:"log_level"`
}

// Config is the fully-resolved, process-ready configuration.
type Config struct {
	Pools []pooltypes.URI

	MinerType       string
	Ergodicity      int
	MaxTries        uint
	FailoverMinutes uint
	HashrateReport  time.Duration
	FarmRecheck     time.Duration
	WorkTimeout     time.Duration
	PowEndTimeout   time.Duration
	PowStart        time.Duration

	StatusListenAddr string
	LogLevel         string
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		MinerType:        "CUDA",
		Ergodicity:       0,
		MaxTries:         3,
		FailoverMinutes:  0,
		HashrateReportS:  60,
		FarmRecheckMs:    500,
		WorkTimeoutS:     180,
		PowEndTimeoutS:   40,
		PowStartS:        20,
		StatusListenAddr: "127.0.0.1:9090",
		LogLevel:         "info",
	}
}

// Flags holds the CLI override surface, parsed separately from Load so
// callers (and tests) can build a flag.FlagSet without touching the
// global command line.
type Flags struct {
	ConfigPath      string
	StatusListen    string
	MaxTries        uint
	FailoverMinutes uint
	LogLevel        string
}

// RegisterFlags wires Flags onto fs, mirroring the teacher's
// config_build.go layering of flags over the file-backed defaults.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "pool.toml", "path to pool configuration file")
	fs.StringVar(&f.StatusListen, "status-addr", "", "override status server listen address")
	fs.UintVar(&f.MaxTries, "max-tries", 0, "override max connection attempts per pool before rotating (0 = use config file)")
	fs.UintVar(&f.FailoverMinutes, "failover-minutes", 0, "override minutes before failing back to the primary pool (0 = use config file)")
	fs.StringVar(&f.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	return f
}

// Load reads and parses the TOML file at flags.ConfigPath and layers the
// non-zero flag overrides on top.
func Load(flags *Flags) (Config, error) {
	fc := defaultFileConfig()

	data, err := os.ReadFile(flags.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: %s not found", flags.ConfigPath)
		}
		return Config{}, fmt.Errorf("config: read %s: %w", flags.ConfigPath, err)
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", flags.ConfigPath, err)
	}
	if len(fc.Pools) == 0 {
		return Config{}, fmt.Errorf("config: %s defines no [[pools]]", flags.ConfigPath)
	}

	cfg := Config{
		MinerType:         fc.MinerType,
		Ergodicity:        fc.Ergodicity,
		MaxTries:          fc.MaxTries,
		FailoverMinutes:   fc.FailoverMinutes,
		HashrateReport:    time.Duration(fc.HashrateReportS) * time.Second,
		FarmRecheck:       time.Duration(fc.FarmRecheckMs) * time.Millisecond,
		WorkTimeout:       time.Duration(fc.WorkTimeoutS) * time.Second,
		PowEndTimeout:     time.Duration(fc.PowEndTimeoutS) * time.Second,
		PowStart:          time.Duration(fc.PowStartS) * time.Second,
		StatusListenAddr:  fc.StatusListenAddr,
		LogLevel:          fc.LogLevel,
	}

	for _, p := range fc.Pools {
		u, err := pooltypes.ParseURI(p.URI)
		if err != nil {
			return Config{}, fmt.Errorf("config: pool entry %q: %w", p.URI, err)
		}
		cfg.Pools = append(cfg.Pools, u)
	}

	if flags.StatusListen != "" {
		cfg.StatusListenAddr = flags.StatusListen
	}
	if flags.MaxTries != 0 {
		cfg.MaxTries = flags.MaxTries
	}
	if flags.FailoverMinutes != 0 {
		cfg.FailoverMinutes = flags.FailoverMinutes
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}

	return cfg, nil
}
