// Command poolminerd connects to a list of mining pools, fails over
// between them, and drives a mining engine against whatever work the
// active pool hands back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	debugpkg "runtime/debug"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"poolminerd/internal/config"
	"poolminerd/internal/engine"
	"poolminerd/internal/epoch"
	"poolminerd/internal/getwork"
	"poolminerd/internal/logx"
	"poolminerd/internal/poolmanager"
	"poolminerd/internal/status"
)

var buildTime = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s\n%s\n\n",
					ts, r, buildTime, debugpkg.Stack())
			}
		}
	}()

	debugpkg.SetGCPercent(200)

	fs := flag.NewFlagSet("poolminerd", flag.ExitOnError)
	flags := config.RegisterFlags(fs)
	fakeEngine := fs.Bool("fake-engine", false, "use the in-memory fake mining engine instead of a real backend")
	fakeHashRate := fs.Uint64("fake-hashrate", 25_000_000, "reported hash rate for -fake-engine")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fatal(err)
	}

	level := parseLevel(cfg.LogLevel)
	logx.Default.SetLevel(level)
	log := logx.Default

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eng engine.Engine
	if *fakeEngine {
		eng = engine.NewFake(*fakeHashRate)
	} else {
		log.Warn("no real mining backend wired into this build, falling back to the fake engine")
		eng = engine.NewFake(*fakeHashRate)
	}

	minerType := parseMinerType(cfg.MinerType)
	oracle := epoch.NewChainOracle()

	client := getwork.New(getwork.Options{
		ZILMode:        false,
		FarmRecheck:    cfg.FarmRecheck,
		WorkTimeout:    cfg.WorkTimeout,
		PowStart:       cfg.PowStart,
		PowEndTimeout:  cfg.PowEndTimeout,
		RequestTimeout: 5 * time.Second,
		Logger:         log,
	})

	terminated := make(chan struct{})
	mgr := poolmanager.New(client, eng, oracle, poolmanager.Options{
		MinerType:       minerType,
		Ergodicity:      cfg.Ergodicity,
		MaxTries:        cfg.MaxTries,
		FailoverMinutes: cfg.FailoverMinutes,
		HashrateReport:  cfg.HashrateReport,
		Logger:          log,
		OnTerminate: func() {
			select {
			case <-terminated:
			default:
				close(terminated)
			}
			stop()
		},
	})

	for _, pool := range cfg.Pools {
		mgr.AddConnection(pool)
	}

	statusSrv := status.New(cfg.StatusListenAddr, mgr, eng, log)
	statusSrv.Start()
	log.Info("status server listening", "addr", cfg.StatusListenAddr)

	mgr.Start()
	log.Info("poolminerd started",
		"pools", len(cfg.Pools),
		"hashrate_report_every", durafmt.Parse(cfg.HashrateReport).String(),
		"farm_recheck_every", durafmt.Parse(cfg.FarmRecheck).String(),
	)

	<-ctx.Done()
	log.Info("shutting down")

	mgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("status server shutdown error", "err", err)
	}

	log.Stop()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "poolminerd:", err)
	os.Exit(1)
}

func parseLevel(s string) logx.Level {
	switch s {
	case "debug":
		return logx.LevelDebug
	case "warn":
		return logx.LevelWarn
	case "error":
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}

func parseMinerType(s string) engine.MinerType {
	switch s {
	case "CL", "cl", "opencl":
		return engine.MinerCL
	case "mixed", "Mixed":
		return engine.MinerMixed
	default:
		return engine.MinerCUDA
	}
}
