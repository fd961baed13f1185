package app

import (
	"strings"
	"time"

	"servidor/internal/config"
	"servidor/internal/intake"
	"servidor/internal/method"
	"servidor/internal/observability/diag"
	"servidor/internal/registry"
	"servidor/internal/storage"
	"servidor/internal/task/engine"
	"servidor/internal/task/scheduler"
	logx "servidor/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false when storage.driver is empty or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	tz := sc.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = cfg.Scheduler.Timezone
	}
	loc, err := config.LoadLocation("storage.timezone", tz)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		MetadataFile: strings.TrimSpace(sc.MetadataFile),
		HistoryFile:  strings.TrimSpace(sc.HistoryFile),
		Location:     loc,
	}, true, nil
}

func mapRefresherConfig(cfg *config.Config) (registry.RefresherConfig, error) {
	interval, err := config.ParseDurationOrDefault("methods.refresh_interval", cfg.Methods.RefreshInterval, 5*time.Minute)
	if err != nil {
		return registry.RefresherConfig{}, err
	}
	exts := cfg.Methods.Extensions
	if len(exts) == 0 {
		exts = method.DefaultExtensions
	}
	rc := registry.RefresherConfig{
		Root:       strings.TrimSpace(cfg.Methods.Root),
		Extensions: exts,
		Interval:   interval,
		Watch:      cfg.Methods.Watch,
	}
	// Only CSV snapshots are watched; a sqlite file changes on every run we record.
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "csv", "file":
		for _, p := range []string{cfg.Storage.MetadataFile, cfg.Storage.HistoryFile} {
			if p = strings.TrimSpace(p); p != "" {
				rc.WatchPaths = append(rc.WatchPaths, p)
			}
		}
	}
	return rc, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	kill, err := config.ParseDurationOrDefault("engine.kill_timeout", cfg.Engine.KillTimeout, 10*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	interps, err := engine.ParseInterpreters(cfg.Engine.Interpreters)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:      cfg.Engine.Workers,
		LogsDir:      cfg.Engine.LogsDir,
		KillTimeout:  kill,
		HistorySize:  cfg.Engine.HistorySize,
		Interpreters: interps,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick", sc.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	recalc, err := config.ParseDurationOrDefault("scheduler.recalc_interval", sc.RecalcInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := config.LoadLocation("scheduler.timezone", sc.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	catchUp := true
	if sc.CatchUp != nil {
		catchUp = *sc.CatchUp
	}
	return scheduler.Config{
		Tick:           tick,
		RecalcInterval: recalc,
		Location:       loc,
		CatchUp:        catchUp,
	}, nil
}

func mapIntakeConfig(cfg *config.Config) (intake.Config, error) {
	poll, err := config.ParseDurationOrDefault("intake.poll_interval", cfg.Intake.PollInterval, 2*time.Second)
	if err != nil {
		return intake.Config{}, err
	}
	return intake.Config{Dir: strings.TrimSpace(cfg.Intake.Dir), PollInterval: poll}, nil
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	d := cfg.Diagnostics
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// pprof/profile streams for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  time.Minute,
	}
}
