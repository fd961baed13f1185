package config

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Validate rejects configs that cannot be turned into running services.
// Semantic defaults are applied later by the services themselves.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Methods.Root) == "" {
		add(errors.New("methods.root is required"))
	}
	_, err := ParseDurationField("methods.refresh_interval", cfg.Methods.RefreshInterval)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "sqlite", "sqlite3", "csv", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage is enabled"))
		}
	default:
		add(errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = LoadLocation("storage.timezone", cfg.Storage.Timezone)
	add(err)

	if cfg.Engine.Workers < 0 {
		add(errors.New("engine.workers must be >= 0"))
	}
	_, err = ParseDurationField("engine.kill_timeout", cfg.Engine.KillTimeout)
	add(err)
	for ext, cmd := range cfg.Engine.Interpreters {
		if !strings.HasPrefix(ext, ".") {
			add(errors.Newf("engine.interpreters: extension %q must start with '.'", ext))
		}
		if _, err := shellquote.Split(cmd); err != nil {
			add(errors.Wrapf(err, "engine.interpreters[%s]", ext))
		}
	}

	_, err = ParseDurationField("scheduler.recalc_interval", cfg.Scheduler.RecalcInterval)
	add(err)
	_, err = ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	add(err)
	_, err = LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	add(err)

	if cfg.Intake.Enabled && strings.TrimSpace(cfg.Intake.Dir) == "" {
		add(errors.New("intake.dir is required when intake is enabled"))
	}
	_, err = ParseDurationField("intake.poll_interval", cfg.Intake.PollInterval)
	add(err)

	if addr := strings.TrimSpace(cfg.Diagnostics.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(errors.Wrap(err, "diagnostics.addr"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out = errors.CombineErrors(out, e)
	}
	return errors.Wrap(out, "invalid config")
}
