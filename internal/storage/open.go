package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"servidor/internal/registry"
	logx "servidor/pkg/logx"
)

// Store is the persistence API used by the registry refresher, the
// scheduler catch-up and the run recorder.
type Store interface {
	// Methods returns metadata rows in source order; later rows win on
	// duplicate methods.
	Methods(ctx context.Context) ([]registry.MetadataRow, error)
	// LastRuns returns the most recent run per normalized method key.
	LastRuns(ctx context.Context) (map[string]time.Time, error)
	AppendRun(ctx context.Context, r RunRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "csv", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
