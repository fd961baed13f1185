package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"servidor/internal/registry"
	logx "servidor/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps metadata and history in one database. The synchronizer
// rewrites the methods table and appends to runs; this process only appends
// to runs.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, loc: cfg.Location}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "migrate sqlite")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Methods(ctx context.Context) ([]registry.MetadataRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT method, COALESCE(automation,''), COALESCE(area,''), COALESCE(status,''),
		       COALESCE(recurrence,''), COALESCE(weekdays,''), COALESCE(fields,'')
		FROM methods ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query methods")
	}
	defer rows.Close()

	var out []registry.MetadataRow
	for rows.Next() {
		var (
			r      registry.MetadataRow
			fields string
		)
		if err := rows.Scan(&r.Method, &r.Automation, &r.Area, &r.Status, &r.Recurrence, &r.Weekdays, &fields); err != nil {
			return nil, errors.Wrap(err, "scan methods")
		}
		if strings.TrimSpace(r.Method) == "" {
			continue
		}
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
				s.log.Debug("method fields ignored", logx.Method(r.Method), logx.Err(err))
				r.Fields = nil
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate methods")
}

// LastRuns parses every row: the synchronizer writes timestamps in whatever
// format its source uses, so MAX(at) in SQL would compare text.
func (s *sqliteStore) LastRuns(ctx context.Context) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(method_key,''), method), COALESCE(at,''), COALESCE(date,''), COALESCE(time,'')
		FROM runs`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	out := map[string]time.Time{}
	bad := 0
	for rows.Next() {
		var name, at, date, clock string
		if err := rows.Scan(&name, &at, &date, &clock); err != nil {
			return nil, errors.Wrap(err, "scan runs")
		}
		t, err := runTime(at, date, clock, s.loc)
		if err != nil {
			bad++
			continue
		}
		noteLatest(out, name, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	if bad > 0 {
		s.log.Debug("history rows skipped", logx.Int("rows", bad))
	}
	return out, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	killed := 0
	if r.Killed {
		killed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(method, method_key, at, finished, status, exit_code, origin, user, log, killed)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.Method, nullStr(r.Key), r.At.Format(time.RFC3339Nano), nullStr(formatTime(r.Finished)),
		r.Status, r.ExitCode, nullStr(r.Origin), nullStr(r.User), nullStr(r.LogPath), killed,
	)
	return errors.Wrap(err, "insert run")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
