package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"servidor/internal/method"
	logx "servidor/pkg/logx"
)

// Source yields the metadata snapshot rows.
type Source interface {
	Methods(ctx context.Context) ([]MetadataRow, error)
}

type RefresherConfig struct {
	Root       string
	Extensions []string
	Interval   time.Duration
	// Watch adds fsnotify triggers on Root, its category dirs and WatchPaths.
	Watch      bool
	WatchPaths []string
	Debounce   time.Duration
}

// Refresher rebuilds the registry from storage and disk.
type Refresher struct {
	cfg RefresherConfig
	reg *Registry
	src Source
	log logx.Logger

	sf   singleflight.Group
	warn *logx.Throttled

	mu       sync.Mutex
	lastErr  error
	lastDone time.Time
}

func NewRefresher(cfg RefresherConfig, reg *Registry, src Source, log logx.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	log = log.With(logx.Comp("registry"))
	return &Refresher{
		cfg:  cfg,
		reg:  reg,
		src:  src,
		log:  log,
		warn: logx.NewThrottled(log, time.Minute),
	}
}

// Refresh rebuilds the mapping once. Concurrent callers share one rebuild.
//
// A metadata failure keeps the executables (all unassigned) and is returned
// alongside the installed mapping; an unreadable root leaves the registry
// untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	start := time.Now()
	exes, err := Discover(r.cfg.Root, r.cfg.Extensions)
	if err != nil {
		r.note(err)
		return err
	}

	var rows []MetadataRow
	var metaErr error
	if r.src != nil {
		rows, metaErr = r.src.Methods(ctx)
		if metaErr != nil {
			metaErr = errors.Wrap(metaErr, "load method metadata")
			rows = nil
			r.warn.Warn("metadata unavailable; methods will be unassigned", logx.Err(metaErr))
		}
	}

	m := Resolve(rows, exes)
	r.reg.Replace(m)
	r.note(metaErr)

	r.log.Debug("registry refreshed",
		logx.Int("methods", len(m)),
		logx.Int("metadata_rows", len(rows)),
		logx.Duration("took", time.Since(start)),
	)
	return metaErr
}

func (r *Refresher) note(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.lastDone = time.Now()
	r.mu.Unlock()
}

// LastResult reports the last refresh time and its error.
func (r *Refresher) LastResult() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDone, r.lastErr
}

// Run refreshes on the interval (and on fs events when enabled) until ctx
// is done. One failed refresh never stops the loop.
func (r *Refresher) Run(ctx context.Context) error {
	var (
		w      *fsnotify.Watcher
		events <-chan fsnotify.Event
	)
	if r.cfg.Watch {
		var err error
		w, err = r.newWatcher()
		if err != nil {
			r.log.Warn("registry watch disabled", logx.Err(err))
		} else {
			defer w.Close()
			events = w.Events
			go r.drainErrors(ctx, w)
		}
	}

	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.refreshLogged(ctx, "interval")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !r.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) && r.isCategory(ev.Name) {
				_ = w.Add(ev.Name)
			}
			debounce = time.After(r.cfg.Debounce)
		case <-debounce:
			debounce = nil
			r.refreshLogged(ctx, "fsnotify")
		}
	}
}

// relevant filters fs events down to ones that can change the mapping.
// Methods write logs and outputs next to themselves, so content writes in
// category dirs are ignored; only the metadata files count on Write.
func (r *Refresher) relevant(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	for _, p := range r.cfg.WatchPaths {
		if p != "" && filepath.Clean(p) == name {
			return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if r.isCategory(name) {
		return true
	}
	exts := r.cfg.Extensions
	if len(exts) == 0 {
		exts = method.DefaultExtensions
	}
	return method.HasKnownExtension(name, exts)
}

// isCategory reports whether name sits directly under Root and carries no
// extension, which is how category dirs look (a removed one can't be stat'ed).
func (r *Refresher) isCategory(name string) bool {
	return filepath.Dir(name) == filepath.Clean(r.cfg.Root) && filepath.Ext(name) == ""
}

func (r *Refresher) refreshLogged(ctx context.Context, trigger string) {
	if err := r.Refresh(ctx); err != nil {
		r.warn.Warn("registry refresh failed", logx.String("trigger", trigger), logx.Err(err))
	}
}

func (r *Refresher) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "fsnotify")
	}
	if err := w.Add(r.cfg.Root); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watch %s", r.cfg.Root)
	}
	if matches, _ := filepath.Glob(filepath.Join(r.cfg.Root, "*")); len(matches) > 0 {
		for _, p := range matches {
			_ = w.Add(p) // plain files fail on some platforms; the root event still fires
		}
	}
	for _, p := range r.cfg.WatchPaths {
		if p == "" {
			continue
		}
		if err := w.Add(filepath.Dir(p)); err != nil {
			r.log.Debug("registry watch path skipped", logx.String("path", p), logx.Err(err))
		}
	}
	return w, nil
}

func (r *Refresher) drainErrors(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.warn.Warn("registry watch error", logx.Err(err))
		}
	}
}
