package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"servidor/internal/method"
	"servidor/internal/registry"
	"servidor/internal/task/engine"
	logx "servidor/pkg/logx"

	rtsup "servidor/internal/runtime/supervisor"
)

type Service struct {
	cfg     Config
	log     logx.Logger
	methods Methods
	pool    Submitter
	history History
	changes <-chan struct{}

	mu      sync.Mutex
	entries map[string]Entry

	// consumed holds the last slot handed to the pool per key; guarded by mu.
	consumed map[string]time.Time

	// Dispatch-loop state; only the dispatch goroutine (or tests) touch it.
	day            string
	caughtUp       bool
	lastCatchUpTry time.Time

	lastRecalcAt time.Time // guarded by mu

	warn *logx.Throttled
	sup  *rtsup.Supervisor
	now  func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithChanges triggers a recalculation whenever ch fires (registry refreshes).
func WithChanges(ch <-chan struct{}) Option { return func(s *Service) { s.changes = ch } }

func New(cfg Config, methods Methods, pool Submitter, history History, log logx.Logger, opts ...Option) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log = log.With(logx.Comp("scheduler"))
	s := &Service{
		cfg:      cfg,
		log:      log,
		methods:  methods,
		pool:     pool,
		history:  history,
		entries:  map[string]Entry{},
		consumed: map[string]time.Time{},
		warn:     logx.NewThrottled(log, 30*time.Second),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Location() *time.Location { return s.cfg.Location }

// Start launches the recalculation and dispatch loops under a supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	s.Recalculate()

	sup.GoRestart("scheduler.recalc", s.recalcLoop)
	sup.GoRestart("scheduler.dispatch", s.dispatchLoop)

	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("recalc", s.cfg.RecalcInterval),
		logx.Bool("catch_up", s.cfg.CatchUp),
	)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) recalcLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.RecalcInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Recalculate()
		case <-s.changes:
			s.Recalculate()
		}
	}
}

func (s *Service) dispatchLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// Recalculate rebuilds every entry from the registry with now as reference.
func (s *Service) Recalculate() {
	s.recalcAt(s.now())
}

func (s *Service) recalcAt(ref time.Time) {
	mapping := s.methods.Snapshot()

	computed := make(map[string]Entry, len(mapping))
	var broken []string
	for key, info := range mapping {
		e, err := s.safeCompute(info, ref)
		if err != nil {
			broken = append(broken, key)
			s.warn.Warn("schedule computation failed", logx.Method(key), logx.Err(err))
			continue
		}
		computed[key] = e
	}

	// Merge against the live map, not a copy taken before computing: the
	// dispatcher may have consumed a slot meanwhile.
	s.mu.Lock()
	next := make(map[string]Entry, len(mapping))
	kept := 0
	for key, e := range computed {
		cur, had := s.entries[key]
		if had && s.keepLocked(cur, e, ref) {
			e = cur
			kept++
		}
		next[key] = e
	}
	for _, key := range broken {
		if cur, ok := s.entries[key]; ok {
			next[key] = cur
		}
	}
	for key := range s.consumed {
		if _, ok := mapping[key]; !ok {
			delete(s.consumed, key)
		}
	}
	s.entries = next
	s.lastRecalcAt = ref
	s.mu.Unlock()

	s.log.Debug("schedule recalculated", logx.Int("methods", len(next)), logx.Int("failed", len(broken)), logx.Int("kept_due", kept))
}

// keepLocked reports whether the live entry cur must survive a recalculation
// that produced e. Only the dispatcher moves a due entry forward, so one due
// today stays put. A recomputed entry at or before the last consumed slot
// loses to cur. Callers hold s.mu.
func (s *Service) keepLocked(cur, e Entry, ref time.Time) bool {
	if !e.schedulable() || cur.Next.IsZero() {
		return false
	}
	if !cur.Next.After(ref) && sameDay(cur.Next, ref, s.cfg.Location) {
		return true
	}
	last, ok := s.consumed[cur.Key]
	return ok && !e.Next.IsZero() && !e.Next.After(last) && cur.Next.After(e.Next)
}

func (s *Service) safeCompute(info method.Info, ref time.Time) (e Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return ComputeEntry(info, ref, s.cfg.Location), nil
}

// ComputeEntry derives the schedule entry of one registered method.
func ComputeEntry(info method.Info, ref time.Time, loc *time.Location) Entry {
	e := Entry{Key: info.Key, Name: info.Name, Path: info.Path}
	if info.Status != method.Active {
		e.Status = StatusInactive
		return e
	}
	rec, ok := ParseRecurrence(info.Recurrence, info.Weekdays)
	if !ok {
		e.Status = StatusNoSchedule
		return e
	}
	e.Slots = rec.SlotStrings()
	e.Days = rec.DayIndexes()
	e.Next = rec.Next(ref, loc)
	if !e.Next.IsZero() && sameDay(e.Next, ref, loc) {
		e.Status = StatusScheduled
	} else {
		e.Status = StatusNoSlotToday
	}
	return e
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	return dayKey(a, loc) == dayKey(b, loc)
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// tick runs one dispatch iteration: rollover, catch-up, due entries.
func (s *Service) tick(ctx context.Context) {
	now := s.now()
	today := dayKey(now, s.cfg.Location)
	if today != s.day {
		if s.day != "" {
			s.log.Info("day rollover", logx.String("from", s.day), logx.String("to", today))
		}
		s.day = today
		s.caughtUp = false
		s.lastCatchUpTry = time.Time{}
		s.recalcAt(now)
	}

	if s.cfg.CatchUp && !s.caughtUp && s.shouldTryCatchUp(now) {
		s.catchUp(ctx, now)
	}

	s.dispatchDue(now)
}

func (s *Service) shouldTryCatchUp(now time.Time) bool {
	return s.lastCatchUpTry.IsZero() || now.Sub(s.lastCatchUpTry) >= s.cfg.RecalcInterval
}

func (s *Service) catchUp(ctx context.Context, now time.Time) {
	s.lastCatchUpTry = now
	var runs map[string]time.Time
	if s.history != nil {
		var err error
		runs, err = s.history.LastRuns(ctx)
		if err != nil {
			s.warn.Warn("catch-up postponed: history unavailable", logx.Err(err))
			return
		}
	}

	misses := CatchUpMisses(now, s.cfg.Location, s.methods.Snapshot(), runs)
	submitted := 0
	for _, m := range misses {
		if s.pool.SubmitAt(m.Key, m.Path, engine.JobContext{Origin: engine.OriginCatchUp}, m.Slot) {
			submitted++
		}
		s.consume(m.Key, m.Slot)
	}
	s.caughtUp = true
	s.log.Info("catch-up done", logx.Int("missed", len(misses)), logx.Int("submitted", submitted))

	// Every slot before now is now accounted for.
	s.recalcAt(now)
}

// dispatchDue submits entries whose next fire is due today, in (next, key)
// order, and moves each one past the current tick.
func (s *Service) dispatchDue(now time.Time) {
	s.mu.Lock()
	var due []Entry
	for _, e := range s.entries {
		if e.Next.IsZero() || e.Next.After(now) || !sameDay(e.Next, now, s.cfg.Location) {
			continue
		}
		due = append(due, e)
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].Next.Equal(due[j].Next) {
			return due[i].Next.Before(due[j].Next)
		}
		return due[i].Key < due[j].Key
	})

	mapping := s.methods.Snapshot()
	ref := now.Add(s.cfg.Tick)
	for _, e := range due {
		switch {
		case s.alreadyConsumed(e.Key, e.Next):
			s.log.Debug("slot already handled by catch-up", logx.Method(e.Key), logx.Time("slot", e.Next))
		case s.pool.SubmitAt(e.Key, e.Path, engine.JobContext{Origin: engine.OriginScheduled}, e.Next):
			s.log.Info("scheduled run submitted", logx.Method(e.Key), logx.Time("slot", e.Next))
		default:
			s.log.Debug("scheduled run not accepted", logx.Method(e.Key), logx.Time("slot", e.Next))
		}
		s.consume(e.Key, e.Next)

		info, known := mapping[e.Key]
		s.mu.Lock()
		if known {
			if ne, err := s.safeCompute(info, ref); err == nil {
				s.entries[e.Key] = ne
			} else {
				s.warn.Warn("schedule computation failed", logx.Method(e.Key), logx.Err(err))
				delete(s.entries, e.Key)
			}
		} else {
			delete(s.entries, e.Key)
		}
		s.mu.Unlock()
	}
}

func (s *Service) consume(key string, slot time.Time) {
	s.mu.Lock()
	if last, ok := s.consumed[key]; !ok || slot.After(last) {
		s.consumed[key] = slot
	}
	s.mu.Unlock()
}

func (s *Service) alreadyConsumed(key string, slot time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.consumed[key]
	return ok && !slot.After(last)
}

// NextFire returns the next fire time of key, if any.
func (s *Service) NextFire(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Status returns the schedule status of key; unknown keys have no registry.
func (s *Service) Status(key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return StatusNoRegistry
	}
	return e.Status
}

// Entries returns a copy of all entries ordered by key.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot is a diagnostics view of the scheduler.
type Snapshot struct {
	Methods      int
	Scheduled    int
	LastRecalcAt time.Time
	Entries      []Entry
}

func (s *Service) Snapshot() Snapshot {
	entries := s.Entries()
	snap := Snapshot{Methods: len(entries), Entries: entries}
	for _, e := range entries {
		if e.Status == StatusScheduled {
			snap.Scheduled++
		}
	}
	s.mu.Lock()
	snap.LastRecalcAt = s.lastRecalcAt
	s.mu.Unlock()
	return snap
}

var _ Methods = (*registry.Registry)(nil)
