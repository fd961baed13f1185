package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"servidor/internal/eventbus"
	"servidor/internal/proc"
	logx "servidor/pkg/logx"

	rtsup "servidor/internal/runtime/supervisor"
)

// Service is a fixed-size pool of workers running one method subprocess each.
//
// The queue, the pending set and the handle map share one mutex, so the
// single-flight check and the enqueue are atomic: a key is either queued,
// running, or absent.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	pending map[string]struct{}
	handles map[string]*Handle
	killed  map[string]bool
	changed chan struct{}
	stopped bool
	started bool
	sup     *rtsup.Supervisor

	stats Stats

	hookMu   sync.RWMutex
	onStart  []func(Handle)
	onFinish []func(Result)

	hmu     sync.Mutex
	history []Result

	logSeq uint64
	now    func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if strings.TrimSpace(cfg.LogsDir) == "" {
		cfg.LogsDir = "./logs"
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.Comp("pool")),
		bus:     bus,
		pending: map[string]struct{}{},
		handles: map[string]*Handle{},
		killed:  map[string]bool{},
		changed: make(chan struct{}),
		now:     time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	s.stats.Workers = cfg.Workers
	return s
}

// OnJobStart registers fn to run after a subprocess has spawned.
func (s *Service) OnJobStart(fn func(Handle)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onStart = append(s.onStart, fn)
	s.hookMu.Unlock()
}

// OnJobFinish registers fn to run once per job with its terminal result.
func (s *Service) OnJobFinish(fn func(Result)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onFinish = append(s.onFinish, fn)
	s.hookMu.Unlock()
}

// Start launches the workers. It is a no-op after the first call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return s.worker(c, idx)
		})
	}
	// Cond waiters cannot select on ctx; wake them when it ends.
	sup.Go0("pool.cancel", func(c context.Context) {
		<-c.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})

	s.log.Info("execution pool started",
		logx.Int("workers", s.cfg.Workers),
		logx.String("logs_dir", s.cfg.LogsDir),
	)
}

// Stop stops dequeuing, drops queued jobs and waits (bounded by ctx) for the
// workers to finish their current subprocess. Running subprocesses are not
// killed.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := s.queue
	s.queue = nil
	for _, j := range dropped {
		delete(s.pending, j.Key)
	}
	sup := s.sup
	s.cond.Broadcast()
	s.notifyLocked()
	s.mu.Unlock()

	for _, j := range dropped {
		s.log.Warn("queued job dropped at shutdown", logx.Method(j.Key), logx.String("job", j.ID.String()), logx.String("origin", string(j.Context.Origin)))
		s.publish(EventDropped, JobEvent{JobID: j.ID.String(), Key: j.Key, Origin: j.Context.Origin, Reason: "shutdown"})
	}

	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("execution pool stop timed out", logx.Err(err), logx.Int("running", len(s.SnapshotRunning())))
		return err
	}
	s.log.Info("execution pool stopped")
	return nil
}

// Submit queues key for execution. It returns false, with no side effect,
// when key is already queued or running or the pool is stopped.
func (s *Service) Submit(key, path string, jc JobContext) bool {
	return s.SubmitAt(key, path, jc, time.Time{})
}

// SubmitAt is Submit with the slot time the job stands for.
func (s *Service) SubmitAt(key, path string, jc JobContext, when time.Time) bool {
	key = strings.TrimSpace(key)
	reason := ""
	switch {
	case key == "":
		reason = ErrEmptyKey.Error()
	case strings.TrimSpace(path) == "":
		reason = ErrNoPath.Error()
	}
	if jc.Origin == "" {
		jc.Origin = OriginManual
	}

	job := Job{
		ID:         uuid.New(),
		Key:        key,
		Path:       path,
		Context:    jc,
		EnqueuedAt: s.now(),
		When:       when,
	}

	s.mu.Lock()
	if reason == "" {
		switch {
		case s.stopped:
			reason = ErrStopped.Error()
		case s.busyLocked(key):
			reason = "already queued or running"
		}
	}
	if reason != "" {
		s.stats.Rejected++
		s.mu.Unlock()
		s.log.Debug("job rejected", logx.Method(key), logx.String("origin", string(jc.Origin)), logx.String("reason", reason))
		s.publish(EventRejected, JobEvent{JobID: job.ID.String(), Key: key, Origin: jc.Origin, User: jc.User, Reason: reason})
		return false
	}
	s.queue = append(s.queue, job)
	s.pending[key] = struct{}{}
	s.stats.Accepted++
	depth := len(s.queue)
	s.cond.Signal()
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Info("job queued",
		logx.Method(key),
		logx.String("job", job.ID.String()),
		logx.String("origin", string(jc.Origin)),
		logx.String("user", jc.User),
		logx.Int("queue", depth),
	)
	s.publish(EventQueued, JobEvent{JobID: job.ID.String(), Key: key, Origin: jc.Origin, User: jc.User})
	return true
}

func (s *Service) busyLocked(key string) bool {
	if _, ok := s.pending[key]; ok {
		return true
	}
	_, ok := s.handles[key]
	return ok
}

// Busy reports whether key is queued or running.
func (s *Service) Busy(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked(key)
}

// Queued reports whether key is waiting for a worker.
func (s *Service) Queued(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// SnapshotRunning returns a copy of the live handles.
func (s *Service) SnapshotRunning() map[string]Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Handle, len(s.handles))
	for k, h := range s.handles {
		out[k] = *h
	}
	return out
}

// QueuedJobs returns the queue in dispatch order.
func (s *Service) QueuedJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.queue...)
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = len(s.queue)
	st.Running = len(s.handles)
	return st
}

// History returns the most recent results, oldest first.
func (s *Service) History() []Result {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Result(nil), s.history...)
}

// Terminate stops the subprocess tree running key. It returns false when key
// has no live handle, has not spawned yet, or the stop signal could not be
// delivered. The worker clears the handle when the process exits.
func (s *Service) Terminate(ctx context.Context, key string) bool {
	s.mu.Lock()
	h, ok := s.handles[key]
	pid := 0
	if ok {
		pid = h.PID
	}
	if ok && pid > 0 {
		s.killed[key] = true
	}
	s.mu.Unlock()

	if !ok {
		s.log.Info("terminate ignored", logx.Method(key), logx.Err(ErrNoHandle))
		return false
	}
	if pid <= 0 {
		s.log.Info("terminate ignored", logx.Method(key), logx.Err(ErrNoPID))
		return false
	}

	s.log.Warn("terminating method", logx.Method(key), logx.Int("pid", pid))
	delivered, err := proc.TerminateTree(ctx, pid, s.cfg.KillTimeout, s.log.With(logx.Method(key)))
	if err != nil {
		s.log.Warn("terminate failed", logx.Method(key), logx.Int("pid", pid), logx.Err(err))
	}
	if !delivered {
		s.mu.Lock()
		if cur, ok := s.handles[key]; ok && cur.PID == pid {
			delete(s.killed, key)
		}
		s.mu.Unlock()
	}
	return delivered
}

// WaitIdle blocks until nothing is queued or running, or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && len(s.handles) == 0
		ch := s.changed
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// notifyLocked wakes WaitIdle callers. Callers hold s.mu.
func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) record(r Result) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) fireStart(h Handle) {
	s.hookMu.RLock()
	hooks := append(([]func(Handle))(nil), s.onStart...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		s.safeHook("start", h.Key, func() { fn(h) })
	}
}

func (s *Service) fireFinish(r Result) {
	s.hookMu.RLock()
	hooks := append(([]func(Result))(nil), s.onFinish...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		s.safeHook("finish", r.Key, func() { fn(r) })
	}
}

func (s *Service) safeHook(kind, key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job hook panicked",
				logx.String("hook", kind),
				logx.Method(key),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn()
}

// RunningKeys returns the keys with a live handle, sorted.
func (s *Service) RunningKeys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}
