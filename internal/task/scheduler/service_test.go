package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servidor/internal/method"
	"servidor/internal/registry"
	"servidor/internal/task/engine"
	logx "servidor/pkg/logx"
)

type staticMethods registry.Mapping

func (m staticMethods) Snapshot() registry.Mapping { return registry.Mapping(m) }

type submission struct {
	Key    string
	Origin engine.Origin
	When   time.Time
}

type fakePool struct {
	mu     sync.Mutex
	got    []submission
	reject map[string]bool
}

func (p *fakePool) SubmitAt(key, _ string, jc engine.JobContext, when time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[key] {
		return false
	}
	p.got = append(p.got, submission{Key: key, Origin: jc.Origin, When: when})
	return true
}

func (p *fakePool) take() []submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.got
	p.got = nil
	return out
}

type fakeHistory struct {
	mu    sync.Mutex
	runs  map[string]time.Time
	err   error
	calls int
}

func (h *fakeHistory) LastRuns(context.Context) (map[string]time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.runs, h.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newScheduler(t *testing.T, methods registry.Mapping, catchUp bool, hist History, start time.Time) (*Service, *fakePool, *clock) {
	t.Helper()
	pool := &fakePool{}
	clk := &clock{now: start}
	s := New(Config{
		Tick:           time.Second,
		RecalcInterval: time.Minute,
		Location:       brt,
		CatchUp:        catchUp,
	}, staticMethods(methods), pool, hist, logx.Nop(), WithClock(clk.Now))
	s.Recalculate()
	return s, pool, clk
}

func TestDispatchDueInOrder(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{
		"b": info("b", "08:00", "todos"),
		"a": info("a", "08:00", "todos"),
		"c": info("c", "07:59", "todos"),
	}
	s, pool, clk := newScheduler(t, methods, false, nil, at(12, 7, 58))
	ctx := context.Background()

	s.tick(ctx)
	assert.Empty(t, pool.take())

	clk.Set(at(12, 8, 0))
	s.tick(ctx)
	got := pool.take()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].Key, got[1].Key, got[2].Key})
	for _, sub := range got {
		assert.Equal(t, engine.OriginScheduled, sub.Origin)
	}
	assert.True(t, at(12, 8, 0).Equal(got[1].When))

	// Each entry moved past the tick; nothing fires twice.
	clk.Set(at(12, 8, 0).Add(time.Second))
	s.tick(ctx)
	assert.Empty(t, pool.take())

	next, ok := s.NextFire("a")
	require.True(t, ok)
	assert.True(t, at(13, 8, 0).Equal(next))
	assert.Equal(t, StatusNoSlotToday, s.Status("a"))
}

func TestDispatchRejectedStillAdvances(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"ocupado": info("ocupado", "08:00, 09:00", "todos")}
	s, pool, clk := newScheduler(t, methods, false, nil, at(12, 7, 0))
	pool.reject = map[string]bool{"ocupado": true}

	clk.Set(at(12, 8, 0))
	s.tick(context.Background())

	next, ok := s.NextFire("ocupado")
	require.True(t, ok)
	assert.True(t, at(12, 9, 0).Equal(next))
	assert.Equal(t, StatusScheduled, s.Status("ocupado"))
}

func TestRecalcKeepsDueSlot(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"abertura": info("abertura", "08:00", "todos")}
	s, pool, clk := newScheduler(t, methods, false, nil, at(12, 7, 58))
	ctx := context.Background()

	clk.Set(at(12, 8, 0).Add(-400 * time.Millisecond))
	s.tick(ctx)
	assert.Empty(t, pool.take())

	// A recalculation landing between the slot and the next tick must not
	// push the entry past 08:00.
	clk.Set(at(12, 8, 0).Add(300 * time.Millisecond))
	s.Recalculate()
	next, ok := s.NextFire("abertura")
	require.True(t, ok)
	assert.True(t, at(12, 8, 0).Equal(next))

	clk.Set(at(12, 8, 0).Add(600 * time.Millisecond))
	s.tick(ctx)
	got := pool.take()
	require.Len(t, got, 1)
	assert.True(t, at(12, 8, 0).Equal(got[0].When))

	clk.Set(at(12, 8, 0).Add(1600 * time.Millisecond))
	s.tick(ctx)
	assert.Empty(t, pool.take())
}

func TestStaleRecalcDoesNotRewindDispatchedSlot(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"abertura": info("abertura", "08:00, 09:00", "todos")}
	s, pool, clk := newScheduler(t, methods, false, nil, at(12, 7, 58))
	ctx := context.Background()

	clk.Set(at(12, 8, 0))
	s.tick(ctx)
	require.Len(t, pool.take(), 1)

	// A recalculation computed from a reference before the dispatch merges
	// after it.
	s.recalcAt(at(12, 7, 59))
	next, ok := s.NextFire("abertura")
	require.True(t, ok)
	assert.True(t, at(12, 9, 0).Equal(next))

	clk.Set(at(12, 8, 0).Add(time.Second))
	s.tick(ctx)
	assert.Empty(t, pool.take())
}

func TestCatchUpAndDispatchShareSlot(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"abertura": info("abertura", "08:00", "todos")}
	hist := &fakeHistory{runs: map[string]time.Time{}}
	s, pool, clk := newScheduler(t, methods, true, hist, at(12, 7, 59))
	ctx := context.Background()

	// First tick of the day lands just after the slot: catch-up sees it as
	// missed and the dispatcher sees it as due.
	clk.Set(at(12, 8, 0).Add(500 * time.Millisecond))
	s.tick(ctx)
	got := pool.take()
	require.Len(t, got, 1)
	assert.Equal(t, engine.OriginCatchUp, got[0].Origin)

	clk.Set(at(12, 8, 0).Add(1500 * time.Millisecond))
	s.tick(ctx)
	assert.Empty(t, pool.take())
}

func TestCatchUpOncePerDay(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"fechamento": info("fechamento", "08:00, 10:00", "todos")}
	hist := &fakeHistory{runs: map[string]time.Time{}}
	s, pool, clk := newScheduler(t, methods, true, hist, at(12, 11, 0))
	ctx := context.Background()

	s.tick(ctx)
	got := pool.take()
	require.Len(t, got, 2)
	assert.Equal(t, engine.OriginCatchUp, got[0].Origin)
	assert.True(t, at(12, 8, 0).Equal(got[0].When))
	assert.True(t, at(12, 10, 0).Equal(got[1].When))

	clk.Set(at(12, 11, 5))
	s.tick(ctx)
	assert.Empty(t, pool.take())
	assert.Equal(t, 1, hist.calls)

	// A new day gets its own catch-up pass.
	clk.Set(at(13, 11, 0))
	s.tick(ctx)
	assert.Len(t, pool.take(), 2)
	assert.Equal(t, 2, hist.calls)
}

func TestCatchUpRetriesWhenHistoryFails(t *testing.T) {
	t.Parallel()

	methods := registry.Mapping{"fechamento": info("fechamento", "08:00", "todos")}
	hist := &fakeHistory{err: errors.New("planilha bloqueada")}
	s, pool, clk := newScheduler(t, methods, true, hist, at(12, 9, 0))
	ctx := context.Background()

	s.tick(ctx)
	assert.Empty(t, pool.take())

	clk.Set(at(12, 9, 0).Add(30 * time.Second))
	s.tick(ctx)
	assert.Equal(t, 1, hist.calls, "retry waits for the recalculation interval")

	hist.mu.Lock()
	hist.err = nil
	hist.mu.Unlock()
	clk.Set(at(12, 9, 1))
	s.tick(ctx)
	got := pool.take()
	require.Len(t, got, 1)
	assert.Equal(t, engine.OriginCatchUp, got[0].Origin)
	assert.Equal(t, 2, hist.calls)
}

func TestEntryStatuses(t *testing.T) {
	t.Parallel()

	inactive := info("inativo", "08:00", "todos")
	inactive.Status = method.Inactive
	methods := registry.Mapping{
		"inativo":  inactive,
		"demanda":  info("demanda", "sob demanda", ""),
		"hoje":     info("hoje", "18:00", "segunda"),
		"amanha":   info("amanha", "18:00", "terca"),
		"passou":   info("passou", "06:00", "segunda"),
		"isolated": {Key: "isolated", Status: method.Isolated, Recurrence: "08:00", Weekdays: "todos"},
	}
	s, _, _ := newScheduler(t, methods, false, nil, at(12, 9, 0))

	assert.Equal(t, StatusInactive, s.Status("inativo"))
	assert.Equal(t, StatusInactive, s.Status("isolated"))
	assert.Equal(t, StatusNoSchedule, s.Status("demanda"))
	assert.Equal(t, StatusScheduled, s.Status("hoje"))
	assert.Equal(t, StatusNoSlotToday, s.Status("amanha"))
	assert.Equal(t, StatusNoSlotToday, s.Status("passou"))
	assert.Equal(t, StatusNoRegistry, s.Status("desconhecido"))
	assert.Equal(t, "SEM HORARIO HOJE", s.Status("passou").Label())

	_, ok := s.NextFire("demanda")
	assert.False(t, ok)
	next, ok := s.NextFire("passou")
	require.True(t, ok)
	assert.True(t, at(19, 6, 0).Equal(next))

	entries := s.Entries()
	require.Len(t, entries, len(methods))
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Key, entries[i].Key)
	}

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Scheduled)
	assert.True(t, at(12, 9, 0).Equal(snap.LastRecalcAt))
}

func TestRegistryChangeTriggersRecalc(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	pool := &fakePool{}
	s := New(Config{Tick: 10 * time.Millisecond, RecalcInterval: time.Hour, Location: brt},
		reg, pool, nil, logx.Nop(), WithChanges(reg.Changes()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = s.Stop(stopCtx)
	})

	assert.Empty(t, s.Entries())
	reg.Replace(registry.Mapping{"novo": info("novo", "sob demanda", "")})
	require.Eventually(t, func() bool {
		return s.Status("novo") == StatusNoSchedule
	}, 5*time.Second, 10*time.Millisecond)
}
