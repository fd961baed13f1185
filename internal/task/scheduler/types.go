package scheduler

import (
	"context"
	"time"

	"servidor/internal/registry"
	"servidor/internal/task/engine"
)

// Status is the per-method schedule state.
type Status int

const (
	StatusNoRegistry Status = iota
	StatusInactive
	StatusNoSchedule
	StatusScheduled
	StatusNoSlotToday
)

func (s Status) String() string {
	switch s {
	case StatusNoRegistry:
		return "no-registry"
	case StatusInactive:
		return "inactive"
	case StatusNoSchedule:
		return "no-schedule"
	case StatusScheduled:
		return "scheduled"
	case StatusNoSlotToday:
		return "no-slot-today"
	default:
		return "unknown"
	}
}

// Label is the operator-facing status text.
func (s Status) Label() string {
	switch s {
	case StatusNoRegistry:
		return "SEM REGISTRO"
	case StatusInactive:
		return "INATIVO"
	case StatusNoSchedule:
		return "SEM AGENDAMENTO"
	case StatusScheduled:
		return "AGENDADO"
	case StatusNoSlotToday:
		return "SEM HORARIO HOJE"
	default:
		return "?"
	}
}

// Entry is the derived schedule state of one method. Next is zero when the
// method has no upcoming slot.
type Entry struct {
	Key    string
	Name   string
	Path   string
	Status Status
	Next   time.Time
	Slots  []string
	Days   []int
}

// schedulable is true for entries with a recurrence, whether or not a slot
// remains today.
func (e Entry) schedulable() bool {
	return e.Status == StatusScheduled || e.Status == StatusNoSlotToday
}

type Config struct {
	Tick           time.Duration
	RecalcInterval time.Duration
	Location       *time.Location
	// CatchUp enables the once-a-day replay of missed slots.
	CatchUp bool
}

// Methods provides the current registry mapping.
type Methods interface {
	Snapshot() registry.Mapping
}

// Submitter accepts jobs; false means the method is already queued or running.
type Submitter interface {
	SubmitAt(key, path string, jc engine.JobContext, when time.Time) bool
}

// History returns the latest run time per method key.
type History interface {
	LastRuns(ctx context.Context) (map[string]time.Time, error)
}

// Miss is a slot that elapsed today without a run at or after it.
type Miss struct {
	Key  string
	Path string
	Slot time.Time
}
