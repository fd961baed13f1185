package engine

import (
	"time"

	"github.com/google/uuid"
)

// Config controls the execution pool.
type Config struct {
	// Workers is the number of subprocess slots (at most Workers methods run at once).
	Workers int

	// LogsDir receives one log file per run.
	LogsDir string

	// KillTimeout bounds the graceful phase of Terminate before survivors are force-killed.
	KillTimeout time.Duration

	// DrainTimeout bounds how long output is read after the root process exits.
	// Grandchildren that keep the pipe open are cut off after it.
	DrainTimeout time.Duration

	HistorySize int

	// Interpreters maps a file extension (".py") to the command prefix that runs it.
	// Extensions without an entry are executed directly.
	Interpreters map[string][]string

	// Env is appended to the parent environment of every run.
	Env []string
}

// Origin tells why a job was submitted.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginScheduled Origin = "scheduled"
	OriginCatchUp   Origin = "catch-up"
	OriginRequested Origin = "requested"
)

// JobContext travels with a job into the subprocess environment.
type JobContext struct {
	Origin      Origin
	User        string
	Observation string
}

type Job struct {
	ID         uuid.UUID
	Key        string
	Path       string
	Context    JobContext
	EnqueuedAt time.Time
	// When is the slot the job stands for (scheduled and catch-up runs).
	When time.Time
}

// Handle is the live state of a claimed job. PID is 0 until the process has spawned.
type Handle struct {
	Key     string
	JobID   uuid.UUID
	Started time.Time
	Context JobContext
	PID     int
	LogPath string
	When    time.Time
}

type Status int

const (
	StatusSuccess Status = iota
	StatusNoData
	StatusFailure
)

// Exit codes with a meaning beyond success/failure.
const (
	ExitSuccess = 0
	ExitNoData  = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoData:
		return "no-data"
	default:
		return "failure"
	}
}

// Label is the operator-facing status text.
func (s Status) Label() string {
	switch s {
	case StatusSuccess:
		return "SUCESSO"
	case StatusNoData:
		return "SEM DADOS"
	default:
		return "FALHA"
	}
}

// Live-state labels for methods that have no terminal status yet.
const (
	LabelRunning = "EXECUTANDO"
	LabelQueued  = "NA FILA"
)

// Classify maps a process exit code to a terminal status.
func Classify(exitCode int) Status {
	switch exitCode {
	case ExitSuccess:
		return StatusSuccess
	case ExitNoData:
		return StatusNoData
	default:
		return StatusFailure
	}
}

// Result is reported once per job after the subprocess is gone.
type Result struct {
	JobID    uuid.UUID
	Key      string
	Path     string
	Context  JobContext
	When     time.Time
	Queued   time.Duration
	Started  time.Time
	Finished time.Time
	Status   Status
	ExitCode int
	LogPath  string
	Killed   bool
	Err      string
}

func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	Key      string        `json:"key"`
	Origin   Origin        `json:"origin"`
	User     string        `json:"user,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Status   string        `json:"status,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Event types published by the pool.
const (
	EventQueued   = "job.queued"
	EventRejected = "job.rejected"
	EventStarted  = "job.started"
	EventFinished = "job.finished"
	EventDropped  = "job.dropped"
)

// Stats is a lightweight view for diagnostics.
type Stats struct {
	Workers  int
	Queued   int
	Running  int
	Accepted uint64
	Rejected uint64
	Finished uint64
	Failed   uint64
	Killed   uint64
}
