package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "csv" (alias "file"): metadata and history read from CSV snapshots,
//     own runs appended to a CSV journal at Path
//   - "sqlite": SQLite database file at Path (tables methods and runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CSV snapshots written by the external synchronizer (csv driver only).
	MetadataFile string
	HistoryFile  string

	// Location interprets history timestamps that carry no zone.
	Location *time.Location
}

// RunRecord is one finished run as written back to storage.
type RunRecord struct {
	Method   string
	Key      string
	At       time.Time
	Finished time.Time
	Status   string
	ExitCode int
	Origin   string
	User     string
	LogPath  string
	Killed   bool
}
