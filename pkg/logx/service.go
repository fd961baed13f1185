package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DefaultFile is used when the file sink is enabled without a path.
const DefaultFile = "./logs/servidor.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the active sinks. Loggers derived from it pick up every Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	path string

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service and applies cfg. A file sink that cannot be opened
// is reported on the returned logger and console output is used instead.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable", Err(err))
	}
	return s, log
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopRoot
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks. The file is reopened only when its path
// changes. On error the previous file sink is dropped and the console is kept.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		ferr    error
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFile
		}
		if f, err := s.openLocked(path); err != nil {
			ferr = err
		} else {
			writers = append(writers, zerolog.SyncWriter(f))
		}
	} else {
		s.closeLocked()
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return ferr
}

func (s *Service) openLocked(path string) (*os.File, error) {
	if s.file != nil && s.path == path {
		return s.file, nil
	}
	s.closeLocked()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	s.file, s.path = f, path
	return f, nil
}

func (s *Service) closeLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.path = nil, ""
}

// Close releases the file sink; later events go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	zl := zerolog.New(consoleWriter(os.Stdout)).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&zl)
	err := s.file.Close()
	s.file, s.path = nil, ""
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Throttled collapses a repeating warning to one line per interval. The first
// call always logs.
type Throttled struct {
	log Logger
	st  rate.Sometimes
}

func NewThrottled(log Logger, every time.Duration) *Throttled {
	if every <= 0 {
		every = 30 * time.Second
	}
	return &Throttled{log: log, st: rate.Sometimes{First: 1, Interval: every}}
}

func (t *Throttled) Warn(msg string, fields ...Field) {
	if t == nil {
		return
	}
	t.st.Do(func() { t.log.Warn(msg, fields...) })
}
