package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"servidor/internal/method"
	logx "servidor/pkg/logx"
)

// Environment variables exported to every run.
const (
	EnvOrigin      = "SERVIDOR_ORIGEM"
	EnvObservation = "SERVIDOR_OBSERVACAO"
	EnvUser        = "SERVIDOR_USUARIO"
	EnvLog         = "SERVIDOR_LOG"
	EnvJobID       = "SERVIDOR_JOB_ID"
)

// DefaultInterpreters returns the per-extension launchers for this platform.
func DefaultInterpreters() map[string][]string {
	if runtime.GOOS == "windows" {
		return map[string][]string{
			".py":  {"python", "-u"},
			".pyw": {"pythonw"},
			".ps1": {"powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File"},
			".bat": {"cmd", "/c"},
			".cmd": {"cmd", "/c"},
		}
	}
	return map[string][]string{
		".py": {"python3", "-u"},
		".sh": {"/bin/sh"},
	}
}

// ParseInterpreters splits shell-quoted launcher strings, e.g.
// {".py": "python -u"}. Keys are lower-cased.
func ParseInterpreters(raw map[string]string) (map[string][]string, error) {
	out := DefaultInterpreters()
	for ext, cmd := range raw {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			return nil, errors.Newf("interpreter extension %q must start with '.'", ext)
		}
		argv, err := shellquote.Split(cmd)
		if err != nil {
			return nil, errors.Wrapf(err, "interpreter for %s", ext)
		}
		if len(argv) == 0 {
			delete(out, ext)
			continue
		}
		out[ext] = argv
	}
	return out, nil
}

func (s *Service) commandFor(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "executable")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if launcher, ok := s.cfg.Interpreters[ext]; ok && len(launcher) > 0 {
		argv := append([]string(nil), launcher...)
		return append(argv, path), nil
	}
	return []string{path}, nil
}

func (s *Service) environ(job Job, logPath string) []string {
	env := append(os.Environ(), s.cfg.Env...)
	if dir, err := filepath.Abs(filepath.Dir(job.Path)); err == nil {
		env = append(env, "PWD="+dir)
	}
	return append(env,
		EnvOrigin+"="+string(job.Context.Origin),
		EnvObservation+"="+envValue(job.Context.Observation),
		EnvUser+"="+envValue(job.Context.User),
		EnvLog+"="+logPath,
		EnvJobID+"="+job.ID.String(),
	)
}

// envValue drops NUL bytes, which exec rejects in environment strings.
func envValue(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openRunLog creates <logs>/<key>_<YYYYmmdd_HHMMSS>_<seq>.log. When the file
// cannot be created the run still goes ahead with its output discarded.
func (s *Service) openRunLog(key string, at time.Time) (string, io.WriteCloser) {
	if err := os.MkdirAll(s.cfg.LogsDir, 0o755); err != nil {
		s.log.Warn("logs dir unavailable; output discarded", logx.String("dir", s.cfg.LogsDir), logx.Err(err))
		return "", nopCloser{io.Discard}
	}
	seq := atomic.AddUint64(&s.logSeq, 1)
	name := fmt.Sprintf("%s_%s_%d.log", safeKey(key), at.Format("20060102_150405"), seq)
	path := filepath.Join(s.cfg.LogsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Warn("run log unavailable; output discarded", logx.String("path", path), logx.Err(err))
		return "", nopCloser{io.Discard}
	}
	return path, f
}

func safeKey(key string) string {
	if k := method.Normalize(key); k != "" {
		return k
	}
	return "job"
}
