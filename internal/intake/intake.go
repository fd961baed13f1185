// Package intake turns files dropped into a directory into method requests.
//
// A request file is named "<method>.<user>" or "<method>_<user>" (the user
// part is optional) and its text content is the observation attached to the
// job. Every file is consumed exactly once: it is removed after processing
// whichever way processing went.
package intake

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/charmap"

	"servidor/internal/eventbus"
	"servidor/internal/method"
	"servidor/internal/task/engine"
	logx "servidor/pkg/logx"
)

const (
	EventAccepted  = "intake.accepted"
	EventDiscarded = "intake.discarded"
)

// maxObservation bounds how much of a request file is read.
const maxObservation = 64 * 1024

// Resolver maps a free-form method token to a registered method.
type Resolver interface {
	Lookup(token string) (method.Info, bool)
}

// Authorizer decides whether user may request key; user is "*" when the
// file names nobody.
type Authorizer interface {
	Allowed(key, user string) bool
}

type Submitter interface {
	Submit(key, path string, jc engine.JobContext) bool
}

type Config struct {
	Dir          string
	PollInterval time.Duration
}

// Outcome of one request file.
type Outcome string

const (
	Accepted    Outcome = "accepted"
	Busy        Outcome = "busy"
	Ignored     Outcome = "ignored"
	Malformed   Outcome = "malformed"
	NoMatch     Outcome = "no-match"
	NotRunnable Outcome = "not-runnable"
	Denied      Outcome = "denied"
	Unreadable  Outcome = "unreadable"
)

// Request is the decoded form of one file; Event payloads carry it.
type Request struct {
	File        string
	Token       string
	User        string
	Key         string
	Observation string
	Outcome     Outcome
}

// Report summarizes one poll.
type Report struct {
	Seen     int
	Accepted int
	Outcomes map[Outcome]int
	// RemoveFailed counts files that could not be deleted and were tombstoned.
	RemoveFailed int
}

type identity struct {
	path  string
	size  int64
	mtime time.Time
}

type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	res   Resolver
	auth  Authorizer
	pool  Submitter
	warn  *logx.Throttled
	mu    sync.Mutex
	tombs map[identity]struct{}
}

func New(cfg Config, res Resolver, auth Authorizer, pool Submitter, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log = log.With(logx.Comp("intake"))
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		res:   res,
		auth:  auth,
		pool:  pool,
		warn:  logx.NewThrottled(log, time.Minute),
		tombs: map[identity]struct{}{},
	}
}

// Run polls until ctx is done. A failed poll is logged and retried on the
// next tick.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		s.log.Warn("intake dir unavailable", logx.String("dir", s.cfg.Dir), logx.Err(err))
	}
	s.log.Info("intake started", logx.String("dir", s.cfg.Dir), logx.Duration("poll", s.cfg.PollInterval))

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := s.Poll(ctx); err != nil {
			s.warn.Warn("intake poll failed", logx.String("dir", s.cfg.Dir), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

type candidate struct {
	path string
	name string
	id   identity
}

// Poll processes every file currently in the directory, oldest first.
func (s *Service) Poll(ctx context.Context) (Report, error) {
	rep := Report{Outcomes: map[Outcome]int{}}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return rep, errors.Wrapf(err, "read intake dir %s", s.cfg.Dir)
	}

	present := make(map[identity]struct{}, len(entries))
	files := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Vanished between listing and stat.
			continue
		}
		c := candidate{
			path: filepath.Join(s.cfg.Dir, e.Name()),
			name: e.Name(),
			id:   identity{path: e.Name(), size: fi.Size(), mtime: fi.ModTime()},
		}
		present[c.id] = struct{}{}
		files = append(files, c)
	}
	s.pruneTombstones(present)

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].id.mtime.Equal(files[j].id.mtime) {
			return files[i].id.mtime.Before(files[j].id.mtime)
		}
		return files[i].name < files[j].name
	})

	for _, c := range files {
		if ctx.Err() != nil {
			break
		}
		if s.tombstoned(c.id) {
			continue
		}
		rep.Seen++
		req := s.process(c)
		rep.Outcomes[req.Outcome]++
		if req.Outcome == Accepted {
			rep.Accepted++
		}
		if !s.remove(c) {
			rep.RemoveFailed++
		}
	}
	return rep, nil
}

func (s *Service) process(c candidate) (req Request) {
	req = Request{File: c.name}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("request processing panicked", logx.String("file", c.name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			req.Outcome = Unreadable
		}
		s.report(req)
	}()

	if isMarker(c.name) || c.id.size == 0 {
		req.Outcome = Ignored
		return req
	}

	req.Token, req.User = ParseName(c.name)
	if req.Token == "" {
		req.Outcome = Malformed
		return req
	}

	info, ok := s.res.Lookup(req.Token)
	if !ok {
		req.Outcome = NoMatch
		return req
	}
	req.Key = info.Key
	if !info.Runnable() {
		req.Outcome = NotRunnable
		return req
	}

	who := req.User
	if who == "" {
		who = "*"
	}
	if s.auth != nil && !s.auth.Allowed(info.Key, who) {
		req.Outcome = Denied
		return req
	}

	obs, err := readObservation(c.path)
	if err != nil {
		s.log.Warn("request unreadable", logx.String("file", c.name), logx.Err(err))
		req.Outcome = Unreadable
		return req
	}
	req.Observation = obs

	jc := engine.JobContext{Origin: engine.OriginRequested, User: req.User, Observation: obs}
	if s.pool.Submit(info.Key, info.Path, jc) {
		req.Outcome = Accepted
	} else {
		req.Outcome = Busy
	}
	return req
}

func (s *Service) report(req Request) {
	fields := []logx.Field{
		logx.String("file", req.File),
		logx.String("outcome", string(req.Outcome)),
		logx.Method(req.Key),
		logx.String("user", req.User),
	}
	typ := EventDiscarded
	switch req.Outcome {
	case Accepted:
		typ = EventAccepted
		s.log.Info("request accepted", fields...)
	case Ignored:
		s.log.Debug("request discarded", fields...)
	default:
		s.log.Warn("request discarded", append(fields, logx.String("token", req.Token))...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: req})
	}
}

// remove deletes the file; when that fails its identity is remembered so the
// same file is never processed again.
func (s *Service) remove(c candidate) bool {
	err := os.Remove(c.path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return true
	}
	s.mu.Lock()
	s.tombs[c.id] = struct{}{}
	s.mu.Unlock()
	s.warn.Warn("request file not removed; tombstoned", logx.String("file", c.name), logx.Err(err))
	return false
}

func (s *Service) tombstoned(id identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tombs[id]
	return ok
}

// pruneTombstones forgets files that are gone or changed.
func (s *Service) pruneTombstones(present map[identity]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tombs {
		if _, ok := present[id]; !ok {
			delete(s.tombs, id)
		}
	}
}

func isMarker(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") || strings.HasPrefix(name, "$")
}

// ParseName splits a request file name into a method token and an optional
// user. The last "." separates them; without one, the first "_" does.
func ParseName(name string) (token, user string) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		token, user = name[:i], name[i+1:]
	} else if i := strings.Index(name, "_"); i >= 0 {
		token, user = name[:i], name[i+1:]
	} else {
		token = name
	}
	return strings.TrimSpace(token), strings.TrimSpace(user)
}

// readObservation returns the trimmed file text. Content that is not valid
// UTF-8 is read as Windows-1252, which is what desktop editors here produce.
func readObservation(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open request")
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, maxObservation))
	if err != nil {
		return "", errors.Wrap(err, "read request")
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		if dec, err := charmap.Windows1252.NewDecoder().Bytes(b); err == nil {
			b = dec
		}
	}
	b = bytes.ReplaceAll(b, []byte{0}, nil)
	return strings.TrimSpace(string(b)), nil
}
