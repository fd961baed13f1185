package engine

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"servidor/internal/proc"
	logx "servidor/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) error {
	for {
		job, h, ok := s.next(ctx)
		if !ok {
			return nil
		}
		s.run(job, h, idx)
	}
}

// next blocks until a job is available and claims it: the key moves from the
// pending set to the handle map under the same lock.
func (s *Service) next(ctx context.Context) (Job, *Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.stopped || ctx.Err() != nil {
		return Job{}, nil, false
	}
	job := s.queue[0]
	s.queue[0] = Job{}
	s.queue = s.queue[1:]
	delete(s.pending, job.Key)

	h := &Handle{
		Key:     job.Key,
		JobID:   job.ID,
		Started: s.now(),
		Context: job.Context,
		When:    job.When,
	}
	s.handles[job.Key] = h
	delete(s.killed, job.Key)
	return job, h, true
}

func (s *Service) run(job Job, h *Handle, idx int) {
	res := Result{
		JobID:   job.ID,
		Key:     job.Key,
		Path:    job.Path,
		Context: job.Context,
		When:    job.When,
		Started: h.Started,
		Queued:  h.Started.Sub(job.EnqueuedAt),
	}

	func() {
		// One bad run never takes a worker down with it.
		defer func() {
			if r := recover(); r != nil {
				res.ExitCode = -1
				res.Err = errors.Newf("panic: %v", r).Error()
				s.log.Error("job panicked", logx.Method(job.Key), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			}
		}()
		s.execute(job, h, &res, idx)
	}()

	res.Finished = s.now()
	res.Status = Classify(res.ExitCode)

	s.mu.Lock()
	res.Killed = s.killed[job.Key]
	s.mu.Unlock()

	fields := []logx.Field{
		logx.Method(job.Key),
		logx.String("job", job.ID.String()),
		logx.String("origin", string(job.Context.Origin)),
		logx.String("status", res.Status.Label()),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("dur", res.Duration()),
		logx.String("log", res.LogPath),
		logx.Bool("killed", res.Killed),
	}
	if res.Status == StatusFailure {
		s.log.Warn("job finished", append(fields, logx.String("err", res.Err))...)
	} else {
		s.log.Info("job finished", fields...)
	}

	s.record(res)
	s.fireFinish(res)
	s.publish(EventFinished, JobEvent{
		JobID:    job.ID.String(),
		Key:      job.Key,
		Origin:   job.Context.Origin,
		User:     job.Context.User,
		Status:   res.Status.String(),
		ExitCode: res.ExitCode,
		Duration: res.Duration(),
	})

	s.mu.Lock()
	delete(s.handles, job.Key)
	delete(s.killed, job.Key)
	s.stats.Finished++
	if res.Status == StatusFailure {
		s.stats.Failed++
	}
	if res.Killed {
		s.stats.Killed++
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// execute spawns the subprocess, streams its output into the run log and
// waits for it. Spawn problems are reported as exit code -1.
func (s *Service) execute(job Job, h *Handle, res *Result, idx int) {
	res.ExitCode = -1

	logPath, out := s.openRunLog(job.Key, h.Started)
	defer out.Close()
	res.LogPath = logPath

	s.mu.Lock()
	h.LogPath = logPath
	s.mu.Unlock()

	argv, err := s.commandFor(job.Path)
	if err != nil {
		res.Err = err.Error()
		writeLine(out, "spawn failed: "+res.Err)
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(job.Path)
	cmd.Env = s.environ(job, logPath)
	proc.Prepare(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		res.Err = errors.Wrap(err, "output pipe").Error()
		writeLine(out, "spawn failed: "+res.Err)
		return
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		res.Err = errors.Wrapf(err, "start %s", job.Path).Error()
		writeLine(out, "spawn failed: "+res.Err)
		return
	}
	// The child owns the write end now; keeping ours open would hide EOF.
	_ = pw.Close()

	pid := cmd.Process.Pid
	s.mu.Lock()
	h.PID = pid
	snapshot := *h
	s.mu.Unlock()

	s.log.Info("job started",
		logx.Method(job.Key),
		logx.String("job", job.ID.String()),
		logx.Int("pid", pid),
		logx.Int("worker", idx),
		logx.String("log", logPath),
	)
	s.fireStart(snapshot)
	s.publish(EventStarted, JobEvent{JobID: job.ID.String(), Key: job.Key, Origin: job.Context.Origin, User: job.Context.User, PID: pid})

	var lines atomic.Int64
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		streamLines(pr, out, &lines)
	}()

	waitErr := cmd.Wait()

	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		// A detached grandchild still holds the pipe; stop reading.
		s.log.Debug("output drain timed out", logx.Method(job.Key), logx.Int64("lines", lines.Load()))
		_ = pr.Close()
		<-drained
	}
	_ = pr.Close()

	res.ExitCode = exitCode(waitErr)
	if waitErr != nil && res.ExitCode != ExitNoData {
		res.Err = waitErr.Error()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// streamLines copies r into w line by line, so the run log is readable while
// the process is still running.
func streamLines(r io.Reader, w io.Writer, n *atomic.Int64) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			_, _ = w.Write(line)
			n.Add(1)
		}
		if err != nil {
			return
		}
	}
}

func writeLine(w io.Writer, s string) {
	_, _ = io.WriteString(w, s+"\n")
}
