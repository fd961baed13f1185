// Package proc supervises subprocess trees: spawn preparation, descendant
// enumeration and graceful-then-forced termination.
package proc

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"

	logx "servidor/pkg/logx"
)

// Descendants returns every live descendant of pid, parents before children.
func Descendants(ctx context.Context, pid int) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}

	var out []int
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids := children[cur]
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
		for _, c := range kids {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, int(c))
			queue = append(queue, c)
		}
	}
	return out, nil
}

// Alive reports whether pid is a running (non-zombie) process.
func Alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, s := range st {
		if s == process.Zombie || s == "Z" {
			return false
		}
	}
	return true
}

// Terminate sends the graceful stop signal to pid.
func Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return errors.Wrapf(err, "process %d", pid)
	}
	return errors.Wrapf(p.TerminateWithContext(ctx), "terminate %d", pid)
}

// Kill force-stops pid.
func Kill(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return errors.Wrapf(err, "process %d", pid)
	}
	return errors.Wrapf(p.KillWithContext(ctx), "kill %d", pid)
}

// TerminateTree stops pid and all of its descendants: graceful signal to the
// descendants and then the root, a wait of up to timeout, then a forced kill
// of whatever survived.
//
// The returned bool reports whether the graceful signal reached the root.
func TerminateTree(ctx context.Context, pid int, timeout time.Duration, log logx.Logger) (bool, error) {
	if pid <= 0 {
		return false, errors.Newf("invalid pid %d", pid)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	tree, err := Descendants(ctx, pid)
	if err != nil {
		log.Warn("descendant enumeration failed; killing root only", logx.Int("pid", pid), logx.Err(err))
	}

	for _, c := range tree {
		if err := Terminate(ctx, c); err != nil {
			log.Debug("terminate descendant failed", logx.Int("pid", c), logx.Err(err))
		}
	}
	if err := Terminate(ctx, pid); err != nil {
		if !Alive(ctx, pid) {
			return false, nil
		}
		return false, err
	}
	signalGroup(pid, false)

	all := append([]int{pid}, tree...)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !anyAlive(ctx, all) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	signalGroup(pid, true)
	for _, p := range all {
		if Alive(ctx, p) {
			if err := Kill(context.WithoutCancel(ctx), p); err != nil {
				log.Warn("force kill failed", logx.Int("pid", p), logx.Err(err))
			} else {
				log.Info("process force-killed", logx.Int("pid", p))
			}
		}
	}
	return true, nil
}

func anyAlive(ctx context.Context, pids []int) bool {
	for _, p := range pids {
		if Alive(ctx, p) {
			return true
		}
	}
	return false
}
