package procexec

import (
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Process is a handle on one spawned child. The strategy that started it owns
// it exclusively; Terminate is safe to call from any goroutine.
type Process struct {
	binary  string
	cmd     *exec.Cmd
	grace   time.Duration
	started time.Time

	done     chan struct{}
	waitErr  error
	exitCode atomic.Int64
	killed   atomic.Bool

	termOnce sync.Once
	onExit   func()
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
			err = nil
		case errors.Is(err, exec.ErrWaitDelay) && p.cmd.ProcessState != nil:
			code = p.cmd.ProcessState.ExitCode()
			err = nil
		default:
			code = -1
		}
	}
	p.exitCode.Store(int64(code))
	p.waitErr = err
	close(p.done)
	if p.onExit != nil {
		p.onExit()
	}
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Binary returns the executable the process was started from.
func (p *Process) Binary() string { return p.binary }

// Started returns the wall-clock start time.
func (p *Process) Started() time.Time { return p.started }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits. A nonzero exit status is not an error;
// inspect ExitCode instead.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit status, or -1 when the process was killed by a
// signal. Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// Killed reports whether Terminate had to signal the process.
func (p *Process) Killed() bool { return p.killed.Load() }

// Terminate sends SIGTERM to the process group, escalates to SIGKILL when the
// group outlives the grace period, and returns once the process has exited.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.killed.Store(true)
		p.signal(unix.SIGTERM)
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.signal(unix.SIGKILL)
		}
	})
	<-p.done
}

func (p *Process) signal(sig unix.Signal) {
	pid := p.PID()
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}
