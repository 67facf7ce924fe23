package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Command is the worker invocation the supervisor is bound to. It is produced
// by the environment preparer and applied before the first start.
type Command struct {
	Path string   // interpreter or binary path
	Args []string // arguments, typically the entry script and flags
	Env  []string // extra KEY=VALUE entries appended to the daemon env
}

// handle represents exactly one running worker OS process. The supervisor
// owns it exclusively; at most one exists at a time.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stopping  bool
	waitDone  chan struct{}
	tail      *tailBuffer
	outW      io.WriteCloser
	errW      io.WriteCloser
}

// spawn configures and starts the worker process. Stdout goes to the rotating
// log writer; stderr is additionally line-scanned into the tail ring buffer.
func (s *Supervisor) spawn(c Command) (*handle, error) {
	// #nosec G204 -- the invocation is operator-configured, not caller input
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW, _ := s.opts.Log.WorkerWriters(s.opts.Name)
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	tail := newTailBuffer(tailLines)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		closeWriters(outW, errW)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		return nil, err
	}

	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		waitDone:  make(chan struct{}),
		tail:      tail,
		outW:      outW,
		errW:      errW,
	}

	go scanStderr(stderrPipe, tail, errW)
	go func() {
		err := cmd.Wait()
		close(h.waitDone)
		s.exitCh <- exitMsg{h: h, err: err}
	}()
	return h, nil
}

// scanStderr tees worker stderr into the tail ring and the rotating log file.
func scanStderr(r io.Reader, tail *tailBuffer, logW io.Writer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		tail.Append(line)
		if logW != nil {
			_, _ = logW.Write([]byte(line + "\n"))
		}
	}
}

// alive reports whether the process behind the handle has not been reaped yet.
func (h *handle) alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// terminate sends SIGTERM to the worker's process group, waits up to grace,
// then escalates to SIGKILL and waits briefly for the reaper.
func (h *handle) terminate(grace time.Duration) {
	_ = syscall.Kill(-h.pid, syscall.SIGTERM)
	select {
	case <-h.waitDone:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	select {
	case <-h.waitDone:
	case <-time.After(500 * time.Millisecond):
		// best-effort; the reaper goroutine finishes the bookkeeping
	}
}

func (h *handle) closeWriters() { closeWriters(h.outW, h.errW) }

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}

// killedBySIGKILL reports whether the wait error indicates a forceful kill,
// which on Linux is the usual footprint of the OOM killer.
func killedBySIGKILL(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}
