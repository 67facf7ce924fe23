package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// ErrForeignPort is returned when the worker port is held by a process that
// does not match the worker invocation signature. This is always fatal: the
// supervisor never kills processes it cannot positively identify as stale
// instances of its own worker.
var ErrForeignPort = errors.New("worker port held by a foreign process")

// clearStalePort lists processes listening on the worker port. Listeners
// whose command line matches the invocation signature are treated as stale
// instances of the same worker and reaped (SIGTERM, short wait, SIGKILL).
// Any other listener aborts the start with an actionable error.
func (s *Supervisor) clearStalePort(ctx context.Context) error {
	pids, err := listeningPIDs(ctx, s.opts.Port)
	if err != nil {
		// Inspection is best-effort; the spawn itself will surface a bind
		// failure if the port is truly taken.
		s.log.Warn("port inspection failed", "port", s.opts.Port, "error", err)
		return nil
	}
	if len(pids) == 0 {
		return nil
	}

	stale := make([]*gproc.Process, 0, len(pids))
	for _, pid := range pids {
		p, err := gproc.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue // already gone
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !s.matchesSignature(cmdline) {
			// Fail closed on any ambiguity.
			return fmt.Errorf("%w: port %d is used by pid %d (%q); stop it or change the worker port",
				ErrForeignPort, s.opts.Port, pid, cmdline)
		}
		stale = append(stale, p)
	}

	for _, p := range stale {
		s.log.Warn("terminating stale worker instance on target port", "pid", p.Pid, "port", s.opts.Port)
		_ = p.TerminateWithContext(ctx)
	}
	deadline := time.Now().Add(2 * time.Second)
	for _, p := range stale {
		for {
			running, err := p.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			if time.Now().After(deadline) {
				s.log.Warn("force-killing stale worker instance", "pid", p.Pid)
				_ = p.KillWithContext(ctx)
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return nil
}

// matchesSignature requires every configured substring to appear in the
// candidate's command line. An empty signature never matches, so the
// conflict path fails closed.
func (s *Supervisor) matchesSignature(cmdline string) bool {
	if len(s.opts.Signature) == 0 {
		return false
	}
	for _, sig := range s.opts.Signature {
		if !strings.Contains(cmdline, sig) {
			return false
		}
	}
	return true
}

func listeningPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var pids []int32
	seen := make(map[int32]bool)
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if !seen[c.Pid] {
			seen[c.Pid] = true
			pids = append(pids, c.Pid)
		}
	}
	return pids, nil
}
