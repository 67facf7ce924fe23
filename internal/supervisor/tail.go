package supervisor

import "sync"

// tailLines is how many stderr lines are retained for crash diagnostics.
const tailLines = 20

// tailBuffer is a bounded ring of the worker's most recent stderr lines.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
	next  int
	full  bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, lines: make([]string, max)}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Lines returns the retained lines oldest-first.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]string, t.next)
		copy(out, t.lines[:t.next])
		return out
	}
	out := make([]string, 0, t.max)
	out = append(out, t.lines[t.next:]...)
	out = append(out, t.lines[:t.next]...)
	return out
}
