package encoder

import "sync"

// tail keeps the most recent diagnostic lines of an encoder.
type tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newTail(size int) *tail {
	if size < 1 {
		size = defaultTailLines
	}
	return &tail{lines: make([]string, size)}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// last returns up to n lines, oldest first.
func (t *tail) last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.next
	if t.full {
		count = len(t.lines)
	}
	n = min(n, count)

	out := make([]string, 0, n)
	for i := count - n; i < count; i++ {
		idx := i
		if t.full {
			idx = (t.next + i) % len(t.lines)
		}
		out = append(out, t.lines[idx])
	}
	return out
}
