package logx

import (
	"strings"
	"sync"
)

const defaultRingSize = 500

// Ring is a bounded in-memory buffer of recent log lines.
//
// It implements io.Writer so it can sit in the zerolog fanout; each Write
// is assumed to be one JSON line (zerolog writes whole events).
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{lines: make([]string, size)}
}

func (r *Ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if line == "" {
		return len(p), nil
	}
	r.mu.Lock()
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Tail returns up to n recent lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Resize grows or shrinks the buffer, keeping the most recent lines.
func (r *Ring) Resize(size int) {
	if size <= 0 {
		size = defaultRingSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if size == len(r.lines) {
		return
	}
	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if len(ordered) > size {
		ordered = ordered[len(ordered)-size:]
	}
	fresh := make([]string, size)
	copy(fresh, ordered)
	r.lines = fresh
	r.next = len(ordered) % size
	r.full = len(ordered) == size
}
