package transport

import (
	"sync"
	"sync/atomic"
)

// queueEntry describes one in-flight buffer. Entries are allocated once per
// queue and move between the pools for their whole life.
type queueEntry struct {
	cookie any
	buf    []byte
	length int
	err    error

	slot  int
	round uint8

	done      bool
	completed atomic.Bool
	// gen changes every time the entry is recycled or abandoned, so a copy
	// that completes late can tell it no longer owns the entry.
	gen atomic.Uint32
}

func (e *queueEntry) reset() {
	e.cookie = nil
	e.buf = nil
	e.length = 0
	e.err = nil
	e.slot = 0
	e.round = 0
	e.done = false
	e.completed.Store(false)
	e.gen.Add(1)
}

// entryList is a FIFO of entries with its own lock.
type entryList struct {
	mu      sync.Mutex
	entries []*queueEntry
}

func newEntryList(n int) *entryList {
	l := &entryList{entries: make([]*queueEntry, 0, n)}
	for i := 0; i < n; i++ {
		l.entries = append(l.entries, &queueEntry{})
	}
	return l
}

func (l *entryList) push(e *queueEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *entryList) pop() *queueEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[0]
	l.entries[0] = nil
	l.entries = l.entries[1:]
	return e
}

func (l *entryList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *entryList) markDone(e *queueEntry) {
	l.mu.Lock()
	e.done = true
	l.mu.Unlock()
}

// popDone removes the leading run of entries marked done.
func (l *entryList) popDone() []*queueEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for n < len(l.entries) && l.entries[n].done {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]*queueEntry, n)
	copy(out, l.entries[:n])
	l.entries = l.entries[n:]
	return out
}

// drain empties the list.
func (l *entryList) drain() []*queueEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}
