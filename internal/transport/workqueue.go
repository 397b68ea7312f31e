package transport

import (
	"sync"
	"time"
)

// workQueue runs context-level work items one at a time on a single
// goroutine. Items are keyed: scheduling a key that is already pending is a
// no-op. Delayed items are driven by timers owned by the queue.
type workQueue struct {
	mu      sync.Mutex
	items   []workItem
	pending map[string]bool
	timers  map[string]*time.Timer
	closed  bool

	kick chan struct{}
	done chan struct{}
}

type workItem struct {
	key string
	fn  func()
}

func newWorkQueue() *workQueue {
	wq := &workQueue{
		pending: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go wq.run()
	return wq
}

// schedule queues fn under key without blocking.
func (wq *workQueue) schedule(key string, fn func()) {
	wq.mu.Lock()
	if wq.closed || wq.pending[key] {
		wq.mu.Unlock()
		return
	}
	wq.pending[key] = true
	wq.items = append(wq.items, workItem{key: key, fn: fn})
	wq.mu.Unlock()

	select {
	case wq.kick <- struct{}{}:
	default:
	}
}

// scheduleAfter queues fn under key once delay has elapsed. An armed timer
// for the same key is left alone.
func (wq *workQueue) scheduleAfter(key string, delay time.Duration, fn func()) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.closed {
		return
	}
	if _, ok := wq.timers[key]; ok {
		return
	}
	wq.timers[key] = time.AfterFunc(delay, func() {
		wq.mu.Lock()
		delete(wq.timers, key)
		wq.mu.Unlock()
		wq.schedule(key, fn)
	})
}

// cancel stops a pending timer for key. Work already queued still runs.
func (wq *workQueue) cancel(key string) {
	wq.mu.Lock()
	if tm, ok := wq.timers[key]; ok {
		tm.Stop()
		delete(wq.timers, key)
	}
	wq.mu.Unlock()
}

func (wq *workQueue) run() {
	defer close(wq.done)
	for range wq.kick {
		for {
			wq.mu.Lock()
			if len(wq.items) == 0 {
				closed := wq.closed
				wq.mu.Unlock()
				if closed {
					return
				}
				break
			}
			item := wq.items[0]
			wq.items = wq.items[1:]
			delete(wq.pending, item.key)
			wq.mu.Unlock()

			item.fn()
		}
	}
}

// flush blocks until everything queued before the call has run.
func (wq *workQueue) flush() {
	ch := make(chan struct{})
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return
	}
	wq.items = append(wq.items, workItem{key: "", fn: func() { close(ch) }})
	wq.mu.Unlock()
	select {
	case wq.kick <- struct{}{}:
	default:
	}
	<-ch
}

// close stops all timers, runs what is already queued and stops the worker.
func (wq *workQueue) close() {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return
	}
	wq.closed = true
	for key, tm := range wq.timers {
		tm.Stop()
		delete(wq.timers, key)
	}
	wq.mu.Unlock()

	select {
	case wq.kick <- struct{}{}:
	default:
	}
	<-wq.done
}
