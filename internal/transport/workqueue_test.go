package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueRunsInOrder(t *testing.T) {
	wq := newWorkQueue()
	defer wq.close()

	var mu sync.Mutex
	var got []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
	}

	block := make(chan struct{})
	wq.schedule("block", func() { <-block })
	wq.schedule("a", record("a"))
	wq.schedule("b", record("b"))
	wq.schedule("a", record("a-dup"))
	close(block)
	wq.flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestWorkQueueDelayedAndCancel(t *testing.T) {
	wq := newWorkQueue()
	defer wq.close()

	ran := make(chan string, 4)
	wq.scheduleAfter("later", 5*time.Millisecond, func() { ran <- "later" })
	wq.scheduleAfter("later", time.Millisecond, func() { ran <- "later-dup" })
	wq.scheduleAfter("cancelled", 20*time.Millisecond, func() { ran <- "cancelled" })
	wq.cancel("cancelled")

	select {
	case s := <-ran:
		assert.Equal(t, "later", s)
	case <-time.After(time.Second):
		require.Fail(t, "delayed work never ran")
	}

	time.Sleep(50 * time.Millisecond)
	wq.flush()
	assert.Empty(t, ran)
}

func TestWorkQueueClose(t *testing.T) {
	wq := newWorkQueue()
	ran := make(chan struct{}, 1)
	wq.scheduleAfter("timer", 10*time.Millisecond, func() { ran <- struct{}{} })
	wq.close()
	wq.close()

	wq.schedule("after-close", func() { ran <- struct{}{} })
	wq.flush()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, ran)
}
