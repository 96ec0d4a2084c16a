package pclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	var prev Timestamp
	for i := 0; i < 1000; i++ {
		cur := Now()
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestNowUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 16
	const perGoroutine = 200

	var mu sync.Mutex
	seen := make(map[Timestamp]struct{}, goroutines*perGoroutine)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ts := Now()
				mu.Lock()
				_, dup := seen[ts]
				seen[ts] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "timestamp %d observed twice", ts)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
