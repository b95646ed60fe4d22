package ranking

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocks_SerialisesSameKey(t *testing.T) {
	locks := NewLocks()
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("/data/shared.sqlite")
			defer unlock()
			n := active.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLocks_IndependentKeys(t *testing.T) {
	locks := NewLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	<-done
}

func TestLocks_ReleasedEntriesArePruned(t *testing.T) {
	locks := NewLocks()
	for _, key := range []string{"/data/A.sqlite", "/data/B.sqlite", "/data/A.sqlite"} {
		unlock := locks.Lock(key)
		assert.Equal(t, 1, locks.Len())
		unlock()
	}
	assert.Zero(t, locks.Len())
}
