package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	kl := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("acct")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestLockPairNoDeadlock(t *testing.T) {
	kl := New()

	// Hammer both orderings of the same pair; without ordered acquisition
	// this deadlocks almost immediately.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := kl.LockPair("a", "b")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := kl.LockPair("b", "a")
			unlock()
		}()
	}
	wg.Wait()
}

func TestLockPairSameKey(t *testing.T) {
	kl := New()
	unlock := kl.LockPair("x", "x")
	unlock()
	unlock = kl.Lock("x")
	unlock()
}
