package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebounceAdmitsFirst(t *testing.T) {
	d := New(2500 * time.Millisecond)
	assert.True(t, d.Allow(time.Now()))
}

func TestDebounceRejectsWithinWindow(t *testing.T) {
	d := New(2500 * time.Millisecond)
	now := time.Now()

	assert.True(t, d.Allow(now))
	assert.False(t, d.Allow(now.Add(100*time.Millisecond)))
	assert.False(t, d.Allow(now.Add(2400*time.Millisecond)))
}

func TestDebounceAdmitsAfterWindow(t *testing.T) {
	d := New(2500 * time.Millisecond)
	now := time.Now()

	assert.True(t, d.Allow(now))
	assert.True(t, d.Allow(now.Add(2600*time.Millisecond)))
}

func TestDebounceConcurrentTriggersAdmitOne(t *testing.T) {
	d := New(time.Minute)
	now := time.Now()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Allow(now) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
