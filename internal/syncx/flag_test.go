package syncx

import (
	"sync"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

func TestFlag(t *testing.T) {
	assert := assert_.New(t)
	f := &Flag{}
	assert.False(f.IsSet())
	select {
	case <-f.Wait():
		assert.Fail("<-f.Wait() should block while unset")
	default:
	}

	assert.True(f.Set())
	assert.True(f.IsSet())
	select {
	case <-f.Wait():
	default:
		assert.Fail("<-f.Wait() should not block once set")
	}
	// Idempotent
	assert.False(f.Set())

	assert.True(f.Clear())
	assert.False(f.IsSet())
	select {
	case <-f.Wait():
		assert.Fail("<-f.Wait() should block again after Clear")
	default:
	}
	assert.False(f.Clear())
}

func TestFlagReleasesWaiters(t *testing.T) {
	assert := assert_.New(t)
	f := &Flag{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-f.Wait()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		assert.Fail("waiters should still be blocked")
	case <-time.After(50 * time.Millisecond):
	}

	f.Set()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		assert.Fail("waiters should have been released")
	}
}

func TestMutexed(t *testing.T) {
	assert := assert_.New(t)
	m := NewMutexed(map[string]int{"a": 1})
	assert.NoError(m.Locked(func(v map[string]int) error {
		v["b"] = 2
		return nil
	}))
	assert.Len(m.Get(), 2)

	r := NewRWMutexed(3)
	assert.Equal(3, r.Get())
	r.Set(4)
	assert.Equal(4, r.Swap(5))
	assert.NoError(r.RLocked(func(v int) error {
		assert.Equal(5, v)
		return nil
	}))
}
