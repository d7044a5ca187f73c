package syncx

import "sync"

// Flag is an asynchronous boolean that goroutines can wait on, in the
// spirit of Python's threading.Event.
type Flag struct {
	mu    sync.RWMutex
	ch    chan struct{}
	value bool
}

// IsSet returns the current state of the Flag.
func (f *Flag) IsSet() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Set makes the Flag true (idempotent), releasing any waiters. Returns
// true if the state changed.
func (f *Flag) Set() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value {
		return false
	}
	f.value = true
	close(f.channelLocked())
	return true
}

// Clear makes the Flag false (idempotent). Returns true if the state changed.
func (f *Flag) Clear() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.value {
		return false
	}
	f.value = false
	f.ch = nil // next wait creates a fresh channel
	return true
}

// Wait returns a channel that closes once the Flag is true, which may be
// immediately.
func (f *Flag) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelLocked()
}

func (f *Flag) channelLocked() chan struct{} {
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}
