package pubsub

import (
	"errors"
	"sync"

	"github.com/clipfetch/clipfetch/internal/syncx"
)

const (
	DefaultPublisherBufSize  = 1
	DefaultSubscriberBufSize = 1
)

var ErrPublisherClosed = errors.New("publisher closed")

// Publisher fans messages out to any number of subscribers. A subscriber
// that stops receiving is dropped rather than allowed to stall the rest.
type Publisher[T any] interface {
	SenderCloser[T]
	// AddSubscriber attaches an existing sender; closeWith controls
	// whether it is closed when the publisher closes.
	AddSubscriber(s SenderCloser[T], closeWith bool) error
	Subscribe() (ReceiverCloser[T], error)
	SubscribeBufSize(bufSize int) (ReceiverCloser[T], error)
}

type subscription[T any] struct {
	sender    SenderCloser[T]
	closeWith bool
}

type publisher[T any] struct {
	mu          sync.Mutex
	ch          Channel[T]
	running     sync.WaitGroup // fan-out goroutine
	pending     sync.WaitGroup // messages not yet delivered to all subscribers
	subscribers *syncx.Mutexed[map[SenderCloser[T]]*subscription[T]]
	closed      bool
}

func NewPublisher[T any]() Publisher[T] {
	return NewPublisherBufSize[T](DefaultPublisherBufSize)
}

func NewPublisherBufSize[T any](bufSize int) Publisher[T] {
	p := &publisher[T]{
		ch:          NewChannel[T](bufSize),
		subscribers: syncx.NewMutexed(make(map[SenderCloser[T]]*subscription[T])),
	}
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		for v := range p.ch.Receive() {
			// Snapshot the subscriber set so new subscriptions are not
			// blocked during delivery.
			var targets []SenderCloser[T]
			_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]*subscription[T]) error {
				targets = make([]SenderCloser[T], 0, len(subs))
				for s := range subs {
					targets = append(targets, s)
				}
				return nil
			})
			for _, s := range targets {
				if ok := s.Send(v); !ok {
					p.removeSubscriber(s)
				}
			}
			p.pending.Done()
		}
	}()
	return p
}

// Send publishes the value to all subscribers without blocking the caller
// on any individual subscriber.
func (p *publisher[T]) Send(msg T) bool {
	p.pending.Add(1)
	if ok := p.ch.Send(msg); !ok {
		p.pending.Done()
		return false
	}
	return true
}

func (p *publisher[T]) Subscribe() (ReceiverCloser[T], error) {
	return p.SubscribeBufSize(DefaultSubscriberBufSize)
}

func (p *publisher[T]) SubscribeBufSize(bufSize int) (ReceiverCloser[T], error) {
	c := NewChannel[T](bufSize)
	if err := p.AddSubscriber(c, true); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *publisher[T]) AddSubscriber(s SenderCloser[T], closeWith bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	return p.subscribers.Locked(func(subs map[SenderCloser[T]]*subscription[T]) error {
		subs[s] = &subscription[T]{sender: s, closeWith: closeWith}
		return nil
	})
}

func (p *publisher[T]) removeSubscriber(s SenderCloser[T]) {
	_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]*subscription[T]) error {
		delete(subs, s)
		return nil
	})
}

// Close idempotently shuts down the publisher after flushing pending
// messages, closing subscribers that were attached with closeWith=true.
func (p *publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ch.Close()
	p.pending.Wait()
	p.running.Wait()
	var toClose []SenderCloser[T]
	_ = p.subscribers.Locked(func(subs map[SenderCloser[T]]*subscription[T]) error {
		for s, sub := range subs {
			if sub.closeWith {
				toClose = append(toClose, s)
			}
			delete(subs, s)
		}
		return nil
	})
	for _, s := range toClose {
		s.Close()
	}
	p.closed = true
}

func (p *publisher[T]) Closed() <-chan struct{} {
	return p.ch.Closed()
}
