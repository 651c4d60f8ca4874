package gateway

import (
	"context"
	"errors"
	"sync"
)

// Subscription is a stream of events owned by its creator. Close releases
// the underlying transport and waits for the reader to exit.
type Subscription[T any] struct {
	events chan T
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewSubscription runs fn on its own goroutine. fn delivers events through
// emit, which reports false once the subscription is closing.
func NewSubscription[T any](ctx context.Context, buffer int, fn func(ctx context.Context, emit func(T) bool) error) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		events: make(chan T, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()

		err := fn(ctx, func(v T) bool {
			select {
			case s.events <- v:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	return s
}

func (s *Subscription[T]) Events() <-chan T {
	return s.events
}

// Done is closed once the stream has ended, either by Close or by a transport failure.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[T]) Close() error {
	s.cancel()
	<-s.done
	return s.Err()
}
