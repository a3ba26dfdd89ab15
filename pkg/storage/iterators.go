package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/amicus-social/amicus/pkg/pair"
)

// ErrIteratorDone is returned by Next when the iterator is exhausted.
var ErrIteratorDone = errors.New("iterator done")

// Iterator is a finite sequence of items. It is closed by explicitly
// calling Stop() or by calling Next() until it returns ErrIteratorDone.
type Iterator[T any] interface {
	// Next returns the next available item. If the context is cancelled or
	// times out it returns the context error.
	Next(ctx context.Context) (T, error)

	// Stop terminates iteration and releases underlying resources.
	Stop()
}

// EdgeIterator iterates relationship edge records.
type EdgeIterator = Iterator[EdgeRecord]

// UserIDIterator iterates user ids.
type UserIDIterator = Iterator[pair.UserID]

type staticIterator[T any] struct {
	items []T
	mu    sync.Mutex
}

// NewStaticIterator returns an iterator over a fixed slice. Instances may
// be shared by multiple goroutines.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest
	return next, nil
}

func (s *staticIterator[T]) Stop() {}
