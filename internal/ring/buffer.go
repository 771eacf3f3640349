package ring

import (
	"errors"
	"sync"

	"github.com/slyt3/guardstats/internal/assert"
)

var ErrBufferFull = errors.New("ring buffer is full")
var ErrBufferEmpty = errors.New("ring buffer is empty")

// Buffer is a fixed-size FIFO queue safe for concurrent use.
// Push and Pop do not allocate.
type Buffer[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	head     int
	tail     int
	count    int
}

// New creates a buffer holding at most capacity items.
func New[T any](capacity int) (*Buffer[T], error) {
	if err := assert.Check(capacity > 0, "capacity must be positive"); err != nil {
		return nil, err
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}, nil
}

// Push appends item, or returns ErrBufferFull.
func (b *Buffer[T]) Push(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		return ErrBufferFull
	}
	if err := assert.InRange(b.tail, 0, b.capacity-1, "tail index"); err != nil {
		return err
	}
	b.data[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	return nil
}

// Pop removes the oldest item, or returns ErrBufferEmpty.
func (b *Buffer[T]) Pop() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

func (b *Buffer[T]) popLocked() (T, error) {
	var zero T
	if b.count == 0 {
		return zero, ErrBufferEmpty
	}
	if err := assert.InRange(b.head, 0, b.capacity-1, "head index"); err != nil {
		return zero, err
	}
	item := b.data[b.head]
	b.data[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.count--
	return item, nil
}

// PopBatch removes up to max items in FIFO order and appends them to dst.
func (b *Buffer[T]) PopBatch(dst []T, max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max < n {
		n = max
	}
	for i := 0; i < n; i++ {
		item, err := b.popLocked()
		if err != nil {
			break
		}
		dst = append(dst, item)
	}
	return dst
}

func (b *Buffer[T]) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == b.capacity
}

func (b *Buffer[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == 0
}

// Len is the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap is fixed at construction.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}
