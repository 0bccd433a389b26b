// Package ring provides a fixed-capacity buffer that keeps the most recent items.
package ring

// Buffer keeps at most Cap items, evicting the oldest on overflow.
// It is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	start int
	size  int
	total int
}

// New creates a buffer holding up to capacity items (minimum 1).
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, dropping the oldest item when full.
func (b *Buffer[T]) Push(v T) {
	b.total++
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of items held.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Total returns how many items were ever pushed, evicted ones included.
func (b *Buffer[T]) Total() int { return b.total }

// Dropped returns how many items were evicted.
func (b *Buffer[T]) Dropped() int { return b.total - b.size }

// Last returns up to n of the most recent items, oldest first.
// n <= 0 returns an empty slice.
func (b *Buffer[T]) Last(n int) []T {
	n = min(max(n, 0), b.size)
	out := make([]T, n)
	offset := b.size - n
	for i := range n {
		out[i] = b.items[(b.start+offset+i)%len(b.items)]
	}
	return out
}

// Items returns all held items, oldest first.
func (b *Buffer[T]) Items() []T {
	return b.Last(b.size)
}
