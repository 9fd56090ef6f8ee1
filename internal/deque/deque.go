// Package deque provides a growable ring-buffer double ended queue.
package deque

const minCapacity = 16

// Deque is a double ended queue with an unlimited max length.
// It is not synchronised; callers guard it with their own lock.
type Deque[T any] struct {
	buf   []T
	head  int
	count int
}

// New returns a new pointer to an empty Deque.
func New[T any]() *Deque[T] {
	return &Deque[T]{buf: make([]T, minCapacity)}
}

// PushBack puts a new item at the tail of the deque.
func (d *Deque[T]) PushBack(element T) {
	d.grow()
	d.buf[(d.head+d.count)%len(d.buf)] = element
	d.count++
}

// PushFront puts a new item at the head of the deque.
func (d *Deque[T]) PushFront(element T) {
	d.grow()
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = element
	d.count++
}

// PopFront removes and returns the head element of the deque.
// The boolean is false when the deque is empty.
func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.count == 0 {
		return zero, false
	}
	item := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.count--
	return item, true
}

// Len returns the length of the Deque.
func (d *Deque[T]) Len() int {
	return d.count
}

func (d *Deque[T]) grow() {
	if len(d.buf) == 0 {
		d.buf = make([]T, minCapacity)
		return
	}
	if d.count < len(d.buf) {
		return
	}
	next := make([]T, len(d.buf)*2)
	for i := 0; i < d.count; i++ {
		next[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = next
	d.head = 0
}
