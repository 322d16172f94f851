package metrics

// defaultCapacity bounds buffers constructed with a non-positive capacity.
const defaultCapacity = 1000

// Ring is a fixed-capacity circular buffer that overwrites the oldest
// element once full. Not safe for concurrent use; Recorder synchronizes
// around it.
type Ring[T any] struct {
	data  []T
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring buffer holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.data) {
		r.data[(r.head+r.count)%len(r.data)] = v
		r.count++
		return
	}
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Slice returns the buffered elements, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, 0, r.count)
	for i := range r.count {
		out = append(out, r.data[(r.head+i)%len(r.data)])
	}
	return out
}

// Do calls fn on each buffered element, oldest first, stopping early
// when fn returns false.
func (r *Ring[T]) Do(fn func(T) bool) {
	for i := range r.count {
		if !fn(r.data[(r.head+i)%len(r.data)]) {
			return
		}
	}
}

// Clear discards all buffered elements.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}
