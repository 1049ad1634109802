package bus

// ring is a fixed-capacity circular buffer that overwrites its oldest
// element when full. Not safe for concurrent use.
type ring[T any] struct {
	buf     []T
	head    int // index of the oldest element
	size    int
	evicted uint64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
}

// last returns up to n of the newest elements, oldest first.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || r.size == 0 {
		return []T{}
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.size = 0, 0
}

func (r *ring[T]) len() int { return r.size }
func (r *ring[T]) cap() int { return len(r.buf) }
