package usecase

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

func (r *ring[T]) setLast(v T) {
	if r.size == 0 {
		r.push(v)
		return
	}
	r.buf[(r.start+r.size-1)%len(r.buf)] = v
}

func (r *ring[T]) len() int {
	return r.size
}

// tail copies the newest n entries oldest first. n <= 0 copies everything.
func (r *ring[T]) tail(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
