package audio

import "sync"

// RingBufferStats is a snapshot of the buffer's cumulative counters.
type RingBufferStats struct {
	Capacity   int
	Available  int
	Written    int64
	Read       int64
	Dropped    int64
	Underflows int64
}

// RingBuffer is a fixed-capacity circular sample buffer decoupling audio
// production from consumption. Writes beyond free capacity drop the newest
// excess (counted, never silently lost); reads beyond availability are
// zero-filled and counted as underflow. One producer and one consumer
// contend only on short integer-and-copy critical sections.
type RingBuffer struct {
	mu        sync.Mutex
	buf       []float32
	readPos   int
	writePos  int
	available int

	written    int64
	read       int64
	dropped    int64
	underflows int64
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]float32, capacity)}
}

// Write copies as many samples as fit and drops the rest of the incoming
// slice. It returns how many samples were written and how many dropped.
func (r *RingBuffer) Write(samples []float32) (written, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := len(r.buf) - r.available
	n := len(samples)
	if n > free {
		dropped = n - free
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[r.writePos] = samples[i]
		r.writePos++
		if r.writePos == len(r.buf) {
			r.writePos = 0
		}
	}
	r.available += n
	r.written += int64(n)
	r.dropped += int64(dropped)
	return n, dropped
}

// Read fills dst from the buffer. When fewer samples are available than
// requested the remainder is backfilled with silence and counted as
// underflow. It returns how many real samples were read.
func (r *RingBuffer) Read(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.available {
		n = r.available
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.readPos]
		r.readPos++
		if r.readPos == len(r.buf) {
			r.readPos = 0
		}
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	if short := len(dst) - n; short > 0 {
		r.underflows += int64(short)
	}
	r.available -= n
	r.read += int64(n)
	return n
}

// Drain removes and returns every unread sample in order.
func (r *RingBuffer) Drain() []float32 {
	r.mu.Lock()
	n := r.available
	r.mu.Unlock()

	out := make([]float32, n)
	if n == 0 {
		return out
	}
	// Read accounts for the consumed samples.
	r.Read(out)
	return out
}

// Clear discards all unread samples without touching cumulative counters.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readPos = 0
	r.writePos = 0
	r.available = 0
}

func (r *RingBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

func (r *RingBuffer) Stats() RingBufferStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingBufferStats{
		Capacity:   len(r.buf),
		Available:  r.available,
		Written:    r.written,
		Read:       r.read,
		Dropped:    r.dropped,
		Underflows: r.underflows,
	}
}
