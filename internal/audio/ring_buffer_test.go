package audio

import "testing"

func TestRingBufferRoundTrip(t *testing.T) {
	rb := NewRingBuffer(8)
	in := []float32{0.1, 0.2, 0.3, 0.4}

	written, dropped := rb.Write(in)
	if written != 4 || dropped != 0 {
		t.Fatalf("Write() = (%d, %d), want (4, 0)", written, dropped)
	}
	if got := rb.Available(); got != 4 {
		t.Fatalf("Available() = %d, want 4", got)
	}

	out := make([]float32, 4)
	if n := rb.Read(out); n != 4 {
		t.Fatalf("Read() = %d, want 4", n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]float32{1, 2, 3})
	rb.Read(make([]float32, 2))
	rb.Write([]float32{4, 5, 6})

	out := make([]float32, 4)
	if n := rb.Read(out); n != 4 {
		t.Fatalf("Read() = %d, want 4", n)
	}
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v (order broken across wrap)", i, out[i], want[i])
		}
	}
}

func TestRingBufferOverflowDropsNewest(t *testing.T) {
	rb := NewRingBuffer(4)
	written, dropped := rb.Write([]float32{1, 2, 3, 4, 5, 6})
	if written != 4 || dropped != 2 {
		t.Fatalf("Write() = (%d, %d), want (4, 2)", written, dropped)
	}

	out := make([]float32, 4)
	rb.Read(out)
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v (oldest must survive overflow)", i, out[i], want[i])
		}
	}
	if stats := rb.Stats(); stats.Dropped != 2 {
		t.Fatalf("Stats().Dropped = %d, want 2", stats.Dropped)
	}
}

func TestRingBufferUnderflowZeroFills(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]float32{0.5, 0.5})

	out := []float32{9, 9, 9, 9}
	if n := rb.Read(out); n != 2 {
		t.Fatalf("Read() = %d, want 2", n)
	}
	if out[2] != 0 || out[3] != 0 {
		t.Fatalf("short read remainder = %v, want zero fill", out[2:])
	}
	if stats := rb.Stats(); stats.Underflows != 2 {
		t.Fatalf("Stats().Underflows = %d, want 2", stats.Underflows)
	}
}

func TestRingBufferDrainAndClear(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]float32{1, 2, 3})

	drained := rb.Drain()
	if len(drained) != 3 || drained[0] != 1 || drained[2] != 3 {
		t.Fatalf("Drain() = %v, want [1 2 3]", drained)
	}
	if rb.Available() != 0 {
		t.Fatalf("Available() = %d after drain, want 0", rb.Available())
	}

	rb.Write([]float32{4, 5})
	rb.Clear()
	if rb.Available() != 0 {
		t.Fatalf("Available() = %d after clear, want 0", rb.Available())
	}
	if stats := rb.Stats(); stats.Written != 5 {
		t.Fatalf("Stats().Written = %d, want counters preserved across Clear", stats.Written)
	}
}
