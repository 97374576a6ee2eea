package audio

import (
	"math"
	"testing"
)

func TestResampleLinearSameRate(t *testing.T) {
	src := []float32{0.1, 0.2, 0.3}
	out := ResampleLinear(src, 16000, 16000)
	if len(out) != len(src) {
		t.Fatalf("len = %d, want %d", len(out), len(src))
	}
	out[0] = 42
	if src[0] == 42 {
		t.Fatalf("same-rate resample aliased the input slice")
	}
}

func TestResampleLinearDownsampleLength(t *testing.T) {
	src := make([]float32, 960) // 20ms at 48kHz
	out := ResampleLinear(src, 48000, 16000)
	if len(out) != 320 {
		t.Fatalf("len = %d, want 320 (20ms at 16kHz)", len(out))
	}
}

func TestResampleLinearInterpolates(t *testing.T) {
	// Doubling the rate of a ramp should land midpoints between neighbors.
	src := []float32{0, 1, 2, 3}
	out := ResampleLinear(src, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("len = %d, want 8", len(out))
	}
	if math.Abs(float64(out[1]-0.5)) > 1e-6 {
		t.Fatalf("out[1] = %v, want 0.5", out[1])
	}
	if math.Abs(float64(out[3]-1.5)) > 1e-6 {
		t.Fatalf("out[3] = %v, want 1.5", out[3])
	}
	if out[7] != 3 {
		t.Fatalf("out[7] = %v, want tail clamp to last sample", out[7])
	}
}

func TestResampleLinearEmptyInput(t *testing.T) {
	if out := ResampleLinear(nil, 48000, 16000); out != nil {
		t.Fatalf("ResampleLinear(nil) = %v, want nil", out)
	}
}

func TestPCM16RoundTripClamps(t *testing.T) {
	pcm := PCM16FromFloat32([]float32{0, 0.5, 1.5, -2})
	if pcm[0] != 0 {
		t.Fatalf("pcm[0] = %d, want 0", pcm[0])
	}
	if pcm[2] != 32767 {
		t.Fatalf("pcm[2] = %d, want clamp to 32767", pcm[2])
	}
	if pcm[3] != -32768 {
		t.Fatalf("pcm[3] = %d, want clamp to -32768", pcm[3])
	}

	back := Float32FromPCM16(pcm)
	if math.Abs(float64(back[1]-0.5)) > 1e-3 {
		t.Fatalf("round trip of 0.5 = %v", back[1])
	}
}

func TestPCM16LEBytes(t *testing.T) {
	samples := []int16{256, -1}
	raw := EncodePCM16LE(samples)
	want := []byte{0x00, 0x01, 0xFF, 0xFF}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, raw[i], want[i])
		}
	}
	decoded := DecodePCM16LE(raw)
	if decoded[0] != 256 || decoded[1] != -1 {
		t.Fatalf("DecodePCM16LE() = %v, want [256 -1]", decoded)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", got)
	}
	got := RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS() = %v, want 0.5", got)
	}
}
