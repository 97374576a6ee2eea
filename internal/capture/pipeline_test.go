package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/canvass-voice/canvass/internal/vad"
)

func passthroughConfig() Config {
	return Config{
		SourceRate:   48000,
		TargetRate:   16000,
		ChunkSamples: 320,
		VAD:          vad.Config{Enabled: false},
	}
}

func loudFrame(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.25
	}
	return out
}

func drainChunks(p *Pipeline) []Chunk {
	var out []Chunk
	for {
		select {
		case c := <-p.Chunks():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestPipelineChunkingAndSeq(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	defer p.Close()
	now := time.Now()

	// 40ms of 48kHz input resamples to exactly two 320-sample chunks.
	p.Push(loudFrame(1920), now)

	chunks := drainChunks(p)
	if len(chunks) != 2 {
		t.Fatalf("emitted %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Fatalf("chunk %d seq = %d, want monotonic from 0", i, c.Seq)
		}
		if len(c.PCM) != 320 {
			t.Fatalf("chunk %d has %d samples, want 320", i, len(c.PCM))
		}
		if c.SampleRate != 16000 {
			t.Fatalf("chunk %d rate = %d, want 16000", i, c.SampleRate)
		}
		if c.Silence {
			t.Fatalf("chunk %d flagged silent, want live audio", i)
		}
	}
}

func TestPipelinePartialChunkHeld(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	defer p.Close()

	// Half a chunk's worth of input stays pending.
	p.Push(loudFrame(480), time.Now())
	if got := drainChunks(p); len(got) != 0 {
		t.Fatalf("emitted %d chunks from partial input, want 0", len(got))
	}

	p.Push(loudFrame(480), time.Now())
	if got := drainChunks(p); len(got) != 1 {
		t.Fatalf("emitted %d chunks after completion, want 1", len(got))
	}
}

func TestPipelinePauseEmitsSilence(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	defer p.Close()
	now := time.Now()

	p.Push(loudFrame(480), now)
	p.Pause()
	if !p.Paused() {
		t.Fatalf("Paused() = false after Pause")
	}

	// The held 160 pre-pause samples plus 480 paused ones make two full
	// chunks, all silent.
	p.Push(loudFrame(1440), now)
	chunks := drainChunks(p)
	if len(chunks) != 2 {
		t.Fatalf("emitted %d chunks while paused, want 2 (cadence preserved)", len(chunks))
	}
	for ci, c := range chunks {
		if !c.Silence {
			t.Fatalf("paused chunk %d not flagged silent", ci)
		}
		for i, s := range c.PCM {
			if s != 0 {
				t.Fatalf("paused chunk %d sample %d = %d, want 0 (pre-pause audio must not leak)", ci, i, s)
			}
		}
	}
}

func TestPipelineResumeAfterPause(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	defer p.Close()
	now := time.Now()

	p.Pause()
	p.Push(loudFrame(1920), now)
	drainChunks(p)

	p.Resume()
	if p.Paused() {
		t.Fatalf("Paused() = true after Resume")
	}
	p.Push(loudFrame(1920), now)
	chunks := drainChunks(p)
	if len(chunks) != 2 {
		t.Fatalf("emitted %d chunks after resume, want 2", len(chunks))
	}
	for _, c := range chunks {
		if c.Silence {
			t.Fatalf("post-resume chunk flagged silent")
		}
	}
}

func TestPipelineErrorStateStopsEmission(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	defer p.Close()

	p.Fail(ErrDeviceBusy)
	if !errors.Is(p.Err(), ErrDeviceBusy) {
		t.Fatalf("Err() = %v, want ErrDeviceBusy", p.Err())
	}

	p.Push(loudFrame(1920), time.Now())
	if got := drainChunks(p); len(got) != 0 {
		t.Fatalf("errored pipeline emitted %d chunks, want 0", len(got))
	}

	p.Reinitialize()
	if p.Err() != nil {
		t.Fatalf("Err() = %v after Reinitialize, want nil", p.Err())
	}
	p.Push(loudFrame(1920), time.Now())
	if got := drainChunks(p); len(got) != 2 {
		t.Fatalf("emitted %d chunks after Reinitialize, want 2", len(got))
	}
}

func TestPipelineVADGatesSilence(t *testing.T) {
	cfg := passthroughConfig()
	cfg.VAD = vad.Config{
		Enabled:           true,
		Threshold:         0.015,
		MinSpeechDuration: 60 * time.Millisecond,
		SilenceDuration:   600 * time.Millisecond,
		PrerollChunks:     3,
	}
	p := NewPipeline(cfg)
	defer p.Close()

	p.Push(make([]float32, 1920), time.Now())
	if got := drainChunks(p); len(got) != 0 {
		t.Fatalf("VAD forwarded %d silent chunks, want 0", len(got))
	}
}

func TestPipelineCloseIdempotent(t *testing.T) {
	p := NewPipeline(passthroughConfig())
	p.Close()
	p.Close()

	if _, ok := <-p.Chunks(); ok {
		t.Fatalf("Chunks() open after Close")
	}
}
