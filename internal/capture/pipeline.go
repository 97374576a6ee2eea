// Package capture turns native-rate microphone frames into resampled,
// VAD-gated, sequence-numbered PCM16 chunks for the upstream speech model.
package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/canvass-voice/canvass/internal/audio"
	"github.com/canvass-voice/canvass/internal/vad"
)

// Device failure modes. Each is reported, moves the pipeline to an error
// state, and stops emission until re-initialization; none is fatal to the
// process.
var (
	ErrPermissionDenied  = errors.New("capture: permission denied")
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	ErrDeviceBusy        = errors.New("capture: device busy")
)

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateErrored
)

type Config struct {
	// SourceRate is the input device's native sample rate.
	SourceRate int
	// TargetRate is the rate required downstream, commonly 16 kHz.
	TargetRate int
	// ChunkSamples is the emitted chunk size in samples at the target rate.
	ChunkSamples int
	// VAD gates emission; a zero value disables gating.
	VAD vad.Config
}

func DefaultConfig() Config {
	return Config{
		SourceRate:   48000,
		TargetRate:   16000,
		ChunkSamples: 320, // 20ms at 16kHz
		VAD:          vad.DefaultConfig(),
	}
}

// Chunk is one emitted capture chunk. Sequence numbers increase
// monotonically for the lifetime of the pipeline.
type Chunk struct {
	Seq        uint64
	PCM        []int16
	SampleRate int
	CapturedAt time.Time
	Silence    bool
}

// Pipeline orchestrates resampling, PCM conversion, VAD gating, and chunk
// emission. Pause does not tear capture down: paused input is replaced
// with silence of the same cadence so downstream consumers keep a
// temporally continuous signal.
type Pipeline struct {
	cfg      Config
	detector *vad.Detector
	out      chan Chunk

	mu      sync.Mutex
	state   pipelineState
	lastErr error
	paused  bool
	seq     uint64
	pending []float32
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = DefaultConfig().SourceRate
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultConfig().TargetRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultConfig().ChunkSamples
	}
	return &Pipeline{
		cfg:      cfg,
		detector: vad.NewDetector(cfg.VAD),
		out:      make(chan Chunk, 64),
		state:    stateRunning,
	}
}

// Chunks is the typed emission channel.
func (p *Pipeline) Chunks() <-chan Chunk {
	return p.out
}

// Push feeds native-rate normalized samples into the pipeline.
func (p *Pipeline) Push(samples []float32, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}

	if p.paused {
		// Preserve cadence: the paused stream still produces chunks, just
		// silent ones, at the length the input would have produced.
		n := len(audio.ResampleLinear(samples, p.cfg.SourceRate, p.cfg.TargetRate))
		p.pending = append(p.pending, make([]float32, n)...)
		p.emitSilenceLocked(now)
		return
	}

	p.pending = append(p.pending, audio.ResampleLinear(samples, p.cfg.SourceRate, p.cfg.TargetRate)...)
	for len(p.pending) >= p.cfg.ChunkSamples {
		chunk := p.pending[:p.cfg.ChunkSamples]
		p.pending = p.pending[p.cfg.ChunkSamples:]

		res := p.detector.Push(chunk, now)
		for _, gated := range res.Emit {
			p.emitLocked(gated, now, false)
		}
	}
}

// Pause keeps the stream alive but replaces input with silence, e.g. while
// the remote party is speaking.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	// Anything captured before the pause is silenced rather than leaking
	// into the paused stream.
	for i := range p.pending {
		p.pending[i] = 0
	}
}

func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.detector.Reset()
}

func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Fail records a device error and stops emission. The error is surfaced
// via Err; the session may recover by calling Reinitialize.
func (p *Pipeline) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = stateErrored
	p.lastErr = err
}

// Err returns the device error that moved the pipeline to its error state.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reinitialize clears an error state and resumes from a fresh detector.
func (p *Pipeline) Reinitialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = stateRunning
	p.lastErr = nil
	p.pending = nil
	p.detector.Reset()
}

// Close stops the pipeline and closes the emission channel.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateIdle {
		return
	}
	p.state = stateIdle
	close(p.out)
}

func (p *Pipeline) emitSilenceLocked(now time.Time) {
	for len(p.pending) >= p.cfg.ChunkSamples {
		chunk := p.pending[:p.cfg.ChunkSamples]
		p.pending = p.pending[p.cfg.ChunkSamples:]
		p.emitLocked(chunk, now, true)
	}
}

func (p *Pipeline) emitLocked(samples []float32, now time.Time, silence bool) {
	c := Chunk{
		Seq:        p.seq,
		PCM:        audio.PCM16FromFloat32(samples),
		SampleRate: p.cfg.TargetRate,
		CapturedAt: now,
		Silence:    silence,
	}
	p.seq++
	select {
	case p.out <- c:
	default:
		// Consumer stalled. Audio transformation must stay bounded-time,
		// so drop instead of blocking the sample path.
	}
}
