// Package playback buffers synthesized audio chunks for gap-free output.
// The pipeline is driven by explicit commands processed by a single Apply
// step over an explicit state struct, so the whole control surface is unit
// testable without an audio runtime.
package playback

import (
	"log"
	"sync"

	"github.com/canvass-voice/canvass/internal/audio"
)

// Command is the typed message union for the pipeline.
type Command interface{ isCommand() }

// PushAudio appends one synthesized chunk. Chunks are resampled from
// SampleRate to the device rate when they differ.
type PushAudio struct {
	Seq        uint64
	PCM        []int16
	SampleRate int
}

// SetSampleRate renegotiates the device rate without losing already
// buffered audio.
type SetSampleRate struct {
	SampleRate int
}

// BargeIn halts playback immediately and clears all buffered audio.
type BargeIn struct {
	Reason string
}

// StatusRequest asks for a snapshot of the pipeline state. Reply should
// be buffered; a receiver that is not ready is skipped rather than waited
// on.
type StatusRequest struct {
	Reply chan<- Status
}

func (PushAudio) isCommand()     {}
func (SetSampleRate) isCommand() {}
func (BargeIn) isCommand()       {}
func (StatusRequest) isCommand() {}

type Status struct {
	BufferedSamples int   `json:"buffered_samples"`
	Playing         bool  `json:"playing"`
	Underflows      int64 `json:"underflows"`
	Dropped         int64 `json:"dropped"`
	SampleRate      int   `json:"sample_rate"`
}

type Config struct {
	// SampleRate is the output device rate the ring buffer runs at.
	SampleRate int
	// BufferSeconds sizes the ring generously above expected jitter.
	BufferSeconds int
	// FrameSamples is the fixed device callback frame size.
	FrameSamples int

	// OnUnderflow and OnDrop, when set, observe buffer shortfalls and
	// overflow drops as sample counts. They run inside the pipeline lock
	// and must not call back into it.
	OnUnderflow func(samples int)
	OnDrop      func(samples int)
}

func DefaultConfig() Config {
	return Config{SampleRate: 24000, BufferSeconds: 30, FrameSamples: 480}
}

// Pipeline owns the ring buffer between inbound chunk production and the
// periodic device callback. Apply never blocks and never panics on
// overflow; the callback never blocks on underflow.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	ring    *audio.RingBuffer
	rate    int
	playing bool

	haveSeq bool
	lastSeq uint64
	gaps    int64
}

func NewPipeline(cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = def.BufferSeconds
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = def.FrameSamples
	}
	return &Pipeline{
		cfg:  cfg,
		ring: audio.NewRingBuffer(cfg.SampleRate * cfg.BufferSeconds),
		rate: cfg.SampleRate,
	}
}

// Apply processes one command against the pipeline state.
func (p *Pipeline) Apply(cmd Command) {
	if sr, ok := cmd.(StatusRequest); ok {
		if sr.Reply == nil {
			return
		}
		// The reply is sent outside the lock and never blocks, so an
		// abandoned requester cannot wedge the command loop.
		select {
		case sr.Reply <- p.Status():
		default:
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch c := cmd.(type) {
	case PushAudio:
		p.applyPush(c)
	case SetSampleRate:
		p.applySetRate(c.SampleRate)
	case BargeIn:
		p.ring.Clear()
		p.playing = false
	}
}

// Run drains the command channel until it is closed.
func (p *Pipeline) Run(cmds <-chan Command) {
	for cmd := range cmds {
		p.Apply(cmd)
	}
}

// ReadFrame is the continuous output callback. When fewer samples are
// buffered than requested the remainder stays silent and is counted as
// underflow by the ring; it never blocks.
func (p *Pipeline) ReadFrame(dst []float32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.ring.Read(dst)
	if short := len(dst) - n; short > 0 && p.cfg.OnUnderflow != nil {
		p.cfg.OnUnderflow(short)
	}
	if n == 0 && p.playing && p.ring.Available() == 0 {
		p.playing = false
	}
	return n
}

// FrameSamples returns the configured device callback frame size.
func (p *Pipeline) FrameSamples() int {
	return p.cfg.FrameSamples
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pipeline) applyPush(c PushAudio) {
	if p.haveSeq && c.Seq > p.lastSeq+1 {
		// Gaps are tolerated for continuity; they are logged, never
		// reordered.
		p.gaps++
		log.Printf("playback: sequence gap %d -> %d", p.lastSeq, c.Seq)
	}
	if !p.haveSeq || c.Seq >= p.lastSeq {
		p.lastSeq = c.Seq
		p.haveSeq = true
	}

	samples := audio.Float32FromPCM16(c.PCM)
	if c.SampleRate > 0 && c.SampleRate != p.rate {
		samples = audio.ResampleLinear(samples, c.SampleRate, p.rate)
	}
	_, dropped := p.ring.Write(samples)
	if dropped > 0 && p.cfg.OnDrop != nil {
		p.cfg.OnDrop(dropped)
	}
	p.playing = true
}

// applySetRate drains and re-buffers unread samples into a freshly sized
// ring at the new rate, so renegotiation loses no buffered audio.
func (p *Pipeline) applySetRate(rate int) {
	if rate <= 0 || rate == p.rate {
		return
	}
	remaining := p.ring.Drain()
	resampled := audio.ResampleLinear(remaining, p.rate, rate)
	p.ring = audio.NewRingBuffer(rate * p.cfg.BufferSeconds)
	p.ring.Write(resampled)
	p.rate = rate
}

func (p *Pipeline) statusLocked() Status {
	stats := p.ring.Stats()
	return Status{
		BufferedSamples: stats.Available,
		Playing:         p.playing,
		Underflows:      stats.Underflows,
		Dropped:         stats.Dropped,
		SampleRate:      p.rate,
	}
}
