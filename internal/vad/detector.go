// Package vad classifies an audio stream into speech and silence segments
// using RMS energy with debounced state transitions.
package vad

import (
	"time"

	"github.com/canvass-voice/canvass/internal/audio"
)

type State int

const (
	StateSilence State = iota
	StateSpeechStart
	StateSpeaking
	StateSpeechEnd
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "SILENCE"
	case StateSpeechStart:
		return "SPEECH_START"
	case StateSpeaking:
		return "SPEAKING"
	case StateSpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// Enabled false passes every chunk through unconditionally.
	Enabled bool
	// Threshold is the RMS energy above which a chunk counts as speech.
	Threshold float64
	// MinSpeechDuration suppresses single-chunk energy spikes: energy must
	// stay above threshold this long before speech is confirmed.
	MinSpeechDuration time.Duration
	// SilenceDuration is the hang-over before a speech segment ends.
	SilenceDuration time.Duration
	// PrerollChunks is how many recent chunks are retained and flushed when
	// speech is confirmed, so the start of an utterance is not truncated.
	PrerollChunks int
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Threshold:         0.015,
		MinSpeechDuration: 60 * time.Millisecond,
		SilenceDuration:   600 * time.Millisecond,
		PrerollChunks:     3,
	}
}

// Result is the outcome of pushing one chunk. Emit holds the chunks to
// forward downstream: empty during silence, the whole retained window the
// instant speech is confirmed, then each chunk while speaking.
type Result struct {
	State        State
	Energy       float64
	Transitioned bool
	Emit         [][]float32
}

type Detector struct {
	cfg Config

	state          State
	speechStartAt  time.Time
	silenceStartAt time.Time
	preroll        [][]float32
}

func NewDetector(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.PrerollChunks <= 0 {
		cfg.PrerollChunks = DefaultConfig().PrerollChunks
	}
	return &Detector{cfg: cfg, state: StateSilence}
}

// Push advances the state machine with one chunk.
func (d *Detector) Push(chunk []float32, now time.Time) Result {
	energy := audio.RMS(chunk)
	if !d.cfg.Enabled {
		return Result{State: d.state, Energy: energy, Emit: [][]float32{chunk}}
	}

	res := Result{Energy: energy}

	if d.state == StateSpeechEnd {
		// SPEECH_END is transient: the next chunk starts from silence.
		d.reset()
		res.Transitioned = true
	}

	switch d.state {
	case StateSilence:
		d.retain(chunk)
		if energy > d.cfg.Threshold {
			d.state = StateSpeechStart
			d.speechStartAt = now
			res.Transitioned = true
		}

	case StateSpeechStart:
		d.retain(chunk)
		if energy > d.cfg.Threshold {
			if now.Sub(d.speechStartAt) >= d.cfg.MinSpeechDuration {
				d.state = StateSpeaking
				d.silenceStartAt = time.Time{}
				res.Transitioned = true
				res.Emit = d.flush()
			}
		} else {
			// Energy spike too short to be speech. Drop back without
			// forwarding anything.
			d.state = StateSilence
			res.Transitioned = true
		}

	case StateSpeaking:
		res.Emit = [][]float32{chunk}
		if energy <= d.cfg.Threshold {
			if d.silenceStartAt.IsZero() {
				d.silenceStartAt = now
			}
			if now.Sub(d.silenceStartAt) >= d.cfg.SilenceDuration {
				d.state = StateSpeechEnd
				res.Transitioned = true
			}
		} else {
			d.silenceStartAt = time.Time{}
		}
	}

	res.State = d.state
	return res
}

// Reset returns the detector to silence and discards the retained window.
func (d *Detector) Reset() {
	d.reset()
}

func (d *Detector) State() State {
	return d.state
}

func (d *Detector) reset() {
	d.state = StateSilence
	d.speechStartAt = time.Time{}
	d.silenceStartAt = time.Time{}
	d.preroll = nil
}

func (d *Detector) retain(chunk []float32) {
	d.preroll = append(d.preroll, chunk)
	if len(d.preroll) > d.cfg.PrerollChunks {
		d.preroll = d.preroll[len(d.preroll)-d.cfg.PrerollChunks:]
	}
}

func (d *Detector) flush() [][]float32 {
	out := d.preroll
	d.preroll = nil
	return out
}
