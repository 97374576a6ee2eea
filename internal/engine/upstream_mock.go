package engine

import (
	"context"
	"sync"

	"github.com/canvass-voice/canvass/internal/tools"
)

// MockUpstream is the local fallback used when no upstream URL is
// configured, and the double used in tests. It echoes received audio back
// as "synthesized" output after a fixed number of chunks and acknowledges
// text with a canned transcript.
type MockUpstream struct {
	// EchoEvery controls how many audio chunks accumulate before an echo
	// turn is emitted. Zero means 8.
	EchoEvery int
}

func NewMockUpstream() *MockUpstream { return &MockUpstream{} }

func (u *MockUpstream) StartStream(_ context.Context, _ string, _ string) (UpstreamStream, error) {
	every := u.EchoEvery
	if every <= 0 {
		every = 8
	}
	return &mockStream{
		events: make(chan UpstreamEvent, 128),
		every:  every,
	}, nil
}

type mockStream struct {
	mu     sync.Mutex
	events chan UpstreamEvent
	every  int
	chunks int
	seq    uint64
	buf    []int16
	rate   int
	closed bool
}

func (s *mockStream) SendAudio(_ context.Context, pcm []int16, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	s.buf = append(s.buf, pcm...)
	if sampleRate > 0 {
		s.rate = sampleRate
	}
	if s.chunks%s.every == 0 {
		s.emitLocked(UpstreamEvent{Type: UpstreamTranscript, Role: "user", Text: "simulated utterance"})
		echo := make([]int16, len(s.buf))
		copy(echo, s.buf)
		s.buf = s.buf[:0]
		s.emitLocked(UpstreamEvent{Type: UpstreamAudio, Seq: s.seq, PCM: echo, SampleRate: s.rate})
		s.seq++
		s.emitLocked(UpstreamEvent{Type: UpstreamTurnEnd})
	}
	return nil
}

func (s *mockStream) SendText(_ context.Context, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || text == "" {
		return nil
	}
	s.emitLocked(UpstreamEvent{Type: UpstreamTranscript, Role: role, Text: "ack: " + text})
	return nil
}

func (s *mockStream) SendToolResult(_ context.Context, tool string, result tools.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !result.Success {
		s.emitLocked(UpstreamEvent{Type: UpstreamTranscript, Role: "assistant", Text: "tool " + tool + " failed"})
	}
	return nil
}

func (s *mockStream) Events() <-chan UpstreamEvent {
	return s.events
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockStream) emitLocked(ev UpstreamEvent) {
	select {
	case s.events <- ev:
	default:
	}
}
