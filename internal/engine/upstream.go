package engine

import (
	"context"

	"github.com/canvass-voice/canvass/internal/tools"
)

type UpstreamEventType string

const (
	UpstreamAudio      UpstreamEventType = "audio"
	UpstreamTranscript UpstreamEventType = "transcript"
	UpstreamToolUse    UpstreamEventType = "tool_use"
	UpstreamTurnEnd    UpstreamEventType = "turn_end"
	UpstreamError      UpstreamEventType = "error"
)

// UpstreamEvent is one event from the speech model stream. Fields are
// populated per Type.
type UpstreamEvent struct {
	Type UpstreamEventType

	// UpstreamAudio
	Seq        uint64
	PCM        []int16
	SampleRate int

	// UpstreamTranscript
	Role string
	Text string

	// UpstreamToolUse
	Tool   string
	Params map[string]any

	// UpstreamError
	Code      string
	Detail    string
	Retryable bool
}

// UpstreamStream is one live bidirectional stream to the speech model.
// Events is closed when the stream ends.
type UpstreamStream interface {
	SendAudio(ctx context.Context, pcm []int16, sampleRate int) error
	SendText(ctx context.Context, role, text string) error
	SendToolResult(ctx context.Context, tool string, result tools.Result) error
	Events() <-chan UpstreamEvent
	Close() error
}

// Upstream opens model streams. Which speech model sits behind it is not
// this package's business; anything honoring the stream contract works.
type Upstream interface {
	StartStream(ctx context.Context, sessionID, voiceID string) (UpstreamStream, error)
}
