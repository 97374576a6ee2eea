package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies websocket payload variants.
type EventType string

const (
	EventInitializeConnection EventType = "initializeConnection"
	EventSystemPrompt         EventType = "systemPrompt"
	EventAudioInput           EventType = "audioInput"
	EventStopAudio            EventType = "stopAudio"
	EventPromptStart          EventType = "promptStart"
	EventAudioStart           EventType = "audioStart"
)

var ErrUnsupportedEvent = errors.New("unsupported event type")

type Envelope struct {
	Event     EventType       `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type InitializeConnection struct {
	ContextID string `json:"contextId"`
	VoiceID   string `json:"voiceId,omitempty"`
}

type SystemPrompt struct {
	Prompt string `json:"prompt"`
}

type AudioInput struct {
	Audio      string `json:"audio"`
	Seq        uint64 `json:"seq,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type StopAudio struct {
	Reason string `json:"reason,omitempty"`
}

// PromptStart and AudioStart declare no fields; their payloads may be
// absent entirely.
type PromptStart struct{}

type AudioStart struct{}

// Outbound message shapes written by the server.

type SessionReady struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	VoiceID   string `json:"voice_id,omitempty"`
}

type AudioOutput struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id"`
	Seq         uint64 `json:"seq"`
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
}

type TranscriptDelta struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

type Interrupted struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ToolResultEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ErrorEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Err       *Error `json:"error"`
}

const (
	OutboundSessionReady = "sessionReady"
	OutboundAudioOutput  = "audioOutput"
	OutboundTranscript   = "transcript"
	OutboundInterrupted  = "interrupted"
	OutboundToolResult   = "toolResult"
	OutboundError        = "error"
)

// ParseEnvelope decodes only the outer envelope. Payload checks belong to
// the validator so malformed payloads produce structured rejections rather
// than a closed connection.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("invalid envelope: missing event")
	}
	return env, nil
}
