package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/canvass-voice/canvass/internal/session"
)

// MaxAudioChunkBytes bounds the decoded size of a single audioInput payload.
const MaxAudioChunkBytes = 1 << 20

// AllowedVoiceIDs is the enumerated voice allow-list for
// initializeConnection.
var AllowedVoiceIDs = []string{"tiffany", "matthew", "amy"}

func voiceAllowed(id string) bool {
	for _, v := range AllowedVoiceIDs {
		if v == id {
			return true
		}
	}
	return false
}

func payloadIsNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ValidateMessage checks an envelope against the schema for its event type
// and returns the decoded payload. The returned value is one of the inbound
// payload structs; a non-nil *Error means the message must be rejected.
func ValidateMessage(env Envelope) (any, *Error) {
	switch env.Event {
	case EventInitializeConnection:
		if len(env.Payload) == 0 || payloadIsNull(env.Payload) {
			return nil, NewError(CodeMessageInvalid, "initializeConnection requires a payload")
		}
		var msg InitializeConnection
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, NewError(CodeMessageInvalid, "initializeConnection payload malformed: %v", err)
		}
		msg.ContextID = strings.TrimSpace(msg.ContextID)
		if msg.ContextID == "" {
			return nil, NewError(CodeMessageInvalid, "initializeConnection requires a non-empty contextId")
		}
		msg.VoiceID = strings.TrimSpace(msg.VoiceID)
		if msg.VoiceID != "" && !voiceAllowed(msg.VoiceID) {
			return nil, NewError(CodeMessageInvalid, "voiceId %q is not in the allowed voice list", msg.VoiceID)
		}
		return msg, nil

	case EventSystemPrompt:
		if len(env.Payload) == 0 || payloadIsNull(env.Payload) {
			return nil, NewError(CodeMessageInvalid, "systemPrompt requires a payload")
		}
		var msg SystemPrompt
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, NewError(CodeMessageInvalid, "systemPrompt payload malformed: %v", err)
		}
		if strings.TrimSpace(msg.Prompt) == "" {
			return nil, NewError(CodeMessageInvalid, "systemPrompt requires non-empty prompt content")
		}
		return msg, nil

	case EventAudioInput:
		if len(env.Payload) == 0 || payloadIsNull(env.Payload) {
			return nil, NewError(CodeMessageInvalid, "audioInput requires a payload")
		}
		var msg AudioInput
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, NewError(CodeMessageInvalid, "audioInput payload malformed: %v", err)
		}
		if verr := ValidateAudioChunk(msg.Audio); verr != nil {
			return nil, verr
		}
		return msg, nil

	case EventStopAudio:
		// Payload is optional; reason rides along when present.
		var msg StopAudio
		if len(env.Payload) > 0 && !payloadIsNull(env.Payload) {
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return nil, NewError(CodeMessageInvalid, "stopAudio payload malformed: %v", err)
			}
		}
		return msg, nil

	case EventPromptStart:
		return PromptStart{}, nil

	case EventAudioStart:
		return AudioStart{}, nil

	default:
		return nil, NewError(CodeMessageInvalid, "unknown event type %q", env.Event)
	}
}

// ValidateAudioChunk enforces the audioInput base64 rules: non-empty,
// 4-aligned, valid charset, decoded size within MaxAudioChunkBytes. All
// failures share the audio_format_invalid kind; the message distinguishes
// oversize payloads from generic format errors.
func ValidateAudioChunk(audioBase64 string) *Error {
	if audioBase64 == "" {
		return NewError(CodeAudioFormatInvalid, "audio format invalid: empty payload")
	}
	if len(audioBase64)%4 != 0 {
		return NewError(CodeAudioFormatInvalid, "audio format invalid: base64 length not a multiple of 4")
	}
	// Size gate before decoding so an oversized payload never allocates.
	if estimated := base64.StdEncoding.DecodedLen(len(audioBase64)); estimated-2 > MaxAudioChunkBytes {
		return NewError(CodeAudioFormatInvalid, "audio format invalid: exceeds maximum size of %d bytes", MaxAudioChunkBytes)
	}
	decoded, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return NewError(CodeAudioFormatInvalid, "audio format invalid: %v", err)
	}
	if len(decoded) > MaxAudioChunkBytes {
		return NewError(CodeAudioFormatInvalid, "audio format invalid: exceeds maximum size of %d bytes", MaxAudioChunkBytes)
	}
	return nil
}

// ValidateSession resolves the three distinct identity failures: a blank
// id, an unknown id, and a session no longer active. Callers react
// differently to each, so the kinds stay separate.
func ValidateSession(id string, s *session.Session) *Error {
	if strings.TrimSpace(id) == "" {
		return NewError(CodeSessionInvalid, "session invalid: missing session id")
	}
	if s == nil {
		return NewError(CodeSessionNotFound, "session not found: %s", id)
	}
	if s.Status != session.StatusActive {
		return NewError(CodeSessionExpired, "session expired: %s (status %s)", id, s.Status)
	}
	return nil
}
