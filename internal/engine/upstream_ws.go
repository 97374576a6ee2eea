package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvass-voice/canvass/internal/audio"
	"github.com/canvass-voice/canvass/internal/tools"
)

// WebsocketUpstream speaks a JSON event protocol to a remote speech model
// over an ordered, reliable websocket.
type WebsocketUpstream struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func NewWebsocketUpstream(url string) *WebsocketUpstream {
	return &WebsocketUpstream{URL: url, HandshakeTimeout: 10 * time.Second}
}

type wsUpstreamOut struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Result      any    `json:"result,omitempty"`
}

type wsUpstreamIn struct {
	Type        string         `json:"type"`
	Seq         uint64         `json:"seq"`
	AudioBase64 string         `json:"audio_base64"`
	SampleRate  int            `json:"sample_rate"`
	Role        string         `json:"role"`
	Text        string         `json:"text"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Code        string         `json:"code"`
	Detail      string         `json:"detail"`
	Retryable   bool           `json:"retryable"`
}

func (u *WebsocketUpstream) StartStream(ctx context.Context, sessionID, voiceID string) (UpstreamStream, error) {
	dialer := *websocket.DefaultDialer
	if u.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = u.HandshakeTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, u.URL, u.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial %s: status %d: %w", u.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream dial %s: %w", u.URL, err)
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan UpstreamEvent, 128),
	}
	if err := s.write(wsUpstreamOut{Type: "start", SessionID: sessionID, VoiceID: voiceID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream start: %w", err)
	}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan UpstreamEvent

	closeOnce sync.Once
}

func (s *wsStream) write(msg wsUpstreamOut) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *wsStream) SendAudio(_ context.Context, pcm []int16, sampleRate int) error {
	return s.write(wsUpstreamOut{
		Type:        "audio",
		AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(pcm)),
		SampleRate:  sampleRate,
	})
}

func (s *wsStream) SendText(_ context.Context, role, text string) error {
	return s.write(wsUpstreamOut{Type: "text", Role: role, Text: text})
}

func (s *wsStream) SendToolResult(_ context.Context, tool string, result tools.Result) error {
	return s.write(wsUpstreamOut{Type: "tool_result", Tool: tool, Result: result})
}

func (s *wsStream) Events() <-chan UpstreamEvent {
	return s.events
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		var in wsUpstreamIn
		if err := s.conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "audio":
			raw, err := base64.StdEncoding.DecodeString(in.AudioBase64)
			if err != nil {
				continue
			}
			s.events <- UpstreamEvent{
				Type:       UpstreamAudio,
				Seq:        in.Seq,
				PCM:        audio.DecodePCM16LE(raw),
				SampleRate: in.SampleRate,
			}
		case "transcript":
			s.events <- UpstreamEvent{Type: UpstreamTranscript, Role: in.Role, Text: in.Text}
		case "tool_use":
			s.events <- UpstreamEvent{Type: UpstreamToolUse, Tool: in.Tool, Params: in.Params}
		case "turn_end":
			s.events <- UpstreamEvent{Type: UpstreamTurnEnd}
		case "error":
			s.events <- UpstreamEvent{Type: UpstreamError, Code: in.Code, Detail: in.Detail, Retryable: in.Retryable}
		}
	}
}
