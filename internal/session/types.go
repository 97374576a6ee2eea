package session

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// AudioConfig is the negotiated audio format for one session.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Channels   int    `json:"channels"`
}

// Turn is one append-only conversation history entry.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Response is one recorded answer. Responses are keyed uniquely but their
// insertion order is preserved for export.
type Response struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Session is the stateful record of one ongoing voice interaction. All
// mutation goes through the Manager, which serializes writes per id.
type Session struct {
	ID              string      `json:"session_id"`
	QuestionnaireID string      `json:"questionnaire_id"`
	VoiceID         string      `json:"voice_id,omitempty"`
	Audio           AudioConfig `json:"audio"`
	Status          Status      `json:"status"`
	StepIndex       int         `json:"step_index"`
	Responses       []Response  `json:"responses"`
	History         []Turn      `json:"history"`
	InputStreamID   string      `json:"input_stream_id,omitempty"`
	OutputStreamID  string      `json:"output_stream_id,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
}

// ResponseValue returns the recorded value for key, if any.
func (s *Session) ResponseValue(key string) (any, bool) {
	for i := range s.Responses {
		if s.Responses[i].Key == key {
			return s.Responses[i].Value, true
		}
	}
	return nil, false
}

func (s *Session) clone() *Session {
	c := *s
	c.Responses = append([]Response(nil), s.Responses...)
	c.History = append([]Turn(nil), s.History...)
	return &c
}
