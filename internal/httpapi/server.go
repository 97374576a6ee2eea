package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/canvass-voice/canvass/internal/config"
	"github.com/canvass-voice/canvass/internal/observability"
	"github.com/canvass-voice/canvass/internal/protocol"
	"github.com/canvass-voice/canvass/internal/session"
)

// ConnectionRunner is the protocol handler contract the server binds
// websockets to.
type ConnectionRunner interface {
	RunConnection(ctx context.Context, sess *session.Session, inbound <-chan []byte, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   ConnectionRunner
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runner ConnectionRunner, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/complete", s.handleCompleteSession)
	r.Get("/v1/sessions/{id}/responses", s.handleExportResponses)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	count, err := s.sessions.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "sessions": count})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

type createSessionRequest struct {
	QuestionnaireID string `json:"questionnaire_id"`
	VoiceID         string `json:"voice_id,omitempty"`
	SampleRate      int    `json:"sample_rate,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.QuestionnaireID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "questionnaire_id is required")
		return
	}
	if voice := strings.TrimSpace(req.VoiceID); voice != "" && !voiceAllowed(voice) {
		respondError(w, http.StatusBadRequest, string(protocol.CodeMessageInvalid), "voice_id is not in the allowed voice list")
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = s.cfg.CaptureSourceRate
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateParams{
		QuestionnaireID: req.QuestionnaireID,
		VoiceID:         strings.TrimSpace(req.VoiceID),
		Audio: session.AudioConfig{
			SampleRate: req.SampleRate,
			Encoding:   "pcm16",
			Channels:   1,
		},
	})
	if err != nil {
		respondError(w, http.StatusConflict, string(protocol.CodeDuplicateSession), err.Error())
		return
	}
	s.bumpActiveSessions(r.Context())
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, string(protocol.CodeSessionInvalid), "missing session id")
		return
	}
	status := session.StatusCompleted
	sess, err := s.sessions.Update(r.Context(), id, session.Patch{Status: &status})
	if err != nil {
		respondError(w, http.StatusNotFound, string(protocol.CodeSessionNotFound), err.Error())
		return
	}
	s.bumpActiveSessions(r.Context())
	s.metrics.SessionEvents.WithLabelValues("completed").Inc()
	respondJSON(w, http.StatusOK, sess)
}

// handleExportResponses returns the ordered response list; insertion order
// is preserved for export.
func (s *Server) handleExportResponses(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, string(protocol.CodeSessionNotFound), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":       sess.ID,
		"questionnaire_id": sess.QuestionnaireID,
		"status":           sess.Status,
		"step_index":       sess.StepIndex,
		"responses":        sess.Responses,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	var sess *session.Session
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		found, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusNotFound, string(protocol.CodeSessionNotFound), err.Error())
			return
		}
		sess = found
	}
	// Without session_id the connection must open with
	// initializeConnection, which creates the session.

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.bumpActiveSessions(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.runner.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("out", "json").Inc()
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.metrics.WSMessages.WithLabelValues("in", "raw").Inc()
		select {
		case inbound <- raw:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(inbound)
	cancel()
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.bumpActiveSessions(context.Background())
}

func voiceAllowed(id string) bool {
	for _, v := range protocol.AllowedVoiceIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Server) bumpActiveSessions(ctx context.Context) {
	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(len(active)))
}
