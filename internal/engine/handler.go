// Package engine binds connection lifecycle, message validation, rate
// limiting, session state, and audio routing into the protocol handler.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/canvass-voice/canvass/internal/audio"
	"github.com/canvass-voice/canvass/internal/bargein"
	"github.com/canvass-voice/canvass/internal/capture"
	"github.com/canvass-voice/canvass/internal/observability"
	"github.com/canvass-voice/canvass/internal/playback"
	"github.com/canvass-voice/canvass/internal/protocol"
	"github.com/canvass-voice/canvass/internal/ratelimit"
	"github.com/canvass-voice/canvass/internal/session"
	"github.com/canvass-voice/canvass/internal/tools"
)

// ConnState is the connection lifecycle state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateErrored:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// Reconnection is bounded: after ReconnectMaxAttempts the handler
	// surfaces a fatal connection error instead of retrying forever.
	ReconnectMaxAttempts  uint64
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Capture  capture.Config
	Playback playback.Config
	BargeIn  bargein.Config

	// RecordDir, when set, receives one WAV file of inbound user audio per
	// session on connection close.
	RecordDir string
}

func DefaultConfig() Config {
	return Config{
		ReconnectMaxAttempts:  5,
		ReconnectInitialDelay: 200 * time.Millisecond,
		ReconnectMaxDelay:     5 * time.Second,
		Capture:               capture.DefaultConfig(),
		Playback:              playback.DefaultConfig(),
		BargeIn:               bargein.DefaultConfig(),
	}
}

// Handler is the top-level protocol state machine. All collaborators are
// injected at construction; tests build fresh instances instead of
// resetting globals.
type Handler struct {
	cfg        Config
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	dispatcher tools.Dispatcher
	upstream   Upstream
	metrics    *observability.Metrics

	state atomic.Int32
}

func NewHandler(cfg Config, sessions *session.Manager, limiter *ratelimit.Limiter, dispatcher tools.Dispatcher, upstream Upstream, metrics *observability.Metrics) *Handler {
	return &Handler{
		cfg:        cfg,
		sessions:   sessions,
		limiter:    limiter,
		dispatcher: dispatcher,
		upstream:   upstream,
		metrics:    metrics,
	}
}

func (h *Handler) State() ConnState {
	return ConnState(h.state.Load())
}

func (h *Handler) setState(s ConnState) {
	h.state.Store(int32(s))
}

// conn is the per-connection state owned by one RunConnection call. One
// Session record is logically owned by one conn at a time; all field
// mutation still goes through the session manager.
type conn struct {
	h        *Handler
	outbound chan<- any

	sess *session.Session

	// stream is swapped on reconnection while the capture pump reads it
	// from its own goroutine, so access goes through the mutex.
	streamMu sync.Mutex
	stream   UpstreamStream

	cap      *capture.Pipeline
	play     *playback.Pipeline
	playCmds chan playback.Command
	coord    *bargein.Coordinator

	turnStartedAt time.Time
	gotFirstAudio bool
	recorded      []byte
	recordRate    int
}

// RunConnection processes one client connection to completion. Messages
// arrive in order on inbound and are handled to completion before the
// next; upstream events interleave at the same single point. sess may be
// nil, in which case the connection must begin with initializeConnection.
func (h *Handler) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan []byte, outbound chan<- any) error {
	c := &conn{h: h, outbound: outbound}
	defer c.cleanup()

	if sess != nil {
		if err := c.attach(ctx, sess); err != nil {
			return err
		}
	}

	for {
		var events <-chan UpstreamEvent
		if s := c.currentStream(); s != nil {
			events = s.Events()
		}

		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleRaw(ctx, raw)
		case ev, ok := <-events:
			if !ok {
				if err := c.reattachStream(ctx); err != nil {
					return err
				}
				continue
			}
			c.handleUpstreamEvent(ctx, ev)
		}
	}
}

// attach establishes the upstream stream for a session and builds the
// audio pipelines. This is the CONNECTING -> CONNECTED leg of the state
// machine.
func (c *conn) attach(ctx context.Context, sess *session.Session) error {
	h := c.h
	h.setState(StateConnecting)

	stream, err := h.connectUpstream(ctx, sess)
	if err != nil {
		h.setState(StateErrored)
		c.send(ctx, protocol.ErrorEvent{
			Event:     protocol.OutboundError,
			SessionID: sess.ID,
			Err:       protocol.NewError(protocol.CodeConnectionFailed, "upstream connection failed: %v", err),
		})
		return err
	}

	inID, outID := uuid.NewString(), uuid.NewString()
	updated, uerr := h.sessions.Update(ctx, sess.ID, session.Patch{
		InputStreamID:  &inID,
		OutputStreamID: &outID,
	})
	if uerr != nil {
		stream.Close()
		h.setState(StateErrored)
		return fmt.Errorf("assign stream ids: %w", uerr)
	}

	c.sess = updated
	c.setStream(stream)
	c.recordRate = h.cfg.Capture.SourceRate

	c.cap = capture.NewPipeline(h.cfg.Capture)
	pcfg := h.cfg.Playback
	pcfg.OnUnderflow = func(n int) { h.metrics.PlaybackUnderflows.Add(float64(n)) }
	pcfg.OnDrop = func(n int) { h.metrics.PlaybackDrops.Add(float64(n)) }
	c.play = playback.NewPipeline(pcfg)
	c.playCmds = make(chan playback.Command, 64)
	go c.play.Run(c.playCmds)
	c.coord = bargein.NewCoordinator(h.cfg.BargeIn, func() { c.interrupt(ctx, "barge_in") })
	go c.pumpCapture(ctx)

	h.setState(StateConnected)
	h.metrics.SessionEvents.WithLabelValues("connected").Inc()
	c.send(ctx, protocol.SessionReady{
		Event:     protocol.OutboundSessionReady,
		SessionID: updated.ID,
		VoiceID:   updated.VoiceID,
	})
	return nil
}

// reattachStream re-dials the upstream after its event stream closed. The
// capture pump keeps running across the swap; it re-reads the stream per
// chunk and picks up the replacement as soon as it is installed.
func (c *conn) reattachStream(ctx context.Context) error {
	h := c.h
	if old := c.currentStream(); old != nil {
		old.Close()
	}
	c.setStream(nil)
	h.setState(StateConnecting)
	stream, err := h.connectUpstream(ctx, c.sess)
	if err != nil {
		h.setState(StateErrored)
		c.send(ctx, protocol.ErrorEvent{
			Event:     protocol.OutboundError,
			SessionID: c.sess.ID,
			Err:       protocol.NewError(protocol.CodeConnectionFailed, "upstream reconnection exhausted: %v", err),
		})
		return err
	}
	c.setStream(stream)
	h.setState(StateConnected)
	h.metrics.SessionEvents.WithLabelValues("upstream_reconnected").Inc()
	return nil
}

func (c *conn) setStream(s UpstreamStream) {
	c.streamMu.Lock()
	c.stream = s
	c.streamMu.Unlock()
}

func (c *conn) currentStream() UpstreamStream {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return c.stream
}

// connectUpstream dials with exponential backoff, a capped interval, and a
// fixed maximum attempt count.
func (h *Handler) connectUpstream(ctx context.Context, sess *session.Session) (UpstreamStream, error) {
	bo := backoff.NewExponentialBackOff()
	if h.cfg.ReconnectInitialDelay > 0 {
		bo.InitialInterval = h.cfg.ReconnectInitialDelay
	}
	if h.cfg.ReconnectMaxDelay > 0 {
		bo.MaxInterval = h.cfg.ReconnectMaxDelay
	}
	bo.MaxElapsedTime = 0

	var stream UpstreamStream
	op := func() error {
		s, err := h.upstream.StartStream(ctx, sess.ID, sess.VoiceID)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, h.cfg.ReconnectMaxAttempts), ctx))
	if err != nil {
		return nil, fmt.Errorf("after %d attempts: %w", h.cfg.ReconnectMaxAttempts+1, err)
	}
	return stream, nil
}

// handleRaw runs one inbound message through the full pipeline:
// validation, rate limiting, session-status check, then dispatch. Any
// failing stage short-circuits with a structured error and leaves session
// state untouched.
func (c *conn) handleRaw(ctx context.Context, raw []byte) {
	h := c.h
	start := time.Now()

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.reject(ctx, "", protocol.NewError(protocol.CodeMessageInvalid, "%v", err))
		return
	}
	h.metrics.WSMessages.WithLabelValues("in", string(env.Event)).Inc()

	payload, verr := protocol.ValidateMessage(env)
	h.metrics.ObserveStage("validate", time.Since(start))
	if verr != nil {
		c.reject(ctx, env.SessionID, verr)
		return
	}

	if init, ok := payload.(protocol.InitializeConnection); ok {
		c.handleInit(ctx, init)
		h.metrics.ObserveStage("handle_message", time.Since(start))
		return
	}

	id := env.SessionID
	if id == "" && c.sess != nil {
		id = c.sess.ID
	}

	if !h.limiter.Allow(id) {
		h.metrics.RateLimitRejections.Inc()
		c.reject(ctx, id, h.limiter.LimitError(id))
		return
	}

	sess, gerr := h.sessions.Get(ctx, id)
	if gerr != nil {
		sess = nil
	}
	if verr := protocol.ValidateSession(id, sess); verr != nil {
		c.reject(ctx, id, verr)
		return
	}
	if c.sess == nil || c.sess.ID != id {
		c.reject(ctx, id, protocol.NewError(protocol.CodeSessionInvalid,
			"session invalid: connection is not bound to session %s", id))
		return
	}
	if err := h.sessions.Touch(ctx, id); err != nil {
		log.Printf("touch session %s: %v", id, err)
	}

	switch m := payload.(type) {
	case protocol.SystemPrompt:
		c.handleSystemPrompt(ctx, m)
	case protocol.AudioInput:
		c.handleAudioInput(ctx, m)
	case protocol.StopAudio:
		c.handleStopAudio(ctx, m)
	case protocol.PromptStart:
		c.turnStartedAt = time.Now()
		c.gotFirstAudio = false
	case protocol.AudioStart:
		if c.cap != nil {
			c.cap.Resume()
		}
	}
	h.metrics.ObserveStage("handle_message", time.Since(start))
}

func (c *conn) handleInit(ctx context.Context, init protocol.InitializeConnection) {
	if c.sess != nil {
		c.reject(ctx, c.sess.ID, protocol.NewError(protocol.CodeDuplicateSession,
			"connection already initialized for session %s", c.sess.ID))
		return
	}
	sess, err := c.h.sessions.Create(ctx, session.CreateParams{
		QuestionnaireID: init.ContextID,
		VoiceID:         init.VoiceID,
		Audio: session.AudioConfig{
			SampleRate: c.h.cfg.Capture.SourceRate,
			Encoding:   "pcm16",
			Channels:   1,
		},
	})
	if err != nil {
		if err == session.ErrDuplicate {
			c.reject(ctx, "", protocol.NewError(protocol.CodeDuplicateSession, "session already exists"))
			return
		}
		c.reject(ctx, "", protocol.NewError(protocol.CodeConnectionFailed, "create session: %v", err))
		return
	}
	c.h.metrics.SessionEvents.WithLabelValues("created").Inc()
	if err := c.attach(ctx, sess); err != nil {
		log.Printf("session %s: attach failed: %v", sess.ID, err)
	}
}

func (c *conn) handleSystemPrompt(ctx context.Context, m protocol.SystemPrompt) {
	turn := session.Turn{Role: "system", Text: m.Prompt, At: time.Now().UTC()}
	if _, err := c.h.sessions.Update(ctx, c.sess.ID, session.Patch{AppendTurn: &turn}); err != nil {
		log.Printf("session %s: record system prompt: %v", c.sess.ID, err)
	}
	if err := c.currentStream().SendText(ctx, "system", m.Prompt); err != nil {
		c.reject(ctx, c.sess.ID, protocol.NewError(protocol.CodeConnectionFailed, "forward system prompt: %v", err))
	}
}

func (c *conn) handleAudioInput(ctx context.Context, m protocol.AudioInput) {
	raw, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		// The validator already checked this; a failure here is a bug.
		c.reject(ctx, c.sess.ID, protocol.NewError(protocol.CodeAudioFormatInvalid, "audio format invalid: %v", err))
		return
	}
	now := time.Now()
	samples := audio.Float32FromPCM16(audio.DecodePCM16LE(raw))

	// Barge-in watches raw capture energy on chunk cadence, before any
	// VAD gating, so it can preempt playback even while capture is paused.
	c.coord.Observe(audio.RMS(samples), now)

	if c.h.cfg.RecordDir != "" {
		c.recorded = append(c.recorded, raw...)
		if m.SampleRate > 0 {
			c.recordRate = m.SampleRate
		}
	}
	c.cap.Push(samples, now)
}

func (c *conn) handleStopAudio(ctx context.Context, m protocol.StopAudio) {
	reason := m.Reason
	if reason == "" {
		reason = "client_stop"
	}
	c.interrupt(ctx, reason)
}

// interrupt is the playback cancellation primitive: it stops the current
// source immediately, clears buffered audio, and notifies the session
// state machine. It completes without any network round-trip.
func (c *conn) interrupt(ctx context.Context, reason string) {
	start := time.Now()
	c.playCmds <- playback.BargeIn{Reason: reason}
	c.coord.SetPlaybackActive(false)
	c.cap.Resume()
	c.h.metrics.BargeIns.Inc()
	c.h.metrics.ObserveStage("barge_in", time.Since(start))
	c.send(ctx, protocol.Interrupted{
		Event:     protocol.OutboundInterrupted,
		SessionID: c.sess.ID,
		Reason:    reason,
	})
}

func (c *conn) handleUpstreamEvent(ctx context.Context, ev UpstreamEvent) {
	h := c.h
	switch ev.Type {
	case UpstreamAudio:
		if !c.gotFirstAudio && !c.turnStartedAt.IsZero() {
			d := time.Since(c.turnStartedAt)
			h.metrics.ObserveFirstAudioLatency(d)
			h.metrics.ObserveStage("first_audio", d)
			c.gotFirstAudio = true
		}
		c.playCmds <- playback.PushAudio{Seq: ev.Seq, PCM: ev.PCM, SampleRate: ev.SampleRate}
		c.coord.SetPlaybackActive(true)
		// Echo suppression: the local mic stream keeps its cadence but
		// goes silent while the remote party is speaking.
		c.cap.Pause()
		c.send(ctx, protocol.AudioOutput{
			Event:       protocol.OutboundAudioOutput,
			SessionID:   c.sess.ID,
			Seq:         ev.Seq,
			AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(ev.PCM)),
			SampleRate:  ev.SampleRate,
		})
		h.metrics.WSMessages.WithLabelValues("out", protocol.OutboundAudioOutput).Inc()

	case UpstreamTranscript:
		turn := session.Turn{Role: ev.Role, Text: ev.Text, At: time.Now().UTC()}
		if _, err := h.sessions.Update(ctx, c.sess.ID, session.Patch{AppendTurn: &turn}); err != nil {
			log.Printf("session %s: append transcript: %v", c.sess.ID, err)
		}
		c.send(ctx, protocol.TranscriptDelta{
			Event:     protocol.OutboundTranscript,
			SessionID: c.sess.ID,
			Role:      ev.Role,
			Text:      ev.Text,
		})

	case UpstreamToolUse:
		c.executeTool(ctx, ev.Tool, ev.Params)

	case UpstreamTurnEnd:
		c.coord.SetPlaybackActive(false)
		c.cap.Resume()
		c.turnStartedAt = time.Time{}

	case UpstreamError:
		c.send(ctx, protocol.ErrorEvent{
			Event:     protocol.OutboundError,
			SessionID: c.sess.ID,
			Err:       &protocol.Error{Code: protocol.ErrorCode(ev.Code), Message: ev.Detail},
		})
	}
}

// executeTool validates and runs one tool request from the upstream model.
// Failures are surfaced as non-success results, never as a dead session.
func (c *conn) executeTool(ctx context.Context, name string, params map[string]any) {
	h := c.h
	tctx := tools.Context{
		SessionID:       c.sess.ID,
		QuestionnaireID: c.sess.QuestionnaireID,
		StepIndex:       c.sess.StepIndex,
	}
	var res tools.Result
	if verr := c.validateToolParams(name, params); verr != nil {
		res = tools.Result{Success: false, Error: verr.Error()}
	} else {
		var err error
		res, err = h.dispatcher.Execute(ctx, name, params, tctx)
		if err != nil {
			res = tools.Result{Success: false, Error: err.Error()}
		}
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	h.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()

	c.send(ctx, protocol.ToolResultEvent{
		Event:     protocol.OutboundToolResult,
		SessionID: c.sess.ID,
		Tool:      name,
		Success:   res.Success,
		Data:      res.Data,
		Error:     res.Error,
	})
	if !res.Success {
		c.send(ctx, protocol.ErrorEvent{
			Event:     protocol.OutboundError,
			SessionID: c.sess.ID,
			Err:       protocol.NewError(protocol.CodeToolExecutionFailed, "tool %s: %s", name, res.Error),
		})
	}
	if serr := c.currentStream().SendToolResult(ctx, name, res); serr != nil {
		log.Printf("session %s: send tool result: %v", c.sess.ID, serr)
	}
}

// validateToolParams checks a tool request against the declared schema
// before the dispatcher runs, so the guarantee does not depend on which
// Dispatcher implementation is injected. Names the dispatcher does not
// declare are left for it to refuse.
func (c *conn) validateToolParams(name string, params map[string]any) error {
	for _, def := range c.h.dispatcher.ListToolDefinitions() {
		if def.Name == name {
			return tools.ValidateParams(def.InputSchema, params)
		}
	}
	return nil
}

// pumpCapture forwards gated capture chunks to the upstream stream. It
// outlives any single stream: the pointer is re-read per chunk, and a send
// failure drops that chunk instead of killing the pump, so the mic path
// resumes on the replacement stream after a reconnect.
func (c *conn) pumpCapture(ctx context.Context) {
	for chunk := range c.cap.Chunks() {
		stream := c.currentStream()
		if stream == nil {
			continue
		}
		if err := stream.SendAudio(ctx, chunk.PCM, chunk.SampleRate); err != nil {
			log.Printf("session %s: send audio chunk %d: %v", c.sess.ID, chunk.Seq, err)
		}
	}
}

func (c *conn) reject(ctx context.Context, sessionID string, verr *protocol.Error) {
	c.h.metrics.ValidationFailures.WithLabelValues(string(verr.Code)).Inc()
	c.send(ctx, protocol.ErrorEvent{
		Event:     protocol.OutboundError,
		SessionID: sessionID,
		Err:       verr,
	})
}

func (c *conn) send(ctx context.Context, msg any) {
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	}
}

func (c *conn) cleanup() {
	h := c.h
	if s := c.currentStream(); s != nil {
		s.Close()
	}
	if c.cap != nil {
		c.cap.Close()
	}
	if c.playCmds != nil {
		close(c.playCmds)
	}
	if c.sess != nil {
		h.limiter.Reset(c.sess.ID)
		h.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
		if h.cfg.RecordDir != "" && len(c.recorded) > 0 {
			path := filepath.Join(h.cfg.RecordDir, c.sess.ID+".wav")
			if err := audio.WriteWAVPCM16LEFile(path, c.recorded, c.recordRate); err != nil {
				log.Printf("session %s: write recording: %v", c.sess.ID, err)
			}
		}
	}
	h.setState(StateDisconnected)
}
