package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canvass-voice/canvass/internal/bargein"
	"github.com/canvass-voice/canvass/internal/capture"
	"github.com/canvass-voice/canvass/internal/config"
	"github.com/canvass-voice/canvass/internal/engine"
	"github.com/canvass-voice/canvass/internal/httpapi"
	"github.com/canvass-voice/canvass/internal/observability"
	"github.com/canvass-voice/canvass/internal/playback"
	"github.com/canvass-voice/canvass/internal/ratelimit"
	"github.com/canvass-voice/canvass/internal/session"
	"github.com/canvass-voice/canvass/internal/tools"
	"github.com/canvass-voice/canvass/internal/vad"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var store session.Store
	if cfg.DatabaseURL != "" {
		pg, err := session.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres store: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Printf("sessions: postgres store")
	} else {
		store = session.NewMemoryStore()
		log.Printf("sessions: in-memory store")
	}

	sessions := session.NewManager(store, cfg.SessionInactivityTimeout)
	sessions.StartJanitor(ctx, cfg.SessionJanitorInterval)
	defer sessions.StopJanitor()

	limiter := ratelimit.New(ratelimit.Config{
		MaxMessages: cfg.RateLimitMaxMessages,
		Window:      cfg.RateLimitWindow,
	})

	registry := tools.NewRegistry()
	registerSurveyTools(registry, sessions)

	var upstream engine.Upstream
	if cfg.UpstreamURL != "" {
		upstream = engine.NewWebsocketUpstream(cfg.UpstreamURL)
		log.Printf("upstream: websocket %s", cfg.UpstreamURL)
	} else {
		upstream = engine.NewMockUpstream()
		log.Printf("upstream: mock")
	}

	engCfg := engine.Config{
		ReconnectMaxAttempts:  uint64(cfg.ReconnectMaxAttempts),
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		Capture: capture.Config{
			SourceRate:   cfg.CaptureSourceRate,
			TargetRate:   cfg.CaptureTargetRate,
			ChunkSamples: cfg.CaptureTargetRate * cfg.CaptureChunkMS / 1000,
			VAD: vad.Config{
				Enabled:           cfg.VADEnabled,
				Threshold:         cfg.VADThreshold,
				MinSpeechDuration: cfg.VADMinSpeechDuration,
				SilenceDuration:   cfg.VADSilenceDuration,
				PrerollChunks:     cfg.VADPrerollChunks,
			},
		},
		Playback: playback.Config{
			SampleRate:    cfg.PlaybackSampleRate,
			BufferSeconds: cfg.PlaybackBufferSeconds,
			FrameSamples:  cfg.PlaybackSampleRate / 50,
		},
		BargeIn: bargein.Config{
			Threshold:   cfg.BargeInThreshold,
			MinDuration: cfg.BargeInMinDuration,
			Debounce:    cfg.BargeInDebounce,
		},
		RecordDir: cfg.RecordDir,
	}
	handler := engine.NewHandler(engCfg, sessions, limiter, registry, upstream, metrics)

	api := httpapi.New(cfg, sessions, handler, metrics)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.BindAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// registerSurveyTools wires the questionnaire tools the voice model calls
// mid-conversation. Both mutate sessions through the manager so the HTTP
// export surface sees every recorded answer.
func registerSurveyTools(registry *tools.Registry, sessions *session.Manager) {
	registry.Register(tools.Definition{
		Name:        "record_response",
		Description: "Record the respondent's answer for a questionnaire item.",
		InputSchema: tools.Schema{
			Required: []string{"key", "value"},
			Properties: map[string]tools.Property{
				"key":   {Type: "string", Description: "Questionnaire item key."},
				"value": {Type: "string", Description: "The respondent's answer."},
			},
		},
	}, func(ctx context.Context, params map[string]any, tctx tools.Context) (any, error) {
		key, _ := params["key"].(string)
		value, _ := params["value"].(string)
		if key == "" {
			return nil, fmt.Errorf("key must not be empty")
		}
		resp := session.Response{Key: key, Value: value, RecordedAt: time.Now().UTC()}
		if _, err := sessions.Update(ctx, tctx.SessionID, session.Patch{SetResponse: &resp}); err != nil {
			return nil, fmt.Errorf("record response: %w", err)
		}
		return map[string]any{"recorded": key}, nil
	})

	registry.Register(tools.Definition{
		Name:        "advance_step",
		Description: "Move the session to the next questionnaire item.",
		InputSchema: tools.Schema{
			Properties: map[string]tools.Property{
				"step": {Type: "number", Description: "Explicit step index; omit to advance by one."},
			},
		},
	}, func(ctx context.Context, params map[string]any, tctx tools.Context) (any, error) {
		next := tctx.StepIndex + 1
		if v, ok := params["step"].(float64); ok {
			next = int(v)
		}
		if next < 0 {
			return nil, fmt.Errorf("step must not be negative")
		}
		if _, err := sessions.Update(ctx, tctx.SessionID, session.Patch{StepIndex: &next}); err != nil {
			return nil, fmt.Errorf("advance step: %w", err)
		}
		return map[string]any{"step": next}, nil
	})
}
