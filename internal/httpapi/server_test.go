package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvass-voice/canvass/internal/config"
	"github.com/canvass-voice/canvass/internal/observability"
	"github.com/canvass-voice/canvass/internal/session"
)

func newTestMetrics(prefix string) *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d", prefix, time.Now().UnixNano()))
}

// echoRunner bridges without a real engine: every inbound frame comes back
// on outbound as a raw string.
type echoRunner struct{}

func (echoRunner) RunConnection(ctx context.Context, _ *session.Session, inbound <-chan []byte, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			outbound <- map[string]string{"echo": string(raw)}
		}
	}
}

func newTestServer(t *testing.T, prefix string) (*Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		CaptureSourceRate: 48000,
		AllowAnyOrigin:    true,
	}
	sessions := session.NewManager(session.NewMemoryStore(), 2*time.Minute)
	return New(cfg, sessions, echoRunner{}, newTestMetrics(prefix)), sessions
}

func TestCreateCompleteAndExport(t *testing.T) {
	srv, sessions := newTestServer(t, "lifecycle")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"questionnaire_id": "q-2026", "voice_id": "amy"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.Session
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.Status != session.StatusActive {
		t.Fatalf("created session = %+v", created)
	}

	resp := session.Response{Key: "party", Value: "green", RecordedAt: time.Now().UTC()}
	if _, err := sessions.Update(context.Background(), created.ID, session.Patch{SetResponse: &resp}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	completeRes, err := http.Post(ts.URL+"/v1/sessions/"+created.ID+"/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("complete request error = %v", err)
	}
	defer completeRes.Body.Close()
	if completeRes.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", completeRes.StatusCode, http.StatusOK)
	}

	exportRes, err := http.Get(ts.URL + "/v1/sessions/" + created.ID + "/responses")
	if err != nil {
		t.Fatalf("export request error = %v", err)
	}
	defer exportRes.Body.Close()
	var export map[string]any
	if err := json.NewDecoder(exportRes.Body).Decode(&export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export["status"] != string(session.StatusCompleted) {
		t.Fatalf("export status = %v, want completed", export["status"])
	}
	responses, _ := export["responses"].([]any)
	if len(responses) != 1 {
		t.Fatalf("export responses = %v, want one entry", export["responses"])
	}
}

func TestCreateSessionRequiresQuestionnaire(t *testing.T) {
	srv, _ := newTestServer(t, "validate")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "unknown")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/sessions/ghost/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, "health")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestSessionWSBridges(t *testing.T) {
	srv, _ := newTestServer(t, "ws")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("ws write error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ws read error = %v", err)
	}
	if reply["echo"] != "ping" {
		t.Fatalf("ws reply = %v, want echo of ping", reply)
	}
}

func TestSessionWSUnknownSessionID(t *testing.T) {
	srv, _ := newTestServer(t, "wsunknown")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/sessions/ws?session_id=ghost")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
