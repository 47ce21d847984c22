package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/metrics"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/gorilla/websocket"
)

const testToken = "s3cret"

type fakeBackend struct {
	mu     sync.Mutex
	runNow []string
	latest map[string]session.Report
}

func (f *fakeBackend) Status() []TargetStatus {
	return []TargetStatus{{Name: "core", Host: "10.0.0.1", Transport: "udp", Runs: 2}}
}

func (f *fakeBackend) Latest() map[string]session.Report {
	return f.latest
}

func (f *fakeBackend) RunNow(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch target {
	case "core":
		f.runNow = append(f.runNow, target)
		return nil
	case "busy":
		return ErrTargetBusy
	default:
		return ErrUnknownTarget
	}
}

func newTestServer(t *testing.T) (*ControlServer, *fakeBackend, *httptest.Server) {
	t.Helper()
	cfg, err := config.Parse([]byte("targets:\n  - name: core\n    host: 10.0.0.1\n    transport: udp\ncontrol:\n  auth_token: " + testToken + "\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	backend := &fakeBackend{latest: map[string]session.Report{
		"core": {ID: "r1", Target: "10.0.0.1", Status: session.StatusCompleted, Result: quality.Result{MOS: 4.2}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewStatusHub(ctx.Done())
	srv := NewControlServer(cfg, backend, metrics.NewMetrics([]string{"core"}), hub, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, backend, ts
}

func doRequest(t *testing.T, method, url, token string, body []byte) (*http.Response, rpcResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestResultsRequiresAuth(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/results", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/results", "wrong!", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for wrong token", resp.StatusCode)
	}
}

func TestResultsReturnsLatest(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, out := doRequest(t, http.MethodGet, ts.URL+"/results", testToken, nil)
	if resp.StatusCode != http.StatusOK || !out.Ok {
		t.Fatalf("status = %d ok = %v", resp.StatusCode, out.Ok)
	}
	result, ok := out.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", out.Result)
	}
	core, ok := result["core"].(map[string]interface{})
	if !ok || core["id"] != "r1" || core["status"] != "completed" {
		t.Fatalf("unexpected core report: %v", result["core"])
	}
}

func TestIdentityListsTargets(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/identity", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, out := doRequest(t, http.MethodGet, ts.URL+"/identity", testToken, nil)
	if resp.StatusCode != http.StatusOK || !out.Ok {
		t.Fatalf("status = %d ok = %v", resp.StatusCode, out.Ok)
	}
	result, ok := out.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", out.Result)
	}
	targets, ok := result["targets"].([]interface{})
	if !ok || len(targets) != 1 || targets[0] != "core" {
		t.Fatalf("targets = %v", result["targets"])
	}
	if name, _ := result["hostname"].(string); name == "" {
		t.Fatalf("hostname should fall back to the OS hostname")
	}
}

func TestRPCMethods(t *testing.T) {
	_, backend, ts := newTestServer(t)

	resp, out := doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"GetStatus"}`))
	if resp.StatusCode != http.StatusOK || !out.Ok {
		t.Fatalf("GetStatus: %d %v", resp.StatusCode, out.Error)
	}
	status := out.Result.(map[string]interface{})
	if targets := status["targets"].([]interface{}); len(targets) != 1 {
		t.Fatalf("targets = %v", targets)
	}

	_, out = doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"ListTargets"}`))
	list := out.Result.([]interface{})
	entry := list[0].(map[string]interface{})
	if entry["name"] != "core" || entry["transport"] != "udp" {
		t.Fatalf("ListTargets entry = %v", entry)
	}

	resp, out = doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"RunNow","params":{"target":"core"}}`))
	if resp.StatusCode != http.StatusOK || !out.Ok {
		t.Fatalf("RunNow: %d %s", resp.StatusCode, out.Error)
	}
	if len(backend.runNow) != 1 {
		t.Fatalf("backend RunNow not called")
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"RunNow","params":{"target":"missing"}}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown target status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"RunNow","params":{"target":"busy"}}`))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy target status = %d, want 409", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"Nope"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown method status = %d, want 400", resp.StatusCode)
	}
}

func TestRPCRejectsGet(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/rpc", testToken, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRPCRateLimited(t *testing.T) {
	_, _, ts := newTestServer(t)
	limited := false
	for i := 0; i < rpcRateBurst+5; i++ {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/rpc", testToken, []byte(`{"method":"GetStatus"}`))
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("expected rate limiting after burst")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "nqprobe_sessions_total") {
		t.Fatalf("metrics body missing session counter")
	}
}

func TestStatusWebsocketStreamsEvents(t *testing.T) {
	srv, _, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"
	dialer := websocket.Dialer{
		Subprotocols: []string{wsPrimaryProtocol, wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(testToken))},
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg statusMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "snapshot" || msg.Reports["core"].ID != "r1" {
		t.Fatalf("unexpected first message: %+v", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	srv.hub.PublishEvent("core", session.Event{SessionID: "s1", Index: 4, Outcome: quality.Lost()})

	msg = statusMessage{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != "probe" || msg.Target != "core" || msg.Event == nil || msg.Event.Index != 4 || !msg.Event.Outcome.Lost {
		t.Fatalf("unexpected event message: %+v", msg)
	}
}

func TestStatusWebsocketRejectsWithoutToken(t *testing.T) {
	_, _, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := newRateLimiter(1, 2, time.Minute)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("other client should not be limited")
	}
	if rl.Allow("") {
		t.Fatalf("empty key must be rejected")
	}
}
