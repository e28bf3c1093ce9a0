package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-statehub/internal/backend"
	"github.com/basket/go-statehub/internal/bus"
	"github.com/basket/go-statehub/internal/persist"
	"github.com/basket/go-statehub/internal/state"
)

const testToken = "test-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *state.Store) {
	t.Helper()
	ctx := context.Background()

	manager := persist.NewManager(persist.Config{Backend: backend.NewMemory(), Logger: testLogger()})
	eventBus := bus.New()
	store, err := state.New(state.Config{Manager: manager, Logger: testLogger(), Bus: eventBus})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}

	srv := New(Config{
		Store:             store,
		Bus:               eventBus,
		Logger:            testLogger(),
		AuthToken:         testToken,
		ConfigFingerprint: "fp-test",
	})
	return srv, store
}

func authedRequest(method, url string, body []byte) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestHealthzIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["ready"] != true || body["config"] != "fp-test" {
		t.Fatalf("body = %#v", body)
	}
}

func TestStateRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong token", "Bearer nope"},
		{"empty bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestEmptyConfiguredTokenDeniesEverything(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AuthToken = ""

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when no token is configured", rec.Code)
	}
}

func TestGetStateByKey(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/state?key=currentSection", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["key"] != "currentSection" || body["value"] != "home" {
		t.Fatalf("body = %#v", body)
	}
}

func TestGetWholeState(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/state", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"user", "balance", "currentSection"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("whole state missing %q: %#v", key, body)
		}
	}
}

func TestPostStateApplies(t *testing.T) {
	srv, store := newTestServer(t)

	payload := []byte(`{"updates":{"currentSection":"wallet"},"source":"user"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/state", payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := store.GetState(state.KeyCurrentSection); got != "wallet" {
		t.Fatalf("state not applied: %#v", got)
	}
}

func TestPostStateRejectedByValidation(t *testing.T) {
	srv, store := newTestServer(t)

	payload := []byte(`{"updates":{"balance":{"btc":-1,"usd":0}}}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/state", payload))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if got := store.GetState(state.KeyBalance).(map[string]any); got["btc"] != float64(0) {
		t.Fatalf("rejected update mutated state: %#v", got)
	}
}

func TestPostStateBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, payload := range []string{"{not json", `{"updates":{}}`} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/state", []byte(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %q: status = %d, want 400", payload, rec.Code)
		}
	}
}

func TestErrorsEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	// Provoke a recorded error through a rejected update.
	store.SetState(context.Background(),
		map[string]any{state.KeyIsAuthenticated: "not-a-bool"}, state.DefaultSetOptions())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/errors", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var errs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &errs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(errs) != 1 || errs[0]["code"] != string(state.ErrCodeUpdate) {
		t.Fatalf("errors = %#v", errs)
	}
}

func TestWebsocketSubscribeAndSet(t *testing.T) {
	srv, store := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Subscribe to the section key.
	if err := wsjson.Write(ctx, conn, wsRequest{Action: "subscribe", Keys: []string{state.KeyCurrentSection}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var ack wsMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "ack" {
		t.Fatalf("ack = %+v", ack)
	}

	// A store-side update is pushed to the subscriber.
	store.SetState(ctx, map[string]any{state.KeyCurrentSection: "wallet"}, state.DefaultSetOptions())

	var push wsMessage
	if err := wsjson.Read(ctx, conn, &push); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if push.Type != "state" || push.Key != state.KeyCurrentSection || push.Value != "wallet" {
		t.Fatalf("push = %+v", push)
	}

	// Set through the socket.
	if err := wsjson.Write(ctx, conn, wsRequest{
		Action:  "set",
		Updates: map[string]any{state.KeyIsAuthenticated: true},
		Source:  "user",
	}); err != nil {
		t.Fatalf("write set: %v", err)
	}
	// The set produces an ack; an isAuthenticated push is not expected
	// since only currentSection was subscribed.
	var setAck wsMessage
	if err := wsjson.Read(ctx, conn, &setAck); err != nil {
		t.Fatalf("read set ack: %v", err)
	}
	if setAck.Type != "ack" || setAck.Applied == nil || !*setAck.Applied {
		t.Fatalf("set ack = %+v", setAck)
	}
	if got := store.GetState(state.KeyIsAuthenticated); got != true {
		t.Fatalf("ws set not applied: %#v", got)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.URL+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer wrong"}},
	})
	if err == nil {
		t.Fatalf("dial succeeded with bad token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
