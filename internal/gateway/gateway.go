// Package gateway exposes the store's public contract (get, set,
// subscribe) to UI consumers over HTTP and websocket. UI internals stay
// outside this repo; the gateway is only the transport.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-statehub/internal/bus"
	otelx "github.com/basket/go-statehub/internal/otel"
	"github.com/basket/go-statehub/internal/state"
)

// Config holds the dependencies for a gateway Server.
type Config struct {
	Store  *state.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer

	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is exposed on the status endpoint.
	ConfigFingerprint string
}

// Server serves the state contract.
type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a gateway Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer}
}

// Handler returns the HTTP handler for the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/errors", s.handleErrors)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Serve runs an HTTP server on addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  s.cfg.Store.Ready(),
		"config": s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if key := r.URL.Query().Get("key"); key != "" {
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": s.cfg.Store.GetState(key)})
			return
		}
		writeJSON(w, http.StatusOK, s.cfg.Store.State())

	case http.MethodPost:
		var req struct {
			Updates map[string]any `json:"updates"`
			Source  string         `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updates) == 0 {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		ctx, span := otelx.StartServerSpan(r.Context(), s.tracer, "gateway.set")
		defer span.End()

		opts := state.DefaultSetOptions()
		opts.Source = state.SourceGateway
		if req.Source != "" {
			opts.Source = state.ParseSource(req.Source)
		}
		applied := s.cfg.Store.SetState(ctx, req.Updates, opts)
		status := http.StatusOK
		if !applied {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"applied": applied})

	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Store.Errors())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
