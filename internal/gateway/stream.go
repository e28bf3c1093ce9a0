package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/go-statehub/internal/bus"
	"github.com/basket/go-statehub/internal/shared"
	"github.com/basket/go-statehub/internal/state"
)

// wsRequest is a client frame on the websocket.
type wsRequest struct {
	Action  string         `json:"action"` // subscribe, unsubscribe, get, set
	Keys    []string       `json:"keys,omitempty"`
	Key     string         `json:"key,omitempty"`
	Updates map[string]any `json:"updates,omitempty"`
	Source  string         `json:"source,omitempty"`
}

// wsMessage is a server frame: either a direct response or a pushed state
// change.
type wsMessage struct {
	Type     string `json:"type"` // state, value, ack, error
	Key      string `json:"key,omitempty"`
	Value    any    `json:"value,omitempty"`
	Previous any    `json:"previous,omitempty"`
	Source   string `json:"source,omitempty"`
	Applied  *bool  `json:"applied,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleWS implements the subscribe side of the consumer contract: clients
// pick state keys and receive (new, previous, source) pushes as they
// change. Set and get are also available so thin clients need only one
// connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	clientID := uuid.NewString()
	ctx := shared.WithClientID(r.Context(), clientID)
	s.logger.Info("ws: client connected", "client", clientID)
	defer func() {
		s.logger.Info("ws: client disconnecting", "client", clientID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// One bus subscription per connection; the key filter is applied here.
	// The filter set is read by the push goroutine, so it is mutex-guarded.
	var subMu sync.Mutex
	subscribed := map[string]bool{}
	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe(bus.TopicStateChangedPrefix)
		defer func() {
			if n := sub.Dropped(); n > 0 {
				s.logger.Warn("ws: slow consumer missed events", "client", clientID, "dropped", n)
			}
			s.cfg.Bus.Unsubscribe(sub)
		}()

		pushCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.forwardChanges(pushCtx, conn, sub, func(key string) bool {
			subMu.Lock()
			defer subMu.Unlock()
			return subscribed[key]
		})
	}

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		switch strings.ToLower(req.Action) {
		case "subscribe":
			subMu.Lock()
			for _, key := range req.Keys {
				subscribed[key] = true
			}
			subMu.Unlock()
			s.writeWS(ctx, conn, wsMessage{Type: "ack"})
		case "unsubscribe":
			subMu.Lock()
			for _, key := range req.Keys {
				delete(subscribed, key)
			}
			subMu.Unlock()
			s.writeWS(ctx, conn, wsMessage{Type: "ack"})
		case "get":
			s.writeWS(ctx, conn, wsMessage{Type: "value", Key: req.Key, Value: s.cfg.Store.GetState(req.Key)})
		case "set":
			opts := state.DefaultSetOptions()
			opts.Source = state.SourceGateway
			if req.Source != "" {
				opts.Source = state.ParseSource(req.Source)
			}
			applied := s.cfg.Store.SetState(ctx, req.Updates, opts)
			s.writeWS(ctx, conn, wsMessage{Type: "ack", Applied: &applied})
		default:
			s.writeWS(ctx, conn, wsMessage{Type: "error", Error: "unknown action " + req.Action})
		}
	}
}

// forwardChanges pushes matching state-change events to the client until
// the connection or the subscription goes away.
func (s *Server) forwardChanges(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, wants func(key string) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			change, ok := event.Payload.(bus.StateChangedEvent)
			if !ok || !wants(change.Key) {
				continue
			}
			s.writeWS(ctx, conn, wsMessage{
				Type:     "state",
				Key:      change.Key,
				Value:    change.Value,
				Previous: change.Previous,
				Source:   change.Source,
			})
		}
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) {
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		s.logger.Debug("ws: write failed", "error", err)
	}
}
