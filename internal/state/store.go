// Package state owns the canonical in-memory application state tree:
// validated, observable, persisted mutation behind a single Store.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-statehub/internal/audit"
	"github.com/basket/go-statehub/internal/bus"
	otelx "github.com/basket/go-statehub/internal/otel"
	"github.com/basket/go-statehub/internal/persist"
	"github.com/basket/go-statehub/internal/shared"
)

// Config holds the dependencies for a Store.
type Config struct {
	Manager *persist.Manager
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
	Bus     *bus.Bus // may be nil in tests
}

// Store is the single source of truth for application state. The in-memory
// commit is atomic under the store mutex; persistence and notification
// happen after the commit, per key.
//
// Two overlapping SetState calls on the same key race deliberately, as the
// original design did: the later commit wins, and the loser's persistence
// write may still land after the winner's. Callers that need ordering must
// serialize their own writes.
type Store struct {
	mu         sync.RWMutex
	state      map[string]any
	subs       map[string][]*subscription
	middleware []Middleware
	ring       []ErrorEntry

	manager  *persist.Manager
	schemas  *SchemaSet
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	eventBus *bus.Bus

	ready   atomic.Bool
	readyCh chan struct{}
	now     func() time.Time
}

// New creates a Store with the baseline state tree. Call Init before use.
func New(cfg Config) (*Store, error) {
	schemas, err := NewSchemaSet()
	if err != nil {
		return nil, fmt.Errorf("compile key schemas: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Store{
		state:    initialState(),
		subs:     make(map[string][]*subscription),
		manager:  cfg.Manager,
		schemas:  schemas,
		logger:   logger,
		tracer:   tracer,
		metrics:  cfg.Metrics,
		eventBus: cfg.Bus,
		readyCh:  make(chan struct{}),
		now:      time.Now,
	}, nil
}

func (s *Store) baseCtx() context.Context {
	return context.Background()
}

// Init loads persisted state over the defaults and marks the store ready.
// Load failures degrade to defaults and are recorded, never fatal.
func (s *Store) Init(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	if s.manager != nil {
		s.loadPersisted(ctx)
	}
	s.ready.Store(true)
	close(s.readyCh)
	s.logger.Info("state store initialized")
	return nil
}

// Ready reports whether Init has completed.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// WaitReady blocks until Init completes or ctx expires.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("state store not ready: %w", ctx.Err())
	}
}

// GetState returns a defensive copy of one key's value.
func (s *Store) GetState(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.state[key])
}

// State returns a defensive copy of the whole tree.
func (s *Store) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = deepCopy(v)
	}
	return out
}

// SetOptions controls one SetState call.
type SetOptions struct {
	Persist  bool
	Notify   bool
	Validate bool
	Source   Source
}

// DefaultSetOptions returns the standard mutation policy.
func DefaultSetOptions() SetOptions {
	return SetOptions{Persist: true, Notify: true, Validate: true, Source: SourceUnknown}
}

// SetState applies updates through the middleware chain, validates them
// against the key schema table, commits a new state snapshot, persists each
// changed key, and notifies subscribers. Returns false when validation
// rejects the updates; nothing is mutated or persisted in that case. No
// failure escapes as a panic or error: everything is recorded in the error
// ring instead.
func (s *Store) SetState(ctx context.Context, updates map[string]any, opts SetOptions) (applied bool) {
	defer func() {
		if r := recover(); r != nil {
			s.recordError(ErrCodeUpdate, fmt.Sprintf("panic applying update: %v", r))
			applied = false
		}
	}()

	if len(updates) == 0 {
		return true
	}
	if opts.Source == "" {
		opts.Source = SourceUnknown
	}
	if shared.UpdateID(ctx) == "-" {
		ctx = shared.WithUpdateID(ctx, shared.NewUpdateID())
	}
	ctx, span := otelx.StartSpan(ctx, s.tracer, "state.set",
		otelx.AttrSource.String(opts.Source.String()),
		otelx.AttrUpdateID.String(shared.UpdateID(ctx)),
	)
	defer span.End()

	// Middleware sees the committed state plus the updates so far.
	updates = s.applyMiddleware(copyUpdates(updates), s.State())

	if opts.Validate {
		for key, value := range updates {
			if err := s.schemas.Validate(key, value); err != nil {
				s.recordError(ErrCodeUpdate, err.Error())
				if s.metrics != nil {
					s.metrics.UpdatesRejected.Add(ctx, 1)
				}
				s.logger.Warn("state update rejected", "key", key, "source", opts.Source, "error", err)
				return false
			}
		}
	}

	// Commit: replace the whole snapshot so concurrent readers never
	// observe a partial update.
	s.mu.Lock()
	previous := make(map[string]any, len(updates))
	next := make(map[string]any, len(s.state)+len(updates)+1)
	for k, v := range s.state {
		next[k] = v
	}
	for k, v := range updates {
		previous[k] = s.state[k]
		next[k] = deepCopy(v)
	}
	next[KeyLastSync] = float64(s.now().UnixMilli())
	s.state = next
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UpdatesApplied.Add(ctx, int64(len(updates)))
	}

	if opts.Persist && s.manager != nil {
		for key, value := range updates {
			if err := s.manager.Save(ctx, key, value, persist.DefaultSaveOptions()); err != nil {
				// The in-memory commit stands; only the durable copy is stale.
				s.recordError(ErrCodePersistence, fmt.Sprintf("persist %q: %v", key, err))
				s.logger.Error("persist state key failed", "key", key, "error", err)
			}
		}
	}

	if opts.Notify {
		for key, value := range updates {
			s.notifyKey(key, value, previous[key], opts.Source)
			if s.eventBus != nil {
				s.eventBus.Publish(bus.TopicStateChanged(key), bus.StateChangedEvent{
					Key:      key,
					Value:    deepCopy(value),
					Previous: deepCopy(previous[key]),
					Source:   opts.Source.String(),
				})
			}
		}
	}
	return true
}

// loadPersisted merges persisted values over the baseline tree, enforcing
// the invariant keys that must survive any persisted contents.
func (s *Store) loadPersisted(ctx context.Context) {
	defaults := initialState()
	loaded := make(map[string]any, len(persistableKeys))
	for _, key := range persistableKeys {
		loaded[key] = s.manager.Load(ctx, key, persist.LoadOptions{
			Default:   deepCopy(defaults[key]),
			Validate:  true,
			UseBackup: true,
		})
	}

	for key, value := range loaded {
		if err := s.schemas.Validate(key, value); err != nil {
			s.recordError(ErrCodeLoad, fmt.Sprintf("persisted %q invalid, using default: %v", key, err))
			loaded[key] = deepCopy(defaults[key])
		}
	}

	// Invariants regardless of what was persisted: an identity placeholder
	// is always present, and sessions always resume on home.
	if loaded[KeyUser] == nil {
		loaded[KeyUser] = defaultUser()
	}
	loaded[KeyCurrentSection] = sectionHome

	s.mu.Lock()
	for key, value := range loaded {
		s.state[key] = value
	}
	s.mu.Unlock()
}

// PersistAll saves every persistable key's current value. Used by the
// autosave tick and the synchronous teardown flush.
func (s *Store) PersistAll(ctx context.Context) {
	if s.manager == nil {
		return
	}
	snapshot := s.State()
	for _, key := range persistableKeys {
		value, ok := snapshot[key]
		if !ok {
			continue
		}
		if err := s.manager.Save(ctx, key, value, persist.DefaultSaveOptions()); err != nil {
			s.recordError(ErrCodePersistence, fmt.Sprintf("autosave %q: %v", key, err))
			s.logger.Error("autosave key failed", "key", key, "error", err)
		}
	}
}

// Flush persists the full state synchronously; called on teardown so no
// update is lost between autosave ticks.
func (s *Store) Flush(ctx context.Context) {
	s.PersistAll(ctx)
	s.logger.Info("state flushed")
}

// ResetOptions controls Reset.
type ResetOptions struct {
	// ClearPersisted removes every persistable key from durable storage.
	ClearPersisted bool
	// KeepUser carries the current user identity into the fresh tree.
	KeepUser bool
	// Confirm, when non-nil, must return true for the reset to proceed.
	Confirm func() bool
}

// Reset rebuilds the initial state tree and notifies every subscriber of
// the full reset. Returns false if confirmation was declined or clearing
// durable state failed.
func (s *Store) Reset(ctx context.Context, opts ResetOptions) bool {
	if opts.Confirm != nil && !opts.Confirm() {
		audit.Record("reset", "declined", "", "", "state")
		return false
	}

	fresh := initialState()
	if opts.KeepUser {
		if user := s.GetState(KeyUser); user != nil {
			fresh[KeyUser] = user
		}
	}

	if opts.ClearPersisted && s.manager != nil {
		for _, key := range persistableKeys {
			if err := s.manager.Remove(ctx, key, persist.RemoveOptions{Backup: true}); err != nil {
				s.recordError(ErrCodeReset, fmt.Sprintf("clear %q: %v", key, err))
				s.logger.Error("reset: clear persisted key failed", "key", key, "error", err)
				audit.Record("reset", "failure", key, err.Error(), "state")
				return false
			}
		}
	}

	s.mu.Lock()
	previous := s.state
	s.state = fresh
	s.mu.Unlock()

	for key, value := range fresh {
		s.notifyKey(key, value, previous[key], SourceReset)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicStateReset, bus.StateResetEvent{KeptUser: opts.KeepUser})
	}
	s.logger.Info("state reset", "kept_user", opts.KeepUser, "cleared_persisted", opts.ClearPersisted)
	audit.Record("reset", "success", "", fmt.Sprintf("kept_user=%v cleared_persisted=%v", opts.KeepUser, opts.ClearPersisted), "state")
	return true
}

// Errors returns a copy of the recorded error ring, newest last.
func (s *Store) Errors() []ErrorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ErrorEntry, len(s.ring))
	copy(out, s.ring)
	return out
}

// recordError appends to the bounded error ring, mirrors it under the
// "errors" state key, and notifies that key's subscribers directly (the
// normal SetState path would recurse).
func (s *Store) recordError(code ErrorCode, message string) {
	entry := ErrorEntry{Code: code, Message: message, Timestamp: s.now().UnixMilli()}
	audit.Record("state-error", "failure", "", string(code)+": "+message, "state")

	s.mu.Lock()
	s.ring = append(s.ring, entry)
	if len(s.ring) > errorRingCap {
		s.ring = s.ring[len(s.ring)-errorRingCap:]
	}
	previous := s.state[KeyErrors]
	asValues := make([]any, len(s.ring))
	for i, e := range s.ring {
		asValues[i] = e.asValue()
	}
	s.state[KeyErrors] = asValues
	s.mu.Unlock()

	s.notifyKey(KeyErrors, asValues, previous, SourceInternal)
}
