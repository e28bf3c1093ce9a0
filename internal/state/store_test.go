package state

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/go-statehub/internal/audit"
	"github.com/basket/go-statehub/internal/backend"
	"github.com/basket/go-statehub/internal/bus"
	"github.com/basket/go-statehub/internal/persist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *persist.Manager {
	t.Helper()
	return persist.NewManager(persist.Config{
		Backend: backend.NewMemory(),
		Logger:  testLogger(),
	})
}

// newTestStore builds an initialized store over a fresh in-memory backend.
func newTestStore(t *testing.T, manager *persist.Manager) *Store {
	t.Helper()
	if manager == nil {
		manager = testManager(t)
	}
	s, err := New(Config{
		Manager: manager,
		Logger:  testLogger(),
		Bus:     bus.New(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitAppliesBaseline(t *testing.T) {
	s := newTestStore(t, nil)

	if got := s.GetState(KeyCurrentSection); got != sectionHome {
		t.Fatalf("currentSection = %#v, want %q", got, sectionHome)
	}
	user, ok := s.GetState(KeyUser).(map[string]any)
	if !ok || user["id"] != "guest" {
		t.Fatalf("user = %#v, want guest placeholder", s.GetState(KeyUser))
	}
	if got := s.GetState(KeyIsAuthenticated); got != false {
		t.Fatalf("isAuthenticated = %#v, want false", got)
	}
	if got := s.GetState(KeyLastSync); got != nil {
		t.Fatalf("lastSync = %#v, want nil before first update", got)
	}
}

func TestInitLoadsPersistedOverDefaults(t *testing.T) {
	ctx := context.Background()
	manager := testManager(t)

	saved := map[string]any{"btc": 1.25, "usd": 50000.0}
	if err := manager.Save(ctx, KeyBalance, saved, persist.DefaultSaveOptions()); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	// Navigation is persisted but must never resume off the home section.
	if err := manager.Save(ctx, KeyCurrentSection, "wallet", persist.DefaultSaveOptions()); err != nil {
		t.Fatalf("seed section: %v", err)
	}

	s := newTestStore(t, manager)
	if got := s.GetState(KeyBalance); !reflect.DeepEqual(got, saved) {
		t.Fatalf("balance = %#v, want persisted %#v", got, saved)
	}
	if got := s.GetState(KeyCurrentSection); got != sectionHome {
		t.Fatalf("currentSection = %#v, persisted value must not survive init", got)
	}
}

func TestInitInvalidPersistedValueFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	manager := testManager(t)

	// A malformed balance (missing usd) persisted by an older build.
	if err := manager.Save(ctx, KeyBalance, map[string]any{"btc": 1.0}, persist.DefaultSaveOptions()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newTestStore(t, manager)
	want := map[string]any{"btc": float64(0), "usd": float64(0)}
	if got := s.GetState(KeyBalance); !reflect.DeepEqual(got, want) {
		t.Fatalf("balance = %#v, want default", got)
	}
	if errs := s.Errors(); len(errs) == 0 || errs[0].Code != ErrCodeLoad {
		t.Fatalf("expected a recorded load error, got %+v", errs)
	}
}

func TestGetStateReturnsCopies(t *testing.T) {
	s := newTestStore(t, nil)

	got := s.GetState(KeyBalance).(map[string]any)
	got["btc"] = 999.0

	again := s.GetState(KeyBalance).(map[string]any)
	if again["btc"] != float64(0) {
		t.Fatalf("mutating a returned value leaked into the store: %#v", again)
	}
}

func TestSetStateCommitsAndPersists(t *testing.T) {
	ctx := context.Background()
	manager := testManager(t)
	s := newTestStore(t, manager)

	updates := map[string]any{
		KeyBalance:         map[string]any{"btc": 2.0, "usd": 80000.0},
		KeyIsAuthenticated: true,
	}
	if !s.SetState(ctx, updates, DefaultSetOptions()) {
		t.Fatalf("valid update rejected")
	}

	if got := s.GetState(KeyIsAuthenticated); got != true {
		t.Fatalf("isAuthenticated = %#v", got)
	}
	if _, ok := s.GetState(KeyLastSync).(float64); !ok {
		t.Fatalf("lastSync not stamped: %#v", s.GetState(KeyLastSync))
	}

	// The durable copy matches the committed value.
	persisted := manager.Load(ctx, KeyBalance, persist.DefaultLoadOptions())
	if !reflect.DeepEqual(persisted, updates[KeyBalance]) {
		t.Fatalf("persisted balance = %#v", persisted)
	}
}

func TestSetStateValidationRejectsAtomically(t *testing.T) {
	ctx := context.Background()
	manager := testManager(t)
	s := newTestStore(t, manager)

	notified := 0
	s.Subscribe(KeyBalance, func(newValue, previousValue any, source Source) {
		notified++
	}, SubscribeOptions{})

	bad := map[string]any{KeyBalance: map[string]any{"btc": -1.0, "usd": 0.0}}
	if s.SetState(ctx, bad, DefaultSetOptions()) {
		t.Fatalf("negative balance accepted")
	}

	want := map[string]any{"btc": float64(0), "usd": float64(0)}
	if got := s.GetState(KeyBalance); !reflect.DeepEqual(got, want) {
		t.Fatalf("rejected update mutated state: %#v", got)
	}
	if persisted := manager.Load(ctx, KeyBalance, persist.LoadOptions{Default: "absent"}); persisted != "absent" {
		t.Fatalf("rejected update was persisted: %#v", persisted)
	}
	if notified != 0 {
		t.Fatalf("rejected update notified subscribers %d times", notified)
	}
	if errs := s.Errors(); len(errs) == 0 || errs[len(errs)-1].Code != ErrCodeUpdate {
		t.Fatalf("expected a recorded update error, got %+v", errs)
	}
}

func TestSetStateUnknownKeysAreLooselyTyped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	if !s.SetState(ctx, map[string]any{"experimental": map[string]any{"x": 1.0}}, DefaultSetOptions()) {
		t.Fatalf("key without a schema entry was rejected")
	}
	if got := s.GetState("experimental"); got == nil {
		t.Fatalf("unknown key not committed")
	}
}

func TestSubscribeDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	type delivery struct {
		newValue any
		previous any
		source   Source
	}
	var got []delivery
	unsubscribe := s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		got = append(got, delivery{newValue, previousValue, source})
	}, SubscribeOptions{})

	s.SetState(ctx, map[string]any{KeyCurrentSection: "wallet"}, SetOptions{Notify: true, Validate: true, Source: SourceUser})
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].newValue != "wallet" || got[0].previous != sectionHome || got[0].source != SourceUser {
		t.Fatalf("delivery = %+v", got[0])
	}

	unsubscribe()
	s.SetState(ctx, map[string]any{KeyCurrentSection: "settings"}, DefaultSetOptions())
	if len(got) != 1 {
		t.Fatalf("unsubscribed callback still delivered: %d", len(got))
	}
}

func TestSubscribeImmediate(t *testing.T) {
	s := newTestStore(t, nil)

	var immediate []any
	s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		immediate = append(immediate, newValue)
	}, SubscribeOptions{Immediate: true})

	if len(immediate) != 1 || immediate[0] != sectionHome {
		t.Fatalf("immediate delivery = %#v", immediate)
	}
}

func TestSubscribeFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	delivered := 0
	s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		delivered++
	}, SubscribeOptions{
		Filter: func(newValue, previousValue any) bool {
			return newValue == "wallet"
		},
	})

	s.SetState(ctx, map[string]any{KeyCurrentSection: "settings"}, DefaultSetOptions())
	s.SetState(ctx, map[string]any{KeyCurrentSection: "wallet"}, DefaultSetOptions())
	if delivered != 1 {
		t.Fatalf("filtered deliveries = %d, want 1", delivered)
	}
}

func TestPanickingSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	healthy := 0
	s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		panic("subscriber bug")
	}, SubscribeOptions{})
	s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		healthy++
	}, SubscribeOptions{})

	s.SetState(ctx, map[string]any{KeyCurrentSection: "wallet"}, DefaultSetOptions())
	s.SetState(ctx, map[string]any{KeyCurrentSection: "settings"}, DefaultSetOptions())

	// The panicking subscription is gone after the first delivery; the
	// healthy one saw both updates.
	if healthy != 2 {
		t.Fatalf("healthy subscriber deliveries = %d, want 2", healthy)
	}
	if subs := s.subscribersFor(KeyCurrentSection); len(subs) != 1 {
		t.Fatalf("subscriptions remaining = %d, want 1", len(subs))
	}
}

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	var order []string
	s.AddMiddleware(func(updates, current map[string]any) map[string]any {
		order = append(order, "first")
		if section, ok := updates[KeyCurrentSection].(string); ok {
			updates[KeyCurrentSection] = section + "-a"
		}
		return updates
	})
	s.AddMiddleware(func(updates, current map[string]any) map[string]any {
		order = append(order, "second")
		if section, ok := updates[KeyCurrentSection].(string); ok {
			updates[KeyCurrentSection] = section + "-b"
		}
		return updates
	})
	// A nil return leaves the updates unchanged.
	s.AddMiddleware(func(updates, current map[string]any) map[string]any {
		order = append(order, "third")
		return nil
	})

	s.SetState(ctx, map[string]any{KeyCurrentSection: "wallet"}, DefaultSetOptions())

	if !reflect.DeepEqual(order, []string{"first", "second", "third"}) {
		t.Fatalf("order = %v", order)
	}
	if got := s.GetState(KeyCurrentSection); got != "wallet-a-b" {
		t.Fatalf("currentSection = %#v, want transforms applied in order", got)
	}
}

func TestMiddlewareSeesCommittedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	var seen any
	s.AddMiddleware(func(updates, current map[string]any) map[string]any {
		seen = current[KeyCurrentSection]
		return updates
	})

	s.SetState(ctx, map[string]any{KeyCurrentSection: "wallet"}, DefaultSetOptions())
	if seen != sectionHome {
		t.Fatalf("middleware saw %#v, want pre-update state", seen)
	}
}

func TestResetRestoresBaseline(t *testing.T) {
	ctx := context.Background()
	manager := testManager(t)
	s := newTestStore(t, manager)

	s.SetState(ctx, map[string]any{
		KeyUser:            map[string]any{"id": "u1", "name": "Ada"},
		KeyIsAuthenticated: true,
		KeyCurrentSection:  "wallet",
	}, DefaultSetOptions())

	var resetSources []Source
	s.Subscribe(KeyCurrentSection, func(newValue, previousValue any, source Source) {
		resetSources = append(resetSources, source)
	}, SubscribeOptions{})

	if !s.Reset(ctx, ResetOptions{ClearPersisted: true, KeepUser: true}) {
		t.Fatalf("reset did not proceed")
	}

	if got := s.GetState(KeyIsAuthenticated); got != false {
		t.Fatalf("isAuthenticated after reset = %#v", got)
	}
	if got := s.GetState(KeyCurrentSection); got != sectionHome {
		t.Fatalf("currentSection after reset = %#v", got)
	}
	user := s.GetState(KeyUser).(map[string]any)
	if user["id"] != "u1" {
		t.Fatalf("kept user lost in reset: %#v", user)
	}
	if len(resetSources) == 0 || resetSources[len(resetSources)-1] != SourceReset {
		t.Fatalf("reset notifications = %v, want source reset", resetSources)
	}

	// Durable copies are gone too.
	if persisted := manager.Load(ctx, KeyIsAuthenticated, persist.LoadOptions{Default: "absent"}); persisted != "absent" {
		t.Fatalf("persisted value survived reset: %#v", persisted)
	}
}

func TestResetConfirmDeclined(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	s.SetState(ctx, map[string]any{KeyIsAuthenticated: true}, DefaultSetOptions())
	if s.Reset(ctx, ResetOptions{Confirm: func() bool { return false }}) {
		t.Fatalf("reset proceeded despite declined confirmation")
	}
	if got := s.GetState(KeyIsAuthenticated); got != true {
		t.Fatalf("declined reset mutated state: %#v", got)
	}
}

func TestResetAndStateErrorsAudited(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	defer audit.Close()

	s := newTestStore(t, nil)

	// A rejected update lands in the audit log, not just the error ring.
	if s.SetState(ctx, map[string]any{KeyBalance: map[string]any{"btc": -1.0, "usd": 0.0}}, DefaultSetOptions()) {
		t.Fatalf("invalid balance was applied")
	}
	if s.Reset(ctx, ResetOptions{Confirm: func() bool { return false }}) {
		t.Fatalf("declined reset proceeded")
	}
	if !s.Reset(ctx, ResetOptions{}) {
		t.Fatalf("reset did not proceed")
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	log := string(raw)
	for _, want := range []string{
		`"action":"state-error","outcome":"failure"`,
		`"action":"reset","outcome":"declined"`,
		`"action":"reset","outcome":"success"`,
	} {
		if !strings.Contains(log, want) {
			t.Fatalf("audit log missing %s:\n%s", want, log)
		}
	}
}

func TestErrorRingIsBounded(t *testing.T) {
	s := newTestStore(t, nil)

	for i := 0; i < errorRingCap+10; i++ {
		s.recordError(ErrCodeUpdate, "synthetic failure")
	}

	errs := s.Errors()
	if len(errs) != errorRingCap {
		t.Fatalf("ring length = %d, want %d", len(errs), errorRingCap)
	}
	mirrored, ok := s.GetState(KeyErrors).([]any)
	if !ok || len(mirrored) != errorRingCap {
		t.Fatalf("errors key mirror = %#v", s.GetState(KeyErrors))
	}
}

func TestErrorsNotifySubscribers(t *testing.T) {
	s := newTestStore(t, nil)

	var sources []Source
	s.Subscribe(KeyErrors, func(newValue, previousValue any, source Source) {
		sources = append(sources, source)
	}, SubscribeOptions{})

	s.recordError(ErrCodePersistence, "disk full")

	if len(sources) != 1 || sources[0] != SourceInternal {
		t.Fatalf("error notifications = %v", sources)
	}
}

func TestFlushPersistsEverything(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	manager := persist.NewManager(persist.Config{Backend: mem, Logger: testLogger()})
	s := newTestStore(t, manager)

	s.SetState(ctx, map[string]any{KeyIsAuthenticated: true}, SetOptions{Notify: true, Validate: true})
	s.Flush(ctx)

	// A second store over the same backend sees the flushed state.
	reloaded := newTestStore(t, persist.NewManager(persist.Config{Backend: mem, Logger: testLogger()}))
	if got := reloaded.GetState(KeyIsAuthenticated); got != true {
		t.Fatalf("flushed value not visible after reload: %#v", got)
	}
}

func TestParseSourceClosedSet(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"user", SourceUser},
		{"gateway", SourceGateway},
		{"balance-sync", SourceBalanceSync},
		{"", SourceUnknown},
		{"made-up-tag", SourceUnknown},
	}
	for _, tt := range tests {
		if got := ParseSource(tt.in); got != tt.want {
			t.Errorf("ParseSource(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
