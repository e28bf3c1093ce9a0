// Package legacy absorbs the pre-store ad-hoc storage format into the
// state store once at startup, and keeps unported components in sync
// without update feedback loops.
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-statehub/internal/backend"
	"github.com/basket/go-statehub/internal/bus"
	"github.com/basket/go-statehub/internal/state"
)

const defaultInitTimeout = 10 * time.Second

// domainSync describes one semantic domain's two-way sync wiring: the state
// key it mirrors, the source tag its own writes carry, and the fan-out
// topic for unported consumers.
type domainSync struct {
	domain    string
	key       string
	source    state.Source
	topic     string
	eventType string
}

var domainSyncs = []domainSync{
	{"identity", state.KeyUser, state.SourceIdentitySync, bus.TopicLegacyIdentity, "user-changed"},
	{"wallet", state.KeyWalletConnected, state.SourceWalletSync, bus.TopicLegacyWallet, "wallet-changed"},
	{"transaction", state.KeyTransactions, state.SourceTransactionSync, bus.TopicLegacyTransaction, "transactions-changed"},
	{"navigation", state.KeyCurrentSection, state.SourceNavigationSync, bus.TopicLegacyNavigation, "section-changed"},
	{"balance", state.KeyBalance, state.SourceBalanceSync, bus.TopicLegacyBalance, "balance-changed"},
}

// componentSources maps legacy component names onto their sync tags.
var componentSources = map[string]state.Source{
	"identity":    state.SourceIdentitySync,
	"wallet":      state.SourceWalletSync,
	"transaction": state.SourceTransactionSync,
	"navigation":  state.SourceNavigationSync,
	"balance":     state.SourceBalanceSync,
}

// Config holds the dependencies for a Bridge.
type Config struct {
	Store   *state.Store
	Backend backend.Backend
	Bus     *bus.Bus
	Logger  *slog.Logger
	// InitTimeout bounds the wait for store readiness (default 10s).
	InitTimeout time.Duration
}

// Bridge performs the one-time legacy migration and the ongoing loop-safe
// fan-out for components not yet ported to the store.
type Bridge struct {
	store   *state.Store
	backend backend.Backend
	bus     *bus.Bus
	logger  *slog.Logger
	timeout time.Duration
	unsubs  []func()
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	return &Bridge{
		store:   cfg.Store,
		backend: cfg.Backend,
		bus:     cfg.Bus,
		logger:  logger,
		timeout: timeout,
	}
}

// Init waits (bounded) for the store to become ready, registers the
// per-domain sync handlers, then runs the one-shot migration.
func (b *Bridge) Init(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.store.WaitReady(wctx); err != nil {
		return fmt.Errorf("legacy bridge init: %w", err)
	}

	for _, d := range domainSyncs {
		d := d
		unsub := b.store.Subscribe(d.key, func(newValue, _ any, source state.Source) {
			// Updates the domain itself pushed in must not echo back out,
			// or the two sides feed each other forever.
			if source == d.source {
				return
			}
			if b.bus != nil {
				b.bus.Publish(d.topic, bus.LegacyEvent{
					Domain:    d.domain,
					EventType: d.eventType,
					Data:      map[string]any{d.key: newValue, "source": source.String()},
				})
			}
		}, state.SubscribeOptions{})
		b.unsubs = append(b.unsubs, unsub)
	}

	if err := b.MigrateExistingData(ctx); err != nil {
		return err
	}
	b.logger.Info("legacy bridge initialized", "domains", len(domainSyncs))
	return nil
}

// Close removes the bridge's sync handlers.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// MigrateExistingData reads each known legacy key, translates its ad-hoc
// shape into the store schema, and issues exactly one migration-tagged
// SetState. A malformed record skips only its own domain. Safe to call on
// every boot: it re-derives the same target shape from the same superseded
// records.
func (b *Bridge) MigrateExistingData(ctx context.Context) error {
	updates := make(map[string]any)

	if raw, ok := b.readLegacy(ctx, legacyUserKey); ok {
		if user, err := parseUser(raw); err != nil {
			b.logger.Warn("skipping identity migration", "error", err)
		} else {
			updates[state.KeyUser] = user
		}
	}

	if raw, ok := b.readLegacy(ctx, legacyLoggedInKey); ok {
		if loggedIn, err := parseLoggedIn(raw); err != nil {
			b.logger.Warn("skipping login-flag migration", "error", err)
		} else {
			updates[state.KeyIsAuthenticated] = loggedIn
		}
	}

	if raw, ok := b.readLegacy(ctx, legacyWalletKey); ok {
		if connected, balance, err := parseWallet(raw); err != nil {
			b.logger.Warn("skipping wallet migration", "error", err)
		} else {
			updates[state.KeyWalletConnected] = connected
			if balance != nil {
				updates[state.KeyBalance] = balance
			}
		}
	}

	if raw, ok := b.readLegacy(ctx, legacyTransactionsKey); ok {
		if list, err := parseTransactions(raw); err != nil {
			b.logger.Warn("skipping transaction migration", "error", err)
		} else {
			updates[state.KeyTransactions] = list
		}
	}

	if raw, ok := b.readLegacy(ctx, legacyPageKey); ok {
		if page, err := parsePage(raw); err != nil {
			b.logger.Warn("skipping navigation migration", "error", err)
		} else {
			updates[state.KeyCurrentSection] = page
		}
	}

	if len(updates) == 0 {
		return nil
	}
	if !b.store.SetState(ctx, updates, state.SetOptions{
		Persist:  true,
		Notify:   true,
		Validate: true,
		Source:   state.SourceMigration,
	}) {
		return fmt.Errorf("legacy migration rejected by store")
	}
	b.logger.Info("legacy data migrated", "keys", len(updates))
	return nil
}

func (b *Bridge) readLegacy(ctx context.Context, key string) (string, bool) {
	raw, ok, err := b.backend.Get(ctx, key)
	if err != nil {
		b.logger.Warn("read legacy key failed", "key", key, "error", err)
		return "", false
	}
	return raw, ok && raw != ""
}

// UpdateFromComponent applies updates on behalf of a legacy component,
// tagging them with the component's sync source so the bridge's own
// handler does not echo them back.
func (b *Bridge) UpdateFromComponent(ctx context.Context, component string, updates map[string]any) bool {
	source, ok := componentSources[component]
	if !ok {
		source = state.SourceUnknown
	}
	opts := state.DefaultSetOptions()
	opts.Source = source
	return b.store.SetState(ctx, updates, opts)
}

// StateForComponent returns the requested keys (or the whole tree) for a
// legacy component.
func (b *Bridge) StateForComponent(component string, keys ...string) map[string]any {
	if len(keys) == 0 {
		return b.store.State()
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		out[key] = b.store.GetState(key)
	}
	return out
}
