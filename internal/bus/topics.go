package bus

// State change topics. The concrete topic is the prefix plus the state key,
// e.g. "state.changed.balance".
const (
	TopicStateChangedPrefix = "state.changed."
	TopicStateReset         = "state.reset"
)

// Legacy fan-out topics, one per semantic domain. The bridge publishes on
// these so components not yet ported to the store keep receiving updates.
const (
	TopicLegacyIdentity    = "legacy.identity"
	TopicLegacyWallet      = "legacy.wallet"
	TopicLegacyTransaction = "legacy.transaction"
	TopicLegacyNavigation  = "legacy.navigation"
	TopicLegacyBalance     = "legacy.balance"
)

// TopicStateChanged returns the state-change topic for a key.
func TopicStateChanged(key string) string {
	return TopicStateChangedPrefix + key
}

// StateChangedEvent is published after a key's value has been committed
// (and, when requested, persisted).
type StateChangedEvent struct {
	Key      string // State key that changed
	Value    any    // New committed value
	Previous any    // Value before the update
	Source   string // Update-origin tag
}

// StateResetEvent is published after a full store reset.
type StateResetEvent struct {
	KeptUser bool // Whether the user identity survived the reset
}

// LegacyEvent is the bridge's re-broadcast payload for unported components.
type LegacyEvent struct {
	Domain    string         // Semantic domain (identity, wallet, ...)
	EventType string         // Domain-specific event name
	Data      map[string]any // Translated payload in the legacy shape
}
