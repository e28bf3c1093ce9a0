package state

// State keys. Every key has a fixed expected shape enforced by the schema
// table in schema.go.
const (
	KeyUser            = "user"
	KeyIsAuthenticated = "isAuthenticated"
	KeyWalletConnected = "walletConnected"
	KeyBalance         = "balance"
	KeyTransactions    = "transactions"
	KeyAutopayRules    = "autopayRules"
	KeyCurrentSection  = "currentSection"
	KeyErrors          = "errors"
	KeyLastSync        = "lastSync"
)

// sectionHome is the navigation default: sessions never resume on a gate
// screen regardless of what was persisted.
const sectionHome = "home"

// persistableKeys is the fixed, closed set of keys the bulk persist/load
// paths touch. Ephemeral keys (errors, lastSync) stay in memory only.
var persistableKeys = []string{
	KeyUser,
	KeyIsAuthenticated,
	KeyWalletConnected,
	KeyBalance,
	KeyTransactions,
	KeyAutopayRules,
	KeyCurrentSection,
}

// defaultUser is the identity placeholder guaranteed present after any
// load, even when nothing was persisted.
func defaultUser() map[string]any {
	return map[string]any{
		"id":   "guest",
		"name": "Guest",
	}
}

// initialState builds the store's baseline tree.
func initialState() map[string]any {
	return map[string]any{
		KeyUser:            defaultUser(),
		KeyIsAuthenticated: false,
		KeyWalletConnected: false,
		KeyBalance:         map[string]any{"btc": float64(0), "usd": float64(0)},
		KeyTransactions:    []any{},
		KeyAutopayRules:    []any{},
		KeyCurrentSection:  sectionHome,
		KeyErrors:          []any{},
		KeyLastSync:        nil,
	}
}

// deepCopy clones JSON-shaped values so callers can never mutate the
// store's internal tree through a returned reference.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// copyUpdates deep-copies an update map.
func copyUpdates(updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for k, v := range updates {
		out[k] = deepCopy(v)
	}
	return out
}
