package legacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Legacy durable keys: the ad-hoc, unprefixed records the pre-store code
// wrote straight into the backend. Read once per boot, never written.
const (
	legacyUserKey         = "currentUser"
	legacyLoggedInKey     = "isLoggedIn"
	legacyWalletKey       = "walletData"
	legacyTransactionsKey = "transactions"
	legacyPageKey         = "currentPage"
)

// errMalformed marks a legacy record whose shape cannot be interpreted.
// The domain's migration is skipped; other domains proceed.
var errMalformed = errors.New("legacy: malformed record")

// parseUser interprets the legacy user record: either a JSON object with
// name/email fields or a bare name string.
func parseUser(raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		user := map[string]any{"id": "legacy"}
		for _, field := range []string{"name", "email", "id"} {
			if v, ok := obj[field].(string); ok && v != "" {
				user[field] = v
			}
		}
		if len(user) == 1 {
			return nil, fmt.Errorf("%w: user object has no usable fields", errMalformed)
		}
		return user, nil
	}
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil, fmt.Errorf("%w: empty user record", errMalformed)
	}
	return map[string]any{"id": "legacy", "name": name}, nil
}

// parseLoggedIn interprets the legacy login flag, written variously as a
// bare word or a JSON boolean.
func parseLoggedIn(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("%w: login flag %q", errMalformed, raw)
}

// parseWallet interprets the flat legacy wallet record. Both layouts that
// shipped are accepted: top-level btcBalance/usdBalance fields, or a nested
// balance object.
func parseWallet(raw string) (connected bool, balance map[string]any, err error) {
	var obj map[string]any
	if jerr := json.Unmarshal([]byte(raw), &obj); jerr != nil {
		return false, nil, fmt.Errorf("%w: wallet record: %v", errMalformed, jerr)
	}
	connected, _ = obj["connected"].(bool)

	btc, btcOK := asNumber(obj["btcBalance"])
	usd, usdOK := asNumber(obj["usdBalance"])
	if !btcOK || !usdOK {
		if nested, ok := obj["balance"].(map[string]any); ok {
			btc, btcOK = asNumber(nested["btc"])
			usd, usdOK = asNumber(nested["usd"])
		}
	}
	if !btcOK && !usdOK {
		return connected, nil, nil
	}
	if btc < 0 || usd < 0 {
		return false, nil, fmt.Errorf("%w: negative balance", errMalformed)
	}
	return connected, map[string]any{"btc": btc, "usd": usd}, nil
}

// parseTransactions interprets the legacy transaction list.
func parseTransactions(raw string) ([]any, error) {
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("%w: transaction list: %v", errMalformed, err)
	}
	return list, nil
}

// parsePage interprets the legacy navigation record, a bare section name.
func parsePage(raw string) (string, error) {
	page := strings.Trim(strings.TrimSpace(raw), `"`)
	if page == "" {
		return "", fmt.Errorf("%w: empty page record", errMalformed)
	}
	return page, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
