package state

// Source identifies which subsystem initiated a state update. Sync handlers
// compare it against their own tag to break update feedback loops, so the
// set is closed: unknown strings normalize to SourceUnknown instead of
// silently minting a new tag.
type Source string

const (
	SourceUnknown   Source = "unknown"
	SourceUser      Source = "user"
	SourceGateway   Source = "gateway"
	SourceMigration Source = "migration"
	SourceReset     Source = "reset"
	SourceInternal  Source = "internal"

	// Per-domain sync tags used by the legacy bridge.
	SourceIdentitySync    Source = "identity-sync"
	SourceWalletSync      Source = "wallet-sync"
	SourceTransactionSync Source = "transaction-sync"
	SourceNavigationSync  Source = "navigation-sync"
	SourceBalanceSync     Source = "balance-sync"
)

var knownSources = map[Source]struct{}{
	SourceUnknown:         {},
	SourceUser:            {},
	SourceGateway:         {},
	SourceMigration:       {},
	SourceReset:           {},
	SourceInternal:        {},
	SourceIdentitySync:    {},
	SourceWalletSync:      {},
	SourceTransactionSync: {},
	SourceNavigationSync:  {},
	SourceBalanceSync:     {},
}

// ParseSource maps a string onto the closed tag set. Anything unrecognized
// becomes SourceUnknown.
func ParseSource(s string) Source {
	src := Source(s)
	if _, ok := knownSources[src]; ok {
		return src
	}
	return SourceUnknown
}

func (s Source) String() string {
	return string(s)
}
