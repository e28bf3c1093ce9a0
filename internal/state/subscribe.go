package state

import (
	"time"

	"github.com/google/uuid"
)

// Callback receives a key's new and previous values plus the tag of the
// subsystem that initiated the update. Callbacks run synchronously on the
// mutating goroutine, after the value has been committed (and, when
// requested, durably saved), so reading the store from inside a callback
// observes the new value.
type Callback func(newValue, previousValue any, source Source)

// Filter suppresses a callback when it returns false.
type Filter func(newValue, previousValue any) bool

// SubscribeOptions controls one Subscribe call.
type SubscribeOptions struct {
	// Immediate invokes the callback once synchronously with the current
	// value before Subscribe returns.
	Immediate bool
	// Filter, when non-nil, gates every delivery.
	Filter Filter
}

type subscription struct {
	id        string
	callback  Callback
	filter    Filter
	createdAt time.Time
}

// Subscribe registers a callback for changes to key and returns its
// unsubscribe handle. Subscribers are notified in registration order. A
// panicking subscriber is logged and dropped; the rest still run.
func (s *Store) Subscribe(key string, cb Callback, opts SubscribeOptions) (unsubscribe func()) {
	sub := &subscription{
		id:        uuid.NewString(),
		callback:  cb,
		filter:    opts.Filter,
		createdAt: s.now(),
	}

	s.mu.Lock()
	s.subs[key] = append(s.subs[key], sub)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSubs.Add(s.baseCtx(), 1)
	}

	if opts.Immediate {
		current := s.GetState(key)
		s.deliver(sub, key, current, nil, SourceInternal)
	}

	return func() { s.removeSubscription(key, sub.id) }
}

func (s *Store) removeSubscription(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSubscriptionLocked(key, id)
}

func (s *Store) removeSubscriptionLocked(key, id string) {
	subs := s.subs[key]
	for i, sub := range subs {
		if sub.id == id {
			s.subs[key] = append(subs[:i:i], subs[i+1:]...)
			if s.metrics != nil {
				s.metrics.ActiveSubs.Add(s.baseCtx(), -1)
			}
			return
		}
	}
}

// subscribersFor snapshots key's subscriptions in registration order.
func (s *Store) subscribersFor(key string) []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]*subscription, len(s.subs[key]))
	copy(subs, s.subs[key])
	return subs
}

// deliver invokes one subscriber, applying its filter and containing
// panics. Returns false when the subscription should be dropped.
func (s *Store) deliver(sub *subscription, key string, newValue, previousValue any, source Source) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked, dropping subscription",
				"key", key, "subscription", sub.id, "panic", r)
			ok = false
		}
	}()

	if sub.filter != nil && !sub.filter(newValue, previousValue) {
		return true
	}
	sub.callback(newValue, previousValue, source)
	if s.metrics != nil {
		s.metrics.Notifications.Add(s.baseCtx(), 1)
	}
	return true
}

// notifyKey fans one key's change out to its subscribers, dropping any that
// panic.
func (s *Store) notifyKey(key string, newValue, previousValue any, source Source) {
	for _, sub := range s.subscribersFor(key) {
		if !s.deliver(sub, key, deepCopy(newValue), deepCopy(previousValue), source) {
			s.removeSubscription(key, sub.id)
		}
	}
}
