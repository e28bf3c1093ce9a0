package bus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStateChangedPrefix)
	defer b.Unsubscribe(sub)

	b.Publish(TopicStateChanged("balance"), StateChangedEvent{Key: "balance"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "state.changed.balance" {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(StateChangedEvent)
		if !ok || payload.Key != "balance" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	default:
		t.Fatalf("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()

	all := b.Subscribe("")
	stateOnly := b.Subscribe(TopicStateChangedPrefix)
	legacyOnly := b.Subscribe("legacy.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(stateOnly)
	defer b.Unsubscribe(legacyOnly)

	b.Publish(TopicStateChanged("user"), nil)

	if len(all.Ch()) != 1 {
		t.Errorf("empty prefix should match everything")
	}
	if len(stateOnly.Ch()) != 1 {
		t.Errorf("matching prefix missed the event")
	}
	if len(legacyOnly.Ch()) != 0 {
		t.Errorf("non-matching prefix received the event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	// Publishing after unsubscribe reaches nobody and does not block.
	b.Publish(TopicStateReset, StateResetEvent{})
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; the excess is dropped, not queued.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicStateChanged("balance"), i)
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered events = %d, want %d", got, defaultBufferSize)
	}
	if got := sub.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}
