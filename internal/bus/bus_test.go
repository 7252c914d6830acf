package bus

import (
	"testing"
	"time"
)

func TestPublishPrefixMatching(t *testing.T) {
	b := New()
	exact := b.Subscribe("job.done.abc")
	prefix := b.Subscribe("job.done.")
	all := b.Subscribe("")
	other := b.Subscribe("notify.")

	b.Publish("job.done.abc", "payload")

	for name, ch := range map[string]chan Event{"exact": exact, "prefix": prefix, "all": all} {
		select {
		case ev := <-ch:
			if ev.Topic != "job.done.abc" {
				t.Fatalf("%s subscriber got topic %q", name, ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber got no event", name)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("non-matching subscriber got event %v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe("topic")
	b.Unsubscribe("topic", ch)

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe("topic", ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	ch := b.Subscribe("t")
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("t", i)
	}
	if got := len(ch); got != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", got, defaultBufferSize)
	}
}
