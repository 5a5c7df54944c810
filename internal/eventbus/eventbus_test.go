package eventbus

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("tag-a", func(e Event, ctx interface{}) { got = e }, nil)

	b.Publish(Event{Tag: "tag-a", Payload: 42})

	if got.Tag != "tag-a" || got.Payload != 42 {
		t.Fatalf("handler did not receive published event: %+v", got)
	}
}

func TestPublishOnlyReachesMatchingTag(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("tag-a", func(Event, interface{}) { calls++ }, nil)

	b.Publish(Event{Tag: "tag-b"})

	if calls != 0 {
		t.Fatalf("handler for tag-a was invoked for tag-b publish")
	}
}

func TestUnsubscribeByContext(t *testing.T) {
	b := New()
	calls := 0
	ctx := &struct{}{}
	b.Subscribe("tag-a", func(Event, interface{}) { calls++ }, ctx)
	b.Unsubscribe("tag-a", ctx)

	b.Publish(Event{Tag: "tag-a"})

	if calls != 0 {
		t.Fatalf("handler still invoked after unsubscribe")
	}
}

func TestHandlerMaySubscribeDuringDispatch(t *testing.T) {
	b := New()
	var secondCalled bool
	var first func(Event, interface{})
	first = func(Event, interface{}) {
		b.Subscribe("tag-a", func(Event, interface{}) { secondCalled = true }, nil)
	}
	b.Subscribe("tag-a", first, nil)

	b.Publish(Event{Tag: "tag-a"})
	if secondCalled {
		t.Fatal("subscription added during dispatch must not run in the same Publish call")
	}

	b.Publish(Event{Tag: "tag-a"})
	if !secondCalled {
		t.Fatal("subscription added during dispatch should run on the next Publish")
	}
}
