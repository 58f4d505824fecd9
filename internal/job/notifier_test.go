package job

import (
	"errors"
	"testing"
)

func activeJob(t *testing.T, reg *Registry) string {
	t.Helper()
	s := reg.Admit(Params{URL: "https://example.com/v"})
	if _, ok := reg.Dispatch(1, "Starting"); !ok {
		t.Fatalf("dispatch failed")
	}
	return s.ID
}

func TestNotifier_SubscribeUnknown(t *testing.T) {
	n := NewNotifier(NewRegistry())
	if _, err := n.Subscribe("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNotifier_FirstValueIsCurrentSnapshot(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg)
	id := activeJob(t, reg)
	reg.Update(id, progressDelta(42, "Downloading: 40.0%"))

	sub, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer n.Unsubscribe(sub)

	first := <-sub.C
	if first.Progress != 42 || first.Status != StatusActive {
		t.Fatalf("first = %+v, want current snapshot", first)
	}
}

func TestNotifier_DeliversInPublishOrder(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg)
	id := activeJob(t, reg)

	sub, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer n.Unsubscribe(sub)
	<-sub.C

	want := []float64{10, 25, 60, 90}
	for _, p := range want {
		reg.Update(id, progressDelta(p, "x"))
	}
	for i, p := range want {
		got := <-sub.C
		if got.Progress != p {
			t.Fatalf("update %d progress = %v, want %v", i, got.Progress, p)
		}
	}
}

func TestNotifier_SlowListenerKeepsNewest(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg)
	id := activeJob(t, reg)

	slow, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer n.Unsubscribe(slow)
	fast, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer n.Unsubscribe(fast)
	<-fast.C

	// slow never reads while the job publishes more than its buffer holds
	const updates = DefaultSubscriptionBuffer + 6
	for i := 1; i <= updates; i++ {
		reg.Update(id, progressDelta(float64(i), "x"))
		if got := <-fast.C; got.Progress != float64(i) {
			t.Fatalf("fast listener progress = %v, want %d", got.Progress, i)
		}
	}
	if l := n.Listeners(id); l != 2 {
		t.Fatalf("listeners = %d, want 2", l)
	}

	var got []Snapshot
	for len(got) < DefaultSubscriptionBuffer {
		s, ok := <-slow.C
		if !ok {
			t.Fatalf("slow listener closed while job is %s", StatusActive)
		}
		got = append(got, s)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Progress <= got[i-1].Progress {
			t.Fatalf("snapshots out of order at %d: %v after %v", i, got[i].Progress, got[i-1].Progress)
		}
	}
	if last := got[len(got)-1]; last.Progress != updates {
		t.Fatalf("last queued progress = %v, want %d", last.Progress, updates)
	}

	// the listener stays attached and sees later updates, including the terminal one
	reg.Update(id, completedDelta("out.mp4", "Download completed"))
	if s := <-slow.C; s.Status != StatusCompleted {
		t.Fatalf("slow listener status = %s, want completed", s.Status)
	}
}

func TestNotifier_UnsubscribeIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg)
	id := activeJob(t, reg)

	sub, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	n.Unsubscribe(sub)
	n.Unsubscribe(sub)
	n.CloseAll(id)
	n.Unsubscribe(nil)

	// a fresh subscription sees the current state
	reg.Update(id, progressDelta(70, "x"))
	again, err := n.Subscribe(id)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer n.Unsubscribe(again)
	if got := <-again.C; got.Progress != 70 {
		t.Fatalf("resubscribed progress = %v, want 70", got.Progress)
	}
}

func TestNotifier_CloseAllDisconnects(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg)
	id := activeJob(t, reg)

	subs := make([]*Subscription, 3)
	for i := range subs {
		sub, err := n.Subscribe(id)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		<-sub.C
		subs[i] = sub
	}

	n.CloseAll(id)
	for i, sub := range subs {
		if _, ok := <-sub.C; ok {
			t.Fatalf("subscription %d still open", i)
		}
		n.Unsubscribe(sub)
	}
	if l := n.Listeners(id); l != 0 {
		t.Fatalf("listeners = %d, want 0", l)
	}
}
