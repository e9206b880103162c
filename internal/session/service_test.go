package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestService() (*Service, *Hub) {
	hub := NewHub()
	svc := NewService(NewMemoryRepository(), hub)
	svc.SetClock(clockwork.NewFakeClockAt(time.UnixMilli(1700000000000)))
	return svc, hub
}

func TestService_CreateStoresInitialState(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "s1", "movies/s1.mp4")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Playing || created.Time != 0 || created.UpdatedAt != 1700000000000 {
		t.Errorf("unexpected created state: %+v", created)
	}

	got, err := svc.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != created {
		t.Errorf("expected %+v, got %+v", created, got)
	}
}

func TestService_GetUnknownSession(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_PutReplacesAndNotifiesEverySubscriber(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "s1", "movies/s1.mp4"); err != nil {
		t.Fatal(err)
	}

	var first, second []State
	unsub1, err := svc.Subscribe(ctx, "s1", func(s State) { first = append(first, s) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub1()
	unsub2, err := svc.Subscribe(ctx, "s1", func(s State) { second = append(second, s) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub2()

	next := State{Time: 42, Playing: true, URL: "movies/s1.mp4", UpdatedAt: 1700000005000, Origin: "a"}
	if err := svc.Put(ctx, "s1", next); err != nil {
		t.Fatalf("put: %v", err)
	}

	if len(first) != 1 || first[0] != next {
		t.Errorf("first subscriber got %+v", first)
	}
	if len(second) != 1 || second[0] != next {
		t.Errorf("second subscriber got %+v", second)
	}
	got, _ := svc.Get(ctx, "s1")
	if got != next {
		t.Errorf("expected stored state %+v, got %+v", next, got)
	}
}

func TestService_PutUnknownSession(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Put(context.Background(), "missing", State{URL: "k", UpdatedAt: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_PutRejectsInvalidState(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Put(context.Background(), "s1", State{Time: -3, URL: "k"})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestService_SubscriptionEndsWithContext(t *testing.T) {
	svc, hub := newTestService()
	ctx, cancel := context.WithCancel(context.Background())

	unsub, err := svc.Subscribe(ctx, "s1", func(State) {})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	if hub.Subscribers("s1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers("s1"))
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("s1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not released after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	calls := 0
	unsub, _ := hub.Subscribe("s1", func(State) { calls++ })
	unsub()
	unsub()

	_ = hub.Publish(context.Background(), "s1", State{URL: "k"})
	if calls != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", calls)
	}
	if hub.Subscribers("s1") != 0 {
		t.Errorf("expected no subscribers, got %d", hub.Subscribers("s1"))
	}
}
