package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

func TestSubscriber_FIFOPerWebhook(t *testing.T) {
	r := readyRegistry(t)
	wh, err := r.Create("ordered", nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *domain.DispatchEvent, 100)
	wh.Subscriber.On(domain.MethodPost, func(_ context.Context, ev *domain.DispatchEvent) error {
		got <- ev
		return nil
	})

	for i := 0; i < 50; i++ {
		ev := &domain.DispatchEvent{WebhookID: "ordered", Method: domain.MethodPost, RequestID: fmt.Sprint(i)}
		if err := r.Dispatch(ev); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 50; i++ {
		ev := receive(t, got)
		if ev.RequestID != fmt.Sprint(i) {
			t.Fatalf("event %d has request id %s, want arrival order", i, ev.RequestID)
		}
	}
}

func TestSubscriber_MethodRouting(t *testing.T) {
	r := readyRegistry(t)
	wh, err := r.Create("methods", nil)
	if err != nil {
		t.Fatal(err)
	}

	gets := make(chan *domain.DispatchEvent, 4)
	all := make(chan *domain.DispatchEvent, 4)
	wh.Subscriber.On(domain.MethodGet, func(_ context.Context, ev *domain.DispatchEvent) error {
		gets <- ev
		return nil
	})
	wh.Subscriber.OnAny(func(_ context.Context, ev *domain.DispatchEvent) error {
		all <- ev
		return nil
	})

	if n := wh.Subscriber.HandlerCount(domain.MethodGet); n != 2 {
		t.Errorf("HandlerCount(GET) = %d, want 2", n)
	}
	if n := wh.Subscriber.HandlerCount(domain.MethodPut); n != 1 {
		t.Errorf("HandlerCount(PUT) = %d, want 1", n)
	}

	_ = r.Dispatch(&domain.DispatchEvent{WebhookID: "methods", Method: domain.MethodPut, RequestID: "put"})
	_ = r.Dispatch(&domain.DispatchEvent{WebhookID: "methods", Method: domain.MethodGet, RequestID: "get"})

	if ev := receive(t, all); ev.RequestID != "put" {
		t.Fatalf("first OnAny event = %s, want put", ev.RequestID)
	}
	if ev := receive(t, gets); ev.RequestID != "get" {
		t.Fatalf("GET handler got %s", ev.RequestID)
	}
	if ev := receive(t, all); ev.RequestID != "get" {
		t.Fatalf("second OnAny event = %s, want get", ev.RequestID)
	}

	select {
	case ev := <-gets:
		t.Fatalf("GET handler received %s event", ev.Method)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscriber_HandlerFailuresAreIsolated(t *testing.T) {
	r := readyRegistry(t)
	wh, err := r.Create("failing", nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *domain.DispatchEvent, 4)
	wh.Subscriber.On(domain.MethodPost, func(_ context.Context, ev *domain.DispatchEvent) error {
		if ev.RequestID == "panic" {
			panic("handler exploded")
		}
		return errors.New("handler failed")
	})
	wh.Subscriber.On(domain.MethodPost, func(_ context.Context, ev *domain.DispatchEvent) error {
		got <- ev
		return nil
	})

	_ = r.Dispatch(&domain.DispatchEvent{WebhookID: "failing", Method: domain.MethodPost, RequestID: "panic"})
	_ = r.Dispatch(&domain.DispatchEvent{WebhookID: "failing", Method: domain.MethodPost, RequestID: "error"})

	if ev := receive(t, got); ev.RequestID != "panic" {
		t.Fatalf("got %s, want panic", ev.RequestID)
	}
	if ev := receive(t, got); ev.RequestID != "error" {
		t.Fatalf("got %s, want error", ev.RequestID)
	}
}

func TestSubscriber_NilHandlerIgnored(t *testing.T) {
	r := readyRegistry(t)
	wh, err := r.Create("nil", nil)
	if err != nil {
		t.Fatal(err)
	}
	wh.Subscriber.On(domain.MethodGet, nil)
	wh.Subscriber.OnAny(nil)
	if n := wh.Subscriber.HandlerCount(domain.MethodGet); n != 0 {
		t.Errorf("HandlerCount() = %d, want 0", n)
	}
}
