// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcherMultipleHandlers(t *testing.T) {
	var d Dispatcher
	defer d.UnregisterAll()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		d.Register(EventHandlerFunc(func(ctx context.Context, event Event) {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		}))
	}

	d.HandleEvent(context.Background(), Event{Type: EventStateChanged})
	wg.Wait()

	if count != 3 {
		t.Errorf("Expected 3 handler calls, got %d", count)
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	var d Dispatcher
	done := make(chan struct{})
	d.Register(EventHandlerFunc(func(context.Context, Event) { panic("test panic") }))
	d.Register(EventHandlerFunc(func(context.Context, Event) { close(done) }))

	d.HandleEvent(context.Background(), Event{Type: EventProtocolError})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler was not called")
	}
}

func TestDispatcherIgnoresCancel(t *testing.T) {
	var d Dispatcher
	errc := make(chan error, 1)
	d.Register(EventHandlerFunc(func(ctx context.Context, _ Event) { errc <- ctx.Err() }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.HandleEvent(ctx, Event{Type: EventSessionEnded})
	if err := <-errc; err != nil {
		t.Errorf("handler context error: %v", err)
	}
}

func TestEmitTimestamp(t *testing.T) {
	var got Event
	r := &Responder{Events: EventHandlerFunc(func(_ context.Context, e Event) { got = e })}
	before := time.Now()
	r.emit(context.Background(), Event{Type: EventSessionEstablished, SessionID: 7})

	if got.Type != EventSessionEstablished || got.SessionID != 7 {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v was not set", got.Timestamp)
	}

	// No handler is a no-op
	(&Responder{}).emit(context.Background(), Event{Type: EventStateChanged})
}

func TestEventTypeString(t *testing.T) {
	for typ, want := range map[EventType]string{
		EventStateChanged:       "State Changed",
		EventSessionEstablished: "Session Established",
		EventSessionEnded:       "Session Ended",
		EventProtocolError:      "Protocol Error",
		EventType(99):           "Unknown Event",
	} {
		if got := typ.String(); got != want {
			t.Errorf("%d: expected %q, got %q", int(typ), want, got)
		}
	}
}
