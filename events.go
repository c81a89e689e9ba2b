// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// EventType represents the type of responder event
type EventType int

const (
	// EventTypeUnknown - Unknown event type
	EventTypeUnknown EventType = iota

	// EventStateChanged indicates the connection state changed
	EventStateChanged
	// EventSessionEstablished indicates FINISH completed and data keys are
	// in use
	EventSessionEstablished
	// EventSessionEnded indicates a session was closed by END_SESSION or
	// terminated after a message failed authentication
	EventSessionEnded
	// EventProtocolError indicates a request was answered with ERROR
	EventProtocolError
)

// String returns a human-readable description of the event type
func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return eventTypeNames[EventTypeUnknown]
}

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:        "Unknown Event",
	EventStateChanged:       "State Changed",
	EventSessionEstablished: "Session Established",
	EventSessionEnded:       "Session Ended",
	EventProtocolError:      "Protocol Error",
}

// Event represents a responder event
type Event struct {
	// Type of the event
	Type EventType

	// Timestamp when the event occurred
	Timestamp time.Time

	// Request code that triggered this event (if applicable)
	Request protocol.Code

	// Connection state after the event
	State ConnectionState

	// Session involved (if applicable)
	SessionID uint32

	// Error information (if this is an error event)
	Error error
}

// EventHandler is the interface that implementations must satisfy to receive
// responder events
type EventHandler interface {
	// HandleEvent is called synchronously while the request is processed.
	// Implementations should not block for long periods.
	HandleEvent(ctx context.Context, event Event)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

func (r *Responder) emit(ctx context.Context, event Event) {
	if r.Events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.Events.HandleEvent(ctx, event)
}

// Dispatcher is an EventHandler which fans events out to registered handlers
// in their own goroutines, so slow handlers do not delay responses.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// Register adds a handler.
func (d *Dispatcher) Register(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// UnregisterAll removes all registered handlers.
func (d *Dispatcher) UnregisterAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = nil
}

// HandleEvent implements EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, event Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	// The request context may be canceled before handlers run
	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("spdm event handler panicked", "event", event.Type, "panic", p)
				}
			}()
			h.HandleEvent(ctx, event)
		}()
	}
}
