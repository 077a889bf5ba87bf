// Copyright 2026 The Human Passport Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keycard

import (
	"fmt"
	"time"

	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// EventType identifies a lifecycle or error notification.
type EventType string

const (
	// EventSessionOpened fires when a session reaches Connected.
	EventSessionOpened EventType = "session-opened"
	// EventSessionClosed fires when a session leaves Connected, whether
	// by explicit disconnect, timeout or transport failure.
	EventSessionClosed EventType = "session-closed"
	// EventSessionTimeout fires when the inactivity timer closes an idle
	// session.
	EventSessionTimeout EventType = "session-timeout"
	// EventTagDetected fires when a transport backend reports a tag.
	EventTagDetected EventType = "tag-detected"
	// EventPinVerified fires on a successful VERIFY.
	EventPinVerified EventType = "pin-verified"
	// EventPinFailed fires on a failed VERIFY; Retries carries the
	// card-reported remaining attempt count.
	EventPinFailed EventType = "pin-failed"
	// EventCardLocked fires when the card reports itself locked.
	EventCardLocked EventType = "card-locked"
	// EventSignatureProduced fires when a signature with a verified
	// recovery id is returned to the caller.
	EventSignatureProduced EventType = "signature-produced"
	// EventProtocolError fires on malformed frames and unexpected status
	// words.
	EventProtocolError EventType = "protocol-error"
)

// Event is a single notification. Delivery is at-least-once per
// transition within a process; nothing is persisted or replayed across
// restarts.
type Event struct {
	At        time.Time
	Type      EventType
	SessionID string
	TagUID    string
	Retries   int    // EventPinFailed only
	Code      string // EventProtocolError only
	Detail    string // EventProtocolError only
}

func (e Event) String() string {
	switch e.Type {
	case EventPinFailed:
		return fmt.Sprintf("%s session=%s retries=%d", e.Type, e.SessionID, e.Retries)
	case EventProtocolError:
		return fmt.Sprintf("%s session=%s code=%s detail=%s", e.Type, e.SessionID, e.Code, e.Detail)
	case EventTagDetected:
		return fmt.Sprintf("%s uid=%s", e.Type, e.TagUID)
	default:
		return fmt.Sprintf("%s session=%s", e.Type, e.SessionID)
	}
}

// EventHandler receives events. Handlers run synchronously on the
// goroutine performing the transition and must return promptly.
type EventHandler func(Event)

// Emitter fans events out to subscribed handlers. A panicking handler is
// contained so it cannot corrupt protocol state.
type Emitter struct {
	mu       syncutil.RWMutex
	handlers map[int]EventHandler
	nextID   int
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]EventHandler)}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (e *Emitter) Subscribe(h EventHandler) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Emit delivers the event to every subscriber. Safe to call on a nil
// emitter so internal code never has to guard.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		safeEmit(h, ev)
	}
}

// safeEmit invokes a handler with panic recovery.
func safeEmit(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			Debugf("event handler panicked on %s: %v", ev.Type, r)
		}
	}()
	h(ev)
}
