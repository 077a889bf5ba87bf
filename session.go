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
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// SessionState tracks the transport session lifecycle.
type SessionState int

const (
	// StateIdle is a freshly created, unconnected session.
	StateIdle SessionState = iota
	// StateConnecting is a connect in progress.
	StateConnecting
	// StateConnected is an open session able to carry exchanges.
	StateConnected
	// StateClosing is a disconnect in progress.
	StateClosing
	// StateClosed is a cleanly closed session.
	StateClosed
	// StateError is a session killed by a transport failure. It cannot
	// be reused; the caller must open a new session.
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session defaults. Hardware typically answers in well under a second;
// the command timeout is a generous ceiling, not an expectation.
const (
	DefaultCommandTimeout    = 30 * time.Second
	DefaultInactivityTimeout = 5 * time.Second
)

// Option configures a Session.
type Option func(*Session) error

// WithCommandTimeout bounds each blocking exchange.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("command timeout must be positive, got %v", d)
		}
		s.commandTimeout = d
		return nil
	}
}

// WithInactivityTimeout sets how long a Connected session with no
// in-flight exchange stays open before auto-closing.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("inactivity timeout must be positive, got %v", d)
		}
		s.inactivityTimeout = d
		return nil
	}
}

// WithEmitter attaches an event emitter shared with external observers.
func WithEmitter(e *Emitter) Option {
	return func(s *Session) error {
		s.events = e
		return nil
	}
}

// Session owns one tag connection: connect, exchange, disconnect. The
// contactless channel is half-duplex, so exactly one exchange may be
// outstanding; a second concurrent request is rejected with
// ErrSessionBusy rather than queued.
//
// A Session is single-use. Once it reaches Closed or Error it cannot be
// reconnected; protocol state (including PIN authentication) does not
// survive the transport.
type Session struct {
	connectedAt       time.Time
	transceiver       Transceiver
	events            *Emitter
	idleTimer         *time.Timer
	id                string
	tag               TagInfo
	commandTimeout    time.Duration
	inactivityTimeout time.Duration
	mu                syncutil.Mutex
	state             SessionState
	busy              atomic.Bool
}

// NewSession creates an Idle session over the given transceiver. The tag
// info comes from the transport backend's discovery mechanism.
func NewSession(t Transceiver, tag TagInfo, opts ...Option) (*Session, error) {
	s := &Session{
		transceiver:       t,
		tag:               tag,
		id:                newSessionID(),
		commandTimeout:    DefaultCommandTimeout,
		inactivityTimeout: DefaultInactivityTimeout,
		state:             StateIdle,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Degraded but unique enough for diagnostics.
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// TagUID returns the hex UID of the tag this session is bound to.
func (s *Session) TagUID() string {
	return s.tag.UID
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedAt returns when the session reached Connected.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Events returns the emitter observers can subscribe to. Lazily created
// when no shared emitter was attached.
func (s *Session) Events() *Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = NewEmitter()
	}
	return s.events
}

// Connect opens the session. Calling Connect on an already Connected (or
// Connecting) session returns ErrSessionAlreadyActive; a second session
// is never silently opened.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected, StateConnecting:
		s.mu.Unlock()
		return ErrSessionAlreadyActive
	case StateClosing, StateClosed, StateError:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle:
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if s.tag.UID != "" {
		s.Events().Emit(Event{Type: EventTagDetected, SessionID: s.id, TagUID: s.tag.UID})
	}

	if !s.transceiver.IsConnected() {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return NewTransportError("connect", s.tag.UID, ErrTransportClosed, false)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.resetIdleTimerLocked()
	s.mu.Unlock()

	s.Events().Emit(Event{Type: EventSessionOpened, SessionID: s.id, TagUID: s.tag.UID})
	Debugf("session %s connected to tag %s", s.id, s.tag.UID)
	return nil
}

// Exchange sends a command and decodes the response, retrying the raw
// transceive at most once for a retryable transport error.
func (s *Session) Exchange(ctx context.Context, cmd *Command) (*Response, error) {
	return s.exchange(ctx, cmd, true)
}

// ExchangeNoRetry is Exchange without the local retry. SIGN uses it: a
// retry after an ambiguous failure could double-execute on the card.
func (s *Session) ExchangeNoRetry(ctx context.Context, cmd *Command) (*Response, error) {
	return s.exchange(ctx, cmd, false)
}

func (s *Session) exchange(ctx context.Context, cmd *Command, allowRetry bool) (*Response, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	switch s.state {
	case StateConnected:
	case StateError:
		s.mu.Unlock()
		return nil, NewTransportError("exchange", s.tag.UID, ErrTransportClosed, false)
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
		s.mu.Unlock()
		return nil, ErrSessionNotConnected
	}
	// The inactivity timer must not fire mid-exchange.
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	raw, err := cmd.Encode()
	if err != nil {
		s.touchIdleTimer()
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	Debugf("session %s > %s", s.id, cmd)
	respBytes, err := s.transceiver.Transceive(exchangeCtx, raw)
	if err != nil && allowRetry && IsRetryable(err) {
		Debugf("session %s retrying %s after transport error: %v", s.id, cmd, err)
		respBytes, err = s.transceiver.Transceive(exchangeCtx, raw)
	}
	if err != nil {
		s.fail(err)
		var te *TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, NewTransportError("exchange", s.tag.UID, err, false)
	}

	Debugf("session %s < %s", s.id, formatHexBytes(respBytes))
	resp, err := DecodeResponse(respBytes)
	if err != nil {
		s.touchIdleTimer()
		var pe *ProtocolError
		if errors.As(err, &pe) {
			s.Events().Emit(Event{Type: EventProtocolError, SessionID: s.id, Code: pe.Code, Detail: pe.Detail})
		}
		return nil, err
	}

	s.touchIdleTimer()
	return resp, nil
}

// Close disconnects the session. Idempotent: closing a session that is
// already Closed (or currently Closing) is a no-op. An in-flight
// exchange is not interrupted; it ends on its own timeout.
func (s *Session) Close() error {
	return s.closeWith(EventSessionClosed)
}

func (s *Session) closeWith(reason EventType) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateClosing:
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	case StateConnecting, StateConnected, StateError:
	}
	s.state = StateClosing
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	err := s.transceiver.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if reason == EventSessionTimeout {
		s.Events().Emit(Event{Type: EventSessionTimeout, SessionID: s.id, TagUID: s.tag.UID})
	}
	s.Events().Emit(Event{Type: EventSessionClosed, SessionID: s.id, TagUID: s.tag.UID})
	Debugf("session %s closed (%s)", s.id, reason)

	if err != nil {
		return fmt.Errorf("failed to close transceiver: %w", err)
	}
	return nil
}

// fail marks the session dead after a transport failure. The transceiver
// is closed best-effort; the session cannot be reused.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	_ = s.transceiver.Close()
	s.Events().Emit(Event{Type: EventSessionClosed, SessionID: s.id, TagUID: s.tag.UID})
	Debugf("session %s failed: %v", s.id, cause)
}

// stopIdleTimerLocked stops the inactivity timer. Caller holds s.mu.
func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// resetIdleTimerLocked arms the inactivity timer. Caller holds s.mu.
func (s *Session) resetIdleTimerLocked() {
	s.stopIdleTimerLocked()
	s.idleTimer = time.AfterFunc(s.inactivityTimeout, s.onIdleTimeout)
}

// touchIdleTimer re-arms the inactivity timer if the session is still
// Connected.
func (s *Session) touchIdleTimer() {
	s.mu.Lock()
	if s.state == StateConnected {
		s.resetIdleTimerLocked()
	}
	s.mu.Unlock()
}

// onIdleTimeout auto-closes a Connected session with no in-flight
// exchange.
func (s *Session) onIdleTimeout() {
	// A stale timer can fire just as an exchange begins; the exchange
	// path stopped the timer under the lock, so re-check both.
	if s.busy.Load() {
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	Debugf("session %s idle timeout", s.id)
	_ = s.closeWith(EventSessionTimeout)
}
