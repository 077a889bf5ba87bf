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
	"fmt"

	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// CardState tracks the keycard protocol state machine.
type CardState int

const (
	// CardDisconnected means no applet is selected.
	CardDisconnected CardState = iota
	// CardSelected means the keycard applet answered SELECT.
	CardSelected
	// CardAuthenticated means VERIFY succeeded on this session.
	CardAuthenticated
	// CardLocked means the card reported its PIN blocked. Terminal for
	// this card until an out-of-band PUK unlock.
	CardLocked
	// CardSigning means a SIGN exchange is in flight.
	CardSigning
)

func (s CardState) String() string {
	switch s {
	case CardDisconnected:
		return "disconnected"
	case CardSelected:
		return "selected"
	case CardAuthenticated:
		return "authenticated"
	case CardLocked:
		return "locked"
	case CardSigning:
		return "signing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// VerifyStatus is the tri-state outcome of a VERIFY.
type VerifyStatus int

const (
	// VerifyAuthenticated means the PIN was accepted.
	VerifyAuthenticated VerifyStatus = iota
	// VerifyRetry means the PIN was rejected with attempts left.
	VerifyRetry
	// VerifyLocked means the card is now (or already was) locked.
	VerifyLocked
)

// VerifyResult carries the VERIFY outcome alongside the card-reported
// remaining attempt count.
type VerifyResult struct {
	Status           VerifyStatus
	RetriesRemaining int
}

// Card sequences SELECT, VERIFY, DERIVE and SIGN over one Session,
// consulting the Tracker for lockout state. Each Session gets its own
// Card; protocol state never crosses sessions.
type Card struct {
	session  *Session
	appInfo  *ApplicationInfo
	keyCache map[string][]byte
	tracker  Tracker
	mu       syncutil.Mutex
	state    CardState
}

// NewCard creates a protocol driver over a connected session.
func NewCard(session *Session) *Card {
	return &Card{
		session:  session,
		keyCache: make(map[string][]byte),
		state:    CardDisconnected,
	}
}

// Session returns the underlying transport session.
func (c *Card) Session() *Session {
	return c.session
}

// State returns the current protocol state.
func (c *Card) State() CardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tracker returns this card's retry/lockout view.
func (c *Card) Tracker() *Tracker {
	return &c.tracker
}

// ApplicationInfo returns the parsed SELECT response, or nil before a
// successful Select.
func (c *Card) ApplicationInfo() *ApplicationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appInfo
}

// Select issues SELECT with the keycard AID. Anything other than a
// successful, parseable keycard response leaves the state machine
// Disconnected and reports ErrCardNotRecognized.
func (c *Card) Select(ctx context.Context) (*ApplicationInfo, error) {
	resp, err := c.session.Exchange(ctx, newSelectCommand())
	if err != nil {
		c.setState(CardDisconnected)
		return nil, err
	}

	if !resp.IsSuccess() {
		c.setState(CardDisconnected)
		c.emitProtocolError("select", fmt.Sprintf("status 0x%04X", resp.SW()))
		return nil, fmt.Errorf("%w: %v", ErrCardNotRecognized, CheckStatus(resp.SW()))
	}

	info, err := parseApplicationInfo(resp.Data)
	if err != nil {
		c.setState(CardDisconnected)
		return nil, fmt.Errorf("%w: %v", ErrCardNotRecognized, err)
	}

	c.tracker.ObserveStatus(info.Status)

	c.mu.Lock()
	c.appInfo = info
	if info.Status.Locked {
		c.state = CardLocked
	} else {
		c.state = CardSelected
	}
	c.mu.Unlock()

	if info.Status.Locked {
		c.emit(Event{Type: EventCardLocked})
	}
	Debugf("selected keycard instance %s fw %s", formatHexBytes(info.InstanceUID), info.Version)
	return info, nil
}

// VerifyPIN authenticates the session. The returned VerifyResult mirrors
// the error: Authenticated with a nil error, Retry with a
// PinVerificationError, Locked with ErrCardLocked. A locked card is
// rejected immediately, with no hardware call.
func (c *Card) VerifyPIN(ctx context.Context, pin string) (VerifyResult, error) {
	if !validPIN(pin) {
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: c.tracker.RetriesRemaining()}, ErrInvalidPIN
	}

	c.mu.Lock()
	switch c.state {
	case CardLocked:
		c.mu.Unlock()
		return VerifyResult{Status: VerifyLocked}, ErrCardLocked
	case CardDisconnected:
		c.mu.Unlock()
		if err := c.deadSessionError("verify"); err != nil {
			return VerifyResult{Status: VerifyRetry, RetriesRemaining: -1}, err
		}
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: -1}, ErrNotSelected
	case CardSigning:
		c.mu.Unlock()
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: -1}, ErrSessionBusy
	case CardSelected, CardAuthenticated:
	}
	c.mu.Unlock()

	resp, err := c.session.Exchange(ctx, newVerifyPINCommand(pin))
	if err != nil {
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: c.tracker.RetriesRemaining()}, err
	}

	sw := resp.SW()
	c.tracker.ObserveVerify(sw)

	switch statusErr := CheckStatus(sw); {
	case statusErr == nil:
		c.setState(CardAuthenticated)
		c.emit(Event{Type: EventPinVerified})
		return VerifyResult{Status: VerifyAuthenticated, RetriesRemaining: c.tracker.RetriesRemaining()}, nil

	case sw&0xFFF0 == swPINRetryBase && sw != swPINRetryBase:
		// Failed with attempts left: stay Selected.
		n := int(sw & 0x000F)
		c.emit(Event{Type: EventPinFailed, Retries: n})
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: n}, statusErr

	case sw == swPINRetryBase, sw == swAuthMethodBlocked:
		c.setState(CardLocked)
		c.emit(Event{Type: EventPinFailed, Retries: 0})
		c.emit(Event{Type: EventCardLocked})
		return VerifyResult{Status: VerifyLocked}, statusErr

	default:
		c.emitProtocolError("verify", fmt.Sprintf("status 0x%04X", sw))
		return VerifyResult{Status: VerifyRetry, RetriesRemaining: c.tracker.RetriesRemaining()}, statusErr
	}
}

// GetStatus refreshes the card's self-reported state. Allowed in any
// selected state, including Locked: it issues no PIN material and never
// changes the retry counter.
func (c *Card) GetStatus(ctx context.Context) (CardStatus, error) {
	c.mu.Lock()
	if c.state == CardDisconnected {
		c.mu.Unlock()
		if err := c.deadSessionError("status"); err != nil {
			return CardStatus{}, err
		}
		return CardStatus{}, ErrNotSelected
	}
	c.mu.Unlock()

	resp, err := c.session.Exchange(ctx, newGetStatusCommand())
	if err != nil {
		return CardStatus{}, err
	}
	if !resp.IsSuccess() {
		return CardStatus{}, CheckStatus(resp.SW())
	}

	status, err := parseCardStatus(resp.Data)
	if err != nil {
		return CardStatus{}, err
	}

	c.tracker.ObserveStatus(status)
	if status.Locked {
		c.setState(CardLocked)
		c.emit(Event{Type: EventCardLocked})
	}
	return status, nil
}

// DeriveKey asks the card to derive the keypair at path and returns the
// uncompressed public key. Idempotent; the key is cached per path for
// the lifetime of the session.
func (c *Card) DeriveKey(ctx context.Context, path DerivationPath) ([]byte, error) {
	c.mu.Lock()
	switch c.state {
	case CardLocked:
		c.mu.Unlock()
		return nil, ErrCardLocked
	case CardSigning:
		c.mu.Unlock()
		return nil, ErrSessionBusy
	case CardAuthenticated:
	default:
		c.mu.Unlock()
		if err := c.deadSessionError("derive"); err != nil {
			return nil, err
		}
		return nil, ErrNotAuthenticated
	}
	c.mu.Unlock()

	return c.deriveKey(ctx, path)
}

// deriveKey performs the DERIVE exchange without re-checking protocol
// state; callers hold the right to issue it.
func (c *Card) deriveKey(ctx context.Context, path DerivationPath) ([]byte, error) {
	cacheKey := path.String()

	c.mu.Lock()
	if cached, ok := c.keyCache[cacheKey]; ok {
		c.mu.Unlock()
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}
	c.mu.Unlock()

	resp, err := c.session.Exchange(ctx, newDeriveKeyCommand(path))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, CheckStatus(resp.SW())
	}

	if len(resp.Data) != 65 || resp.Data[0] != 0x04 {
		c.emitProtocolError("derive", fmt.Sprintf("unexpected public key payload (%d bytes)", len(resp.Data)))
		return nil, NewProtocolError("derive", "response is not an uncompressed public key")
	}

	key := make([]byte, len(resp.Data))
	copy(key, resp.Data)

	c.mu.Lock()
	c.keyCache[cacheKey] = key
	c.mu.Unlock()

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// deadSessionError surfaces the transport failure hiding behind a state
// gate. Once the session can no longer carry an exchange, protocol-state
// errors like ErrNotAuthenticated would steer the caller toward
// re-selecting on a transport that is gone for good.
func (c *Card) deadSessionError(op string) error {
	switch c.session.State() {
	case StateError, StateClosing, StateClosed:
		return NewTransportError(op, c.session.TagUID(), ErrTransportClosed, false)
	default:
		return nil
	}
}

func (c *Card) setState(state CardState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Card) emit(ev Event) {
	ev.SessionID = c.session.ID()
	ev.TagUID = c.session.TagUID()
	c.session.Events().Emit(ev)
}

func (c *Card) emitProtocolError(code, detail string) {
	c.emit(Event{Type: EventProtocolError, Code: code, Detail: detail})
}

// validPIN accepts 4 to 12 ASCII digits.
func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 12 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
