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

import "github.com/humanpassport/go-keycard/internal/syncutil"

// Status words the protocol layer interprets. Everything else becomes a
// generic CardError carrying the raw status word.
const (
	swSuccess           uint16 = 0x9000
	swPINRetryBase      uint16 = 0x63C0 // 0x63Cn: n attempts remaining
	swAuthMethodBlocked uint16 = 0x6983
	swAppNotFound       uint16 = 0x6A82
)

// CardStatus is the card's self-reported state, refreshed from the most
// recent SELECT, VERIFY or GET STATUS response. It is never computed
// client-side: the card is the source of record for retry counters and
// lock state.
type CardStatus struct {
	FirmwareVersion string
	PINRetries      int // 0-15
	PUKRetries      int
	Locked          bool
}

// CheckStatus maps a status word to the module's error taxonomy.
// Returns nil for 0x9000. The 0x63Cn nibble is treated as the
// authoritative "n attempts remaining" contract; no further semantics
// are inferred from it.
func CheckStatus(sw uint16) error {
	switch {
	case sw == swSuccess:
		return nil
	case sw&0xFFF0 == swPINRetryBase:
		n := int(sw & 0x000F)
		if n == 0 {
			return ErrCardLocked
		}
		return &PinVerificationError{RetriesRemaining: n}
	case sw == swAuthMethodBlocked:
		return ErrCardLocked
	default:
		return &CardError{SW: sw}
	}
}

// Tracker derives PIN retry and lockout state purely from hardware
// responses. It never counts attempts itself, so it cannot desync from
// the card. Each Session owns its own Tracker view.
type Tracker struct {
	mu     syncutil.RWMutex
	status CardStatus
	known  bool
}

// ObserveStatus records a full CardStatus taken from a SELECT or
// GET STATUS response.
func (t *Tracker) ObserveStatus(status CardStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.known = true
}

// ObserveVerify records the outcome of a VERIFY exchange from its status
// word. Only 0x63Cn and 0x6983 change the view; a success leaves the
// counter wherever the card last reported it (the card resets it on a
// successful VERIFY, which the next GET STATUS reflects).
func (t *Tracker) ObserveVerify(sw uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case sw&0xFFF0 == swPINRetryBase:
		t.status.PINRetries = int(sw & 0x000F)
		t.status.Locked = t.status.PINRetries == 0
		t.known = true
	case sw == swAuthMethodBlocked:
		t.status.PINRetries = 0
		t.status.Locked = true
		t.known = true
	}
}

// Status returns the last hardware-reported state. The second return is
// false until the card has reported at least once.
func (t *Tracker) Status() (CardStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.known
}

// Locked reports whether the card has declared itself locked.
func (t *Tracker) Locked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known && t.status.Locked
}

// RetriesRemaining returns the last hardware-reported PIN retry count,
// or -1 when the card has not reported yet.
func (t *Tracker) RetriesRemaining() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.known {
		return -1
	}
	return t.status.PINRetries
}
