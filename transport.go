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
	"time"

	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// Transceiver is the raw byte-exchange primitive furnished by the
// platform transport layer. The channel is half-duplex: callers must not
// issue a second Transceive before the first returns. The Session layer
// enforces this.
//
// Implementations live in the transport subpackages (pcsc, serial, i2c);
// MockTransceiver serves tests.
type Transceiver interface {
	// Transceive sends a command APDU and returns the raw response
	// bytes, payload plus status word.
	Transceive(ctx context.Context, capdu []byte) ([]byte, error)

	// Close releases the underlying channel. Idempotent.
	Close() error

	// IsConnected reports whether the channel can still carry exchanges.
	IsConnected() bool
}

// TagInfo describes a discovered tag, as reported by a transport
// backend's discovery mechanism.
type TagInfo struct {
	DetectedAt time.Time
	UID        string // hex-encoded tag identifier
}

// MockTransceiver is a scripted Transceiver for tests. Responses and
// errors are keyed on the INS byte of the outgoing command APDU; queued
// responses are consumed in order, with the last one repeating.
type MockTransceiver struct {
	responses map[byte][][]byte
	errs      map[byte]error
	errsOnce  map[byte][]error
	callCount map[byte]int
	delay     time.Duration
	mu        syncutil.Mutex
	connected bool
	// failAll, when set, makes every exchange fail regardless of INS.
	// Used to simulate the transport dropping mid-session.
	failAll error
}

// NewMockTransceiver creates a connected mock with no scripted responses.
func NewMockTransceiver() *MockTransceiver {
	return &MockTransceiver{
		responses: make(map[byte][][]byte),
		errs:      make(map[byte]error),
		errsOnce:  make(map[byte][]error),
		callCount: make(map[byte]int),
		connected: true,
	}
}

// Transceive implements Transceiver.
func (m *MockTransceiver) Transceive(ctx context.Context, capdu []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	connected := m.connected
	delay := m.delay
	m.mu.Unlock()

	if !connected {
		return nil, NewTransportError("transceive", "mock", ErrTransportClosed, false)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var ins byte
	if len(capdu) >= 2 {
		ins = capdu[1]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount[ins]++

	if m.failAll != nil {
		return nil, m.failAll
	}
	if queue := m.errsOnce[ins]; len(queue) > 0 {
		m.errsOnce[ins] = queue[1:]
		return nil, queue[0]
	}
	if err, ok := m.errs[ins]; ok {
		return nil, err
	}

	queue := m.responses[ins]
	if len(queue) == 0 {
		// Unscripted instruction: report it unsupported.
		return []byte{0x6D, 0x00}, nil
	}

	resp := queue[0]
	if len(queue) > 1 {
		m.responses[ins] = queue[1:]
	}
	return resp, nil
}

// Close implements Transceiver.
func (m *MockTransceiver) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transceiver.
func (m *MockTransceiver) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Test helper methods

// SetResponse scripts a single repeating response for an instruction.
func (m *MockTransceiver) SetResponse(ins byte, resp []byte) {
	m.mu.Lock()
	m.responses[ins] = [][]byte{resp}
	m.mu.Unlock()
}

// QueueResponses scripts a sequence of responses for an instruction; the
// final response repeats once the queue drains.
func (m *MockTransceiver) QueueResponses(ins byte, resps ...[]byte) {
	m.mu.Lock()
	m.responses[ins] = resps
	m.mu.Unlock()
}

// SetError injects an error for an instruction.
func (m *MockTransceiver) SetError(ins byte, err error) {
	m.mu.Lock()
	m.errs[ins] = err
	m.mu.Unlock()
}

// FailOnce injects errors consumed one per call before any persistent
// error or scripted response. Useful for exercising retry paths.
func (m *MockTransceiver) FailOnce(ins byte, errs ...error) {
	m.mu.Lock()
	m.errsOnce[ins] = append(m.errsOnce[ins], errs...)
	m.mu.Unlock()
}

// ClearError removes an injected error.
func (m *MockTransceiver) ClearError(ins byte) {
	m.mu.Lock()
	delete(m.errs, ins)
	m.mu.Unlock()
}

// FailAll makes every subsequent exchange fail with err, simulating the
// tag leaving the field mid-session.
func (m *MockTransceiver) FailAll(err error) {
	m.mu.Lock()
	m.failAll = err
	m.mu.Unlock()
}

// SetDelay simulates hardware response time.
func (m *MockTransceiver) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// CallCount reports how many exchanges were issued for an instruction.
func (m *MockTransceiver) CallCount(ins byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[ins]
}
