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
	"errors"
	"fmt"
)

// Error categories for error handling and retry logic
var (
	// Transport errors - potentially retryable
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportRead    = errors.New("transport read failed")
	ErrTransportClosed  = errors.New("transport is closed")

	// Session errors - not retryable
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrSessionBusy          = errors.New("session busy: an exchange is in flight")
	ErrSessionClosed        = errors.New("session is closed")
	ErrSessionTimeout       = errors.New("session timed out from inactivity")
	ErrSessionNotConnected  = errors.New("session not connected")

	// Card errors - reflect authoritative hardware state, never retryable
	ErrCardNotRecognized = errors.New("card not recognized")
	ErrCardLocked        = errors.New("card locked: PUK unlock required")
	ErrSigningAborted    = errors.New("signing aborted: session must be reopened")
	ErrSignatureRecovery = errors.New("signature recovery failed for both candidates")
	ErrNotAuthenticated  = errors.New("card not authenticated")
	ErrNotSelected       = errors.New("card application not selected")

	// Data errors - not retryable
	ErrDataTooLarge = errors.New("command data exceeds 255 bytes")
	ErrInvalidPath  = errors.New("invalid derivation path")
	ErrInvalidPIN   = errors.New("invalid PIN format")
)

// TransportError wraps transport-level failures with operation context.
// A TransportError from a raw exchange is the only error class eligible
// for the single immediate local retry.
type TransportError struct {
	Err       error  // Underlying error
	Op        string // Operation that failed
	Device    string // Transceiver identifier, if known
	Retryable bool   // Whether a single immediate retry is permitted
}

func (e *TransportError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a transport error with consistent formatting
func NewTransportError(op, device string, err error, retryable bool) *TransportError {
	return &TransportError{
		Op:        op,
		Device:    device,
		Err:       err,
		Retryable: retryable,
	}
}

// ProtocolError indicates a malformed frame or an out-of-contract card
// response. Protocol errors are never retried: the remainder of the
// exchange sequence cannot be trusted.
type ProtocolError struct {
	Code   string // short machine-readable code, e.g. "short-response"
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("protocol error (%s)", e.Code)
}

// NewProtocolError creates a protocol error with the given code and detail
func NewProtocolError(code, detail string) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail}
}

// CardError wraps a status word the module has no specific mapping for.
// The status word is the card's authoritative verdict on the command.
type CardError struct {
	SW uint16
}

func (e *CardError) Error() string {
	return fmt.Sprintf("card error 0x%04X (%s)", e.SW, statusWordMeaning(e.SW))
}

// PinVerificationError reports a failed VERIFY with the remaining attempt
// count as encoded by the card in the 0x63Cn status word. It always
// surfaces to the caller: it reflects a real, irreversible decrement of
// the hardware retry counter.
type PinVerificationError struct {
	RetriesRemaining int
}

func (e *PinVerificationError) Error() string {
	return fmt.Sprintf("pin verification failed: %d attempts remaining", e.RetriesRemaining)
}

// statusWordMeaning returns a human-readable meaning for ISO 7816-4
// status words the keycard firmware is known to emit.
func statusWordMeaning(sw uint16) string {
	meanings := map[uint16]string{
		0x6283: "application deactivated",
		0x6300: "verification failed",
		0x6581: "memory failure",
		0x6700: "wrong length",
		0x6882: "secure messaging not supported",
		0x6982: "security status not satisfied",
		0x6983: "authentication method blocked",
		0x6984: "referenced data invalidated",
		0x6985: "conditions of use not satisfied",
		0x6986: "command not allowed",
		0x6A80: "incorrect command data",
		0x6A82: "application not found",
		0x6A84: "not enough memory space",
		0x6A86: "incorrect P1/P2",
		0x6B00: "wrong parameters",
		0x6D00: "instruction not supported",
		0x6E00: "class not supported",
		0x6F00: "no precise diagnosis",
	}
	if m, ok := meanings[sw]; ok {
		return m
	}
	if sw&0xFFF0 == swPINRetryBase {
		return "pin verification failed"
	}
	return "unknown status"
}

// IsRetryable returns true if the error is eligible for the single
// immediate local retry. Only transport failures qualify; card and
// protocol errors reflect state that a retry cannot undo.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the session or transport is
// gone and no further exchange can succeed on it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrSigningAborted):
		return true
	default:
		return false
	}
}

// IsPinVerificationError checks whether the error carries a retry count
// from a failed VERIFY, returning the count when present.
func IsPinVerificationError(err error) (int, bool) {
	var pe *PinVerificationError
	if errors.As(err, &pe) {
		return pe.RetriesRemaining, true
	}
	return 0, false
}
