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
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// DigestSize is the required length of a signing input. Callers hash
// their payload; the card never sees the preimage.
const DigestSize = 32

// Signature is a recoverable ECDSA signature over secp256k1. R and S are
// each 32 bytes; V is the recovery id (0 or 1) that reproduces the
// signing key from (digest, R, S). Signatures are handed to the caller
// and never retained.
type Signature struct {
	R []byte
	S []byte
	V byte
}

// Bytes returns the 65-byte r || s || v form.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R...)
	out = append(out, s.S...)
	return append(out, s.V)
}

// Sign derives the key at path, asks the card to sign digest with it and
// determines the recovery id by trial recovery against the derived
// public key.
//
// The SIGN exchange is never retried: a transport failure mid-sign
// leaves it unknowable whether the card executed the command, so the
// card state drops to Disconnected and the caller gets
// ErrSigningAborted. Signing is not resumable; start over with a fresh
// Select and VerifyPIN.
func (c *Card) Sign(ctx context.Context, path DerivationPath, digest []byte) (*Signature, error) {
	if len(digest) != DigestSize {
		return nil, NewProtocolError("sign", fmt.Sprintf("digest must be %d bytes, got %d", DigestSize, len(digest)))
	}

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
		if err := c.deadSessionError("sign"); err != nil {
			return nil, err
		}
		return nil, ErrNotAuthenticated
	}
	c.state = CardSigning
	c.mu.Unlock()

	sig, err := c.sign(ctx, path, digest)
	if err != nil {
		return nil, err
	}

	c.setState(CardAuthenticated)
	c.emit(Event{Type: EventSignatureProduced})
	return sig, nil
}

func (c *Card) sign(ctx context.Context, path DerivationPath, digest []byte) (*Signature, error) {
	publicKey, err := c.deriveKey(ctx, path)
	if err != nil {
		c.settleAfterSign(err)
		return nil, err
	}

	// Single-shot on purpose: retrying SIGN could execute it twice.
	resp, err := c.session.ExchangeNoRetry(ctx, newSignCommand(digest))
	if err != nil {
		c.settleAfterSign(err)
		if isTransportFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrSigningAborted, err)
		}
		return nil, err
	}

	if !resp.IsSuccess() {
		statusErr := CheckStatus(resp.SW())
		if errors.Is(statusErr, ErrCardLocked) {
			c.setState(CardLocked)
			c.emit(Event{Type: EventCardLocked})
		} else {
			c.setState(CardAuthenticated)
		}
		return nil, statusErr
	}

	if len(resp.Data) != 64 {
		c.setState(CardAuthenticated)
		c.emitProtocolError("sign", fmt.Sprintf("expected 64-byte r||s, got %d bytes", len(resp.Data)))
		return nil, NewProtocolError("sign", "malformed signature payload")
	}

	sig, err := recoverSignature(digest, resp.Data, publicKey)
	if err != nil {
		c.setState(CardAuthenticated)
		return nil, err
	}
	return sig, nil
}

// settleAfterSign picks the post-failure card state: a dead transport
// means the applet selection is gone, anything else leaves the session
// authenticated.
func (c *Card) settleAfterSign(err error) {
	if isTransportFailure(err) {
		c.setState(CardDisconnected)
		return
	}
	c.setState(CardAuthenticated)
}

// isTransportFailure reports whether the exchange died at the transport
// layer, leaving it unknown whether the card saw the command.
func isTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || IsFatal(err)
}

// recoverSignature finds the recovery id for a bare r || s signature by
// trying both candidates and comparing the recovered key against the key
// the card derived.
func recoverSignature(digest, rs, publicKey []byte) (*Signature, error) {
	want, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return nil, NewProtocolError("sign", fmt.Sprintf("derived public key unparseable: %v", err))
	}

	compact := make([]byte, 65)
	copy(compact[1:33], rs[:32])
	copy(compact[33:65], rs[32:])

	for v := byte(0); v < 2; v++ {
		compact[0] = 27 + v
		recovered, _, err := ecdsa.RecoverCompact(compact, digest)
		if err != nil {
			continue
		}
		if recovered.IsEqual(want) {
			return &Signature{
				R: append([]byte(nil), rs[:32]...),
				S: append([]byte(nil), rs[32:]...),
				V: v,
			}, nil
		}
	}
	return nil, ErrSignatureRecovery
}
