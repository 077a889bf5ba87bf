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
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signingFixture is a deterministic keypair with a card-style signature
// over digest: the card returns bare r||s, the host reconstructs v.
type signingFixture struct {
	privateKey *secp256k1.PrivateKey
	publicKey  []byte // uncompressed SEC1
	digest     []byte
	rs         []byte // 64-byte r||s as the card would return it
}

func newSigningFixture(t *testing.T) *signingFixture {
	t.Helper()

	seed := sha256.Sum256([]byte("signing fixture key"))
	privateKey := secp256k1.PrivKeyFromBytes(seed[:])

	digest := sha256.Sum256([]byte("payload to sign"))

	// SignCompact produces v+27 || r || s; drop the header byte to get
	// the bare form the card emits.
	compact := ecdsa.SignCompact(privateKey, digest[:], false)
	require.Len(t, compact, 65)

	return &signingFixture{
		privateKey: privateKey,
		publicKey:  privateKey.PubKey().SerializeUncompressed(),
		digest:     digest[:],
		rs:         compact[1:],
	}
}

func newSigningCard(t *testing.T, mock *MockTransceiver, fixture *signingFixture) *Card {
	t.Helper()
	card := newAuthenticatedCard(t, mock)
	mock.SetResponse(insGetPublicKey, withStatusWord(fixture.publicKey, swSuccess))
	mock.SetResponse(insSign, withStatusWord(fixture.rs, swSuccess))
	return card
}

func defaultPath(t *testing.T) DerivationPath {
	t.Helper()
	path, err := ParseDerivationPath("m/44'/60'/0'/0/0")
	require.NoError(t, err)
	return path
}

func TestCardSign(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	card := newSigningCard(t, mock, fixture)

	sig, err := card.Sign(context.Background(), defaultPath(t), fixture.digest)
	require.NoError(t, err)

	assert.Equal(t, fixture.rs[:32], sig.R)
	assert.Equal(t, fixture.rs[32:], sig.S)
	assert.Equal(t, CardAuthenticated, card.State(), "state returns to Authenticated after signing")

	// The recovery id must reproduce the signing key.
	compact := make([]byte, 65)
	compact[0] = 27 + sig.V
	copy(compact[1:], fixture.rs)
	recovered, _, err := ecdsa.RecoverCompact(compact, fixture.digest)
	require.NoError(t, err)
	assert.True(t, recovered.IsEqual(fixture.privateKey.PubKey()))
}

func TestCardSignEmitsEvent(t *testing.T) {
	t.Parallel()

	emitter := NewEmitter()
	produced := 0
	emitter.Subscribe(func(ev Event) {
		if ev.Type == EventSignatureProduced {
			produced++
		}
	})

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	scriptSelect(mock, 3, 5)
	session := newConnectedSession(t, mock, WithEmitter(emitter))
	card := NewCard(session)
	_, err := card.Select(context.Background())
	require.NoError(t, err)
	mock.SetResponse(insVerifyPIN, []byte{0x90, 0x00})
	_, err = card.VerifyPIN(context.Background(), "123456")
	require.NoError(t, err)
	mock.SetResponse(insGetPublicKey, withStatusWord(fixture.publicKey, swSuccess))
	mock.SetResponse(insSign, withStatusWord(fixture.rs, swSuccess))

	_, err = card.Sign(context.Background(), defaultPath(t), fixture.digest)
	require.NoError(t, err)
	assert.Equal(t, 1, produced)
}

func TestCardSignRequiresAuth(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	card := newSelectedCard(t, mock)

	_, err := card.Sign(context.Background(), defaultPath(t), fixture.digest)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, 0, mock.CallCount(insSign))
}

func TestCardSignLockedCard(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	scriptSelect(mock, 0, 5)
	card := NewCard(newConnectedSession(t, mock))
	_, err := card.Select(context.Background())
	require.NoError(t, err)

	_, err = card.Sign(context.Background(), defaultPath(t), fixture.digest)
	assert.ErrorIs(t, err, ErrCardLocked)
	assert.Equal(t, 0, mock.CallCount(insSign), "a locked card must be rejected without touching hardware")
}

func TestCardSignBadDigest(t *testing.T) {
	t.Parallel()

	mock := NewMockTransceiver()
	card := newAuthenticatedCard(t, mock)

	for _, digest := range [][]byte{nil, make([]byte, 20), make([]byte, 33)} {
		_, err := card.Sign(context.Background(), defaultPath(t), digest)
		var pe *ProtocolError
		assert.ErrorAs(t, err, &pe, "digest length %d", len(digest))
	}
	assert.Equal(t, 0, mock.CallCount(insSign))
}

func TestCardSignTransportDropAborts(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	card := newSigningCard(t, mock, fixture)

	// Derive first so the drop hits the SIGN exchange itself.
	_, err := card.DeriveKey(context.Background(), defaultPath(t))
	require.NoError(t, err)

	mock.FailAll(NewTransportError("transceive", "mock", ErrTransportRead, true))

	_, err = card.Sign(context.Background(), defaultPath(t), fixture.digest)
	assert.ErrorIs(t, err, ErrSigningAborted)
	assert.Equal(t, 1, mock.CallCount(insSign), "SIGN must never be retried")
	assert.Equal(t, CardDisconnected, card.State())
	assert.Equal(t, StateError, card.Session().State())

	// The session is dead; everything after the abort fails fast with a
	// transport error, not a protocol-state error the caller could act on.
	_, err = card.Sign(context.Background(), defaultPath(t), fixture.digest)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrTransportClosed)

	_, err = card.VerifyPIN(context.Background(), "123456")
	assert.ErrorAs(t, err, &te)

	_, err = card.DeriveKey(context.Background(), DerivationPath{HardenedFlag | 44})
	assert.ErrorAs(t, err, &te)

	assert.Equal(t, 1, mock.CallCount(insSign), "nothing after the abort may reach the hardware")
}

func TestCardSignConcurrentRejected(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	card := newSigningCard(t, mock, fixture)
	mock.SetDelay(100 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = card.Sign(context.Background(), defaultPath(t), fixture.digest)
	}()

	time.Sleep(20 * time.Millisecond)

	_, err := card.Sign(context.Background(), defaultPath(t), fixture.digest)
	assert.ErrorIs(t, err, ErrSessionBusy)
	wg.Wait()

	assert.Equal(t, 1, mock.CallCount(insSign), "the rejected request must not reach the hardware")
}

func TestCardSignRecoveryMismatch(t *testing.T) {
	t.Parallel()

	// Card reports one key but signs with another: neither recovery id
	// candidate can reproduce the reported key.
	fixture := newSigningFixture(t)

	otherSeed := sha256.Sum256([]byte("some other key"))
	otherKey := secp256k1.PrivKeyFromBytes(otherSeed[:])

	mock := NewMockTransceiver()
	card := newAuthenticatedCard(t, mock)
	mock.SetResponse(insGetPublicKey, withStatusWord(otherKey.PubKey().SerializeUncompressed(), swSuccess))
	mock.SetResponse(insSign, withStatusWord(fixture.rs, swSuccess))

	_, err := card.Sign(context.Background(), defaultPath(t), fixture.digest)
	assert.ErrorIs(t, err, ErrSignatureRecovery)
	assert.Equal(t, CardAuthenticated, card.State(), "a recovery failure is not a transport failure")
}

func TestCardSignMalformedPayload(t *testing.T) {
	t.Parallel()

	fixture := newSigningFixture(t)
	mock := NewMockTransceiver()
	card := newAuthenticatedCard(t, mock)
	mock.SetResponse(insGetPublicKey, withStatusWord(fixture.publicKey, swSuccess))
	mock.SetResponse(insSign, withStatusWord(fixture.rs[:40], swSuccess))

	_, err := card.Sign(context.Background(), defaultPath(t), fixture.digest)
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, CardAuthenticated, card.State())
}

func TestSignatureBytes(t *testing.T) {
	t.Parallel()

	sig := Signature{
		R: []byte{0x01, 0x02},
		S: []byte{0x03, 0x04},
		V: 1,
	}
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x01}, sig.Bytes())
}

func TestRecoverSignatureBothCandidates(t *testing.T) {
	t.Parallel()

	// Many signatures over many digests: recovery must succeed whichever
	// candidate the card's nonce landed on.
	seed := sha256.Sum256([]byte("candidate sweep key"))
	privateKey := secp256k1.PrivKeyFromBytes(seed[:])
	publicKey := privateKey.PubKey().SerializeUncompressed()

	for i := range 16 {
		digest := sha256.Sum256([]byte{byte(i)})
		compact := ecdsa.SignCompact(privateKey, digest[:], false)

		sig, err := recoverSignature(digest[:], compact[1:], publicKey)
		require.NoError(t, err, "digest %d", i)
		assert.Equal(t, compact[0]-27, sig.V, "digest %d", i)
	}
}
