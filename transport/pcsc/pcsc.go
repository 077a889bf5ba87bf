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

// Package pcsc drives a keycard through a PC/SC smart card reader. This
// is the desktop path: the OS smart card service owns the reader and we
// exchange raw APDUs over a shared T=0/T=1 connection.
package pcsc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
	keycard "github.com/humanpassport/go-keycard"
	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// Transceiver implements keycard.Transceiver over a PC/SC connection.
type Transceiver struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
	mu     syncutil.Mutex
	closed bool
}

// ListReaders returns the names of the smart card readers the OS service
// knows about.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish smart card context: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list smart card readers: %w", err)
	}
	return readers, nil
}

// Connect attaches to the named reader, or to the first available reader
// when name is empty.
func Connect(name string) (*Transceiver, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish smart card context: %w", err)
	}

	reader, err := pickReader(ctx, name)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, keycard.NewTransportError("connect", reader,
			fmt.Errorf("%w: %w", keycard.ErrTransportClosed, err), false)
	}

	return &Transceiver{
		ctx:    ctx,
		card:   card,
		reader: reader,
	}, nil
}

func pickReader(ctx *scard.Context, name string) (string, error) {
	readers, err := ctx.ListReaders()
	if err != nil {
		return "", fmt.Errorf("failed to list smart card readers: %w", err)
	}
	if len(readers) == 0 {
		return "", keycard.NewTransportError("connect", "",
			fmt.Errorf("%w: no smart card readers found", keycard.ErrTransportClosed), false)
	}
	if name == "" {
		return readers[0], nil
	}
	for _, r := range readers {
		if strings.Contains(r, name) {
			return r, nil
		}
	}
	return "", keycard.NewTransportError("connect", name,
		fmt.Errorf("%w: reader not found", keycard.ErrTransportClosed), false)
}

// Transceive sends one APDU and returns the raw response. The PC/SC
// service does its own low-level retries; a failure here means the card
// left the field or the reader went away, so it is not retryable.
func (t *Transceiver) Transceive(ctx context.Context, capdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.card == nil {
		return nil, keycard.NewTransportError("transceive", t.reader, keycard.ErrTransportClosed, false)
	}

	resp, err := t.card.Transmit(capdu)
	if err != nil {
		return nil, keycard.NewTransportError("transceive", t.reader,
			fmt.Errorf("%w: %w", keycard.ErrTransportRead, err), false)
	}
	return resp, nil
}

// Close disconnects from the card and releases the PC/SC context.
func (t *Transceiver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if t.card != nil {
		if err := t.card.Disconnect(scard.LeaveCard); err != nil {
			firstErr = fmt.Errorf("pcsc disconnect failed: %w", err)
		}
		t.card = nil
	}
	if t.ctx != nil {
		if err := t.ctx.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pcsc context release failed: %w", err)
		}
		t.ctx = nil
	}
	return firstErr
}

// IsConnected reports whether the card connection is open. It also
// checks the reader status: a card pulled from the reader shows up here
// before the next Transmit fails.
func (t *Transceiver) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.card == nil {
		return false
	}
	if _, err := t.card.Status(); err != nil {
		return false
	}
	return true
}

// Reader returns the reader name this transceiver is attached to.
func (t *Transceiver) Reader() string {
	return t.reader
}

// Ensure Transceiver implements keycard.Transceiver.
var _ keycard.Transceiver = (*Transceiver)(nil)
