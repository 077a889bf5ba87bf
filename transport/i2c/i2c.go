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

// Package i2c drives a keycard through an I2C contactless bridge chip,
// the embedded-board path. The bridge tunnels APDUs: the host writes a
// length-prefixed command, polls a ready byte, then reads the framed
// response back.
package i2c

import (
	"context"
	"fmt"
	"strings"
	"time"

	keycard "github.com/humanpassport/go-keycard"
	"github.com/humanpassport/go-keycard/internal/syncutil"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// 7-bit device address of the bridge chip.
	defaultAddr = 0x2A

	bridgeReady = 0x01

	maxPayload = 1024

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	readyPollInterval = 5 * time.Millisecond
)

// Transceiver implements keycard.Transceiver over an I2C bridge.
type Transceiver struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser // held so Close can release the OS file descriptor
	busName string
	mu      syncutil.Mutex
	closed  bool
}

// parseBusPath extracts the bus path from a composite path. Accepts
// "/dev/i2c-1:0x2A" or a bare "/dev/i2c-1".
func parseBusPath(path string) (bus string, addr uint16) {
	bus, suffix, found := strings.Cut(path, ":")
	addr = defaultAddr
	if found {
		var parsed uint16
		if _, err := fmt.Sscanf(suffix, "0x%X", &parsed); err == nil && parsed != 0 {
			addr = parsed
		}
	}
	return bus, addr
}

// Open opens the I2C bus and binds the bridge device on it.
func Open(busName string) (*Transceiver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	path, addr := parseBusPath(busName)
	bus, err := i2creg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	// Best effort; the default bus speed still works.
	_ = bus.SetSpeed(maxClockFreq)

	return &Transceiver{
		dev:     &i2c.Dev{Addr: addr, Bus: bus},
		bus:     bus,
		busName: busName,
	}, nil
}

// Transceive writes one command frame, waits for the bridge to raise its
// ready byte and reads the response frame back.
func (t *Transceiver) Transceive(ctx context.Context, capdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.dev == nil {
		return nil, keycard.NewTransportError("transceive", t.busName, keycard.ErrTransportClosed, false)
	}

	if err := t.writeFrame(capdu); err != nil {
		return nil, err
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}
	return t.readFrame()
}

// Close releases the I2C bus. Safe to call more than once.
func (t *Transceiver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.dev = nil

	if t.bus != nil {
		if err := t.bus.Close(); err != nil {
			return fmt.Errorf("i2c close failed: %w", err)
		}
		t.bus = nil
	}
	return nil
}

// IsConnected reports whether the bus is open.
func (t *Transceiver) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.dev != nil
}

// writeFrame sends len(2, BE) | payload | xor to the bridge.
func (t *Transceiver) writeFrame(payload []byte) error {
	if len(payload) > maxPayload {
		return keycard.NewProtocolError("i2c-frame",
			fmt.Sprintf("payload %d bytes exceeds maximum %d", len(payload), maxPayload))
	}

	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, byte(len(payload)>>8), byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, xorChecksum(payload))

	if err := t.dev.Tx(frame, nil); err != nil {
		return keycard.NewTransportError("write", t.busName,
			fmt.Errorf("%w: %w", keycard.ErrTransportWrite, err), true)
	}
	return nil
}

// waitReady polls the bridge status byte until it reports a pending
// response or the context expires.
func (t *Transceiver) waitReady(ctx context.Context) error {
	status := make([]byte, 1)
	for {
		if err := t.dev.Tx(nil, status); err != nil {
			return keycard.NewTransportError("poll", t.busName,
				fmt.Errorf("%w: %w", keycard.ErrTransportRead, err), true)
		}
		if status[0] == bridgeReady {
			return nil
		}

		select {
		case <-ctx.Done():
			return keycard.NewTransportError("poll", t.busName,
				fmt.Errorf("%w: %w", keycard.ErrTransportTimeout, ctx.Err()), true)
		case <-time.After(readyPollInterval):
		}
	}
}

// readFrame reads the response header first to learn the length, then
// the payload and checksum in a second transaction.
func (t *Transceiver) readFrame() ([]byte, error) {
	header := make([]byte, 2)
	if err := t.dev.Tx(nil, header); err != nil {
		return nil, keycard.NewTransportError("read", t.busName,
			fmt.Errorf("%w: %w", keycard.ErrTransportRead, err), true)
	}

	payloadLen := int(header[0])<<8 | int(header[1])
	if payloadLen > maxPayload {
		return nil, keycard.NewProtocolError("i2c-frame",
			fmt.Sprintf("declared length %d exceeds maximum %d", payloadLen, maxPayload))
	}

	body := make([]byte, payloadLen+1)
	if err := t.dev.Tx(nil, body); err != nil {
		return nil, keycard.NewTransportError("read", t.busName,
			fmt.Errorf("%w: %w", keycard.ErrTransportRead, err), true)
	}

	payload := body[:payloadLen]
	if body[payloadLen] != xorChecksum(payload) {
		return nil, keycard.NewProtocolError("i2c-frame", "checksum mismatch")
	}
	return payload, nil
}

func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// Ensure Transceiver implements keycard.Transceiver.
var _ keycard.Transceiver = (*Transceiver)(nil)
