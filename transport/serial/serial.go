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

// Package serial talks to a keycard through a serial reader bridge: a
// microcontroller that forwards APDUs to the contactless front end. The
// wire format is a length-prefixed frame with an XOR checksum; the
// bridge echoes responses in the same framing.
package serial

import (
	"context"
	"fmt"
	"strings"
	"time"

	keycard "github.com/humanpassport/go-keycard"
	"github.com/humanpassport/go-keycard/internal/syncutil"
	"go.bug.st/serial"
)

const (
	frameMarker = 0xAA

	// header: marker(1) + length(2, big endian); trailer: xor checksum(1)
	frameOverhead = 4

	maxFrameLen = 1024

	readChunkTimeout = 50 * time.Millisecond
)

// ListPorts returns the serial ports present on the system, candidates
// for a reader bridge. No probing is done; opening a port that is not a
// bridge fails on the first exchange.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// Transceiver implements keycard.Transceiver over a serial port.
type Transceiver struct {
	port     serial.Port
	portName string
	mu       syncutil.Mutex
	closed   bool
}

// Open opens the serial port at 115200 8N1 and returns a transceiver
// bound to it.
func Open(portName string) (*Transceiver, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readChunkTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	return &Transceiver{
		port:     port,
		portName: portName,
	}, nil
}

// Transceive writes one framed APDU and reads one framed response. The
// serial link is half duplex: calls are serialized on the port mutex.
func (t *Transceiver) Transceive(ctx context.Context, capdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.port == nil {
		return nil, keycard.NewTransportError("transceive", t.portName, keycard.ErrTransportClosed, false)
	}

	if err := t.writeFrame(capdu); err != nil {
		return nil, err
	}
	return t.readFrame(ctx)
}

// Close releases the serial port. Safe to call more than once.
func (t *Transceiver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.port == nil {
		return nil
	}
	t.closed = true

	if err := t.port.Close(); err != nil {
		return fmt.Errorf("serial close failed: %w", err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (t *Transceiver) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.port != nil
}

func (t *Transceiver) writeFrame(payload []byte) error {
	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	n, err := t.port.Write(frame)
	if err != nil {
		return keycard.NewTransportError("write", t.portName, fmt.Errorf("%w: %w", keycard.ErrTransportWrite, err), true)
	}
	if n != len(frame) {
		return keycard.NewTransportError("write", t.portName,
			fmt.Errorf("%w: short write (%d of %d bytes)", keycard.ErrTransportWrite, n, len(frame)), true)
	}
	return t.drainWithRetry()
}

// readFrame accumulates bytes until a complete frame arrives or the
// context expires. Reads come back in driver-sized chunks; the frame
// header tells us when to stop.
func (t *Transceiver) readFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return nil, keycard.NewTransportError("read", t.portName,
				fmt.Errorf("%w: %w", keycard.ErrTransportTimeout, err), true)
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, keycard.NewTransportError("read", t.portName,
				fmt.Errorf("%w: %w", keycard.ErrTransportRead, err), true)
		}
		if n == 0 {
			// SetReadTimeout expired with nothing pending; poll again
			// until the context gives up.
			continue
		}
		buf = append(buf, chunk[:n]...)

		payload, complete, err := decodeFrame(buf)
		if err != nil {
			return nil, err
		}
		if complete {
			return payload, nil
		}
		if len(buf) > maxFrameLen+frameOverhead {
			return nil, keycard.NewProtocolError("serial-frame", "response exceeds maximum frame length")
		}
	}
}

// drainWithRetry flushes the write buffer, absorbing EINTR.
func (t *Transceiver) drainWithRetry() error {
	const maxRetries = 3
	delay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return keycard.NewTransportError("drain", t.portName,
			fmt.Errorf("%w: %w", keycard.ErrTransportWrite, err), true)
	}
	return keycard.NewTransportError("drain", t.portName, keycard.ErrTransportWrite, true)
}

func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "interrupted system call") || strings.Contains(s, "eintr")
}

// encodeFrame wraps payload as marker | len(2, BE) | payload | xor.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLen {
		return nil, keycard.NewProtocolError("serial-frame",
			fmt.Sprintf("payload %d bytes exceeds maximum %d", len(payload), maxFrameLen))
	}

	frame := make([]byte, 0, len(payload)+frameOverhead)
	frame = append(frame, frameMarker, byte(len(payload)>>8), byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, xorChecksum(payload)), nil
}

// decodeFrame parses an accumulated buffer. complete is false while more
// bytes are needed; a bad marker or checksum is an error.
func decodeFrame(buf []byte) (payload []byte, complete bool, err error) {
	if len(buf) < 3 {
		return nil, false, nil
	}
	if buf[0] != frameMarker {
		return nil, false, keycard.NewProtocolError("serial-frame",
			fmt.Sprintf("bad frame marker 0x%02X", buf[0]))
	}

	payloadLen := int(buf[1])<<8 | int(buf[2])
	if payloadLen > maxFrameLen {
		return nil, false, keycard.NewProtocolError("serial-frame",
			fmt.Sprintf("declared length %d exceeds maximum %d", payloadLen, maxFrameLen))
	}
	if len(buf) < payloadLen+frameOverhead {
		return nil, false, nil
	}

	payload = buf[3 : 3+payloadLen]
	if buf[3+payloadLen] != xorChecksum(payload) {
		return nil, false, keycard.NewProtocolError("serial-frame", "checksum mismatch")
	}

	out := make([]byte, payloadLen)
	copy(out, payload)
	return out, true, nil
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
