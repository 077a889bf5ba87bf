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

import "fmt"

// Command is a short-form ISO 7816-4 command APDU. Data is limited to
// 255 bytes; extended-length encoding is not used by the keycard firmware.
type Command struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
	// Le is the expected response length byte, appended only when HasLe
	// is set. Le=0 requests up to 256 bytes - a documented convention of
	// this module, not universal ISO semantics.
	Le    byte
	HasLe bool
}

// NewCommand creates a command without data or expected length.
func NewCommand(cla, ins, p1, p2 byte) *Command {
	return &Command{Cla: cla, Ins: ins, P1: p1, P2: p2}
}

// WithData attaches a command payload.
func (c *Command) WithData(data []byte) *Command {
	c.Data = data
	return c
}

// WithLe sets the expected response length byte.
func (c *Command) WithLe(le byte) *Command {
	c.Le = le
	c.HasLe = true
	return c
}

// Encode produces the wire form CLA|INS|P1|P2|[Lc|Data]|[Le]. The Lc and
// data fields are omitted when there is no payload; Le is appended only
// when an expected length was set.
func (c *Command) Encode() ([]byte, error) {
	if len(c.Data) > 255 {
		return nil, fmt.Errorf("encode INS 0x%02X: %w", c.Ins, ErrDataTooLarge)
	}

	out := make([]byte, 0, 4+1+len(c.Data)+1)
	out = append(out, c.Cla, c.Ins, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.HasLe {
		out = append(out, c.Le)
	}
	return out, nil
}

// String returns readable command meta-data without the payload bytes.
func (c *Command) String() string {
	return fmt.Sprintf("CLA %02X INS %02X P1 %02X P2 %02X Lc %d", c.Cla, c.Ins, c.P1, c.P2, len(c.Data))
}

// Response is a decoded response APDU: payload plus the two status-word
// bytes that terminate every card response.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// DecodeResponse splits the trailing two bytes off as the status word and
// keeps the remainder as payload. Fewer than 2 bytes cannot carry a
// status word and is a protocol error.
func DecodeResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, NewProtocolError("short-response", fmt.Sprintf("%d bytes, need at least 2", len(raw)))
	}

	split := len(raw) - 2
	data := make([]byte, split)
	copy(data, raw[:split])

	return &Response{
		Data: data,
		SW1:  raw[split],
		SW2:  raw[split+1],
	}, nil
}

// SW returns the combined 16-bit status word.
func (r *Response) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess returns true when the card reported 0x9000.
func (r *Response) IsSuccess() bool {
	return r.SW() == swSuccess
}
