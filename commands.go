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

// Command classes and instruction codes. These must match the keycard
// firmware exactly.
const (
	claISO         byte = 0x00
	claProprietary byte = 0x80

	insSelect       byte = 0xA4
	insVerifyPIN    byte = 0x20
	insGetStatus    byte = 0xF2
	insGetPublicKey byte = 0xF7
	insSign         byte = 0xC0
)

// KeycardAID selects the passport keycard applet.
var KeycardAID = []byte{0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01}

// newSelectCommand builds SELECT by AID. The response carries the
// application info template.
func newSelectCommand() *Command {
	return NewCommand(claISO, insSelect, 0x04, 0x00).
		WithData(KeycardAID).
		WithLe(0)
}

// newVerifyPINCommand builds VERIFY with the PIN as ASCII digits.
func newVerifyPINCommand(pin string) *Command {
	return NewCommand(claProprietary, insVerifyPIN, 0x00, 0x00).
		WithData([]byte(pin))
}

// newGetStatusCommand builds GET STATUS. The response carries the status
// template with the retry counters and lock flag.
func newGetStatusCommand() *Command {
	return NewCommand(claProprietary, insGetStatus, 0x00, 0x00).
		WithLe(0)
}

// newDeriveKeyCommand builds GET PUBLIC KEY for a derivation path. The
// card derives the keypair and returns the uncompressed public key;
// private material never leaves the secure element.
func newDeriveKeyCommand(path DerivationPath) *Command {
	return NewCommand(claProprietary, insGetPublicKey, 0x00, 0x00).
		WithData(path.Encode()).
		WithLe(0)
}

// newSignCommand builds SIGN over a 32-byte digest. The response payload
// is the raw 64-byte r||s pair; the recovery id is reconstructed host-side.
func newSignCommand(digest []byte) *Command {
	return NewCommand(claProprietary, insSign, 0x00, 0x00).
		WithData(digest).
		WithLe(0)
}
