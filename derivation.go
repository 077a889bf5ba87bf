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
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// HardenedFlag marks a derivation index as hardened.
const HardenedFlag uint32 = 0x80000000

// DerivationPath is an ordered sequence of 32-bit child indices selecting
// a keypair under the card's master seed. Hardened indices carry the high
// bit. The card performs the actual derivation; the host only encodes the
// path.
type DerivationPath []uint32

// ParseDerivationPath parses the textual form "m/44'/60'/0'/0/0".
// A trailing apostrophe or "h" marks an index as hardened.
func ParseDerivationPath(s string) (DerivationPath, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path: %w", ErrInvalidPath)
	}

	parts := strings.Split(s, "/")
	if parts[0] != "m" {
		return nil, fmt.Errorf("path must start with m: %w", ErrInvalidPath)
	}

	path := make(DerivationPath, 0, len(parts)-1)
	for _, part := range parts[1:] {
		if part == "" {
			return nil, fmt.Errorf("empty path component: %w", ErrInvalidPath)
		}

		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
			hardened = true
			part = part[:len(part)-1]
		}

		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", part, ErrInvalidPath)
		}
		if uint32(index)&HardenedFlag != 0 {
			return nil, fmt.Errorf("component %q exceeds hardened boundary: %w", part, ErrInvalidPath)
		}

		value := uint32(index)
		if hardened {
			value |= HardenedFlag
		}
		path = append(path, value)
	}

	return path, nil
}

// Encode produces the wire form the DERIVE command carries: each index as
// 4 bytes big-endian with the hardened bit preserved.
func (p DerivationPath) Encode() []byte {
	out := make([]byte, 0, len(p)*4)
	for _, index := range p {
		out = binary.BigEndian.AppendUint32(out, index)
	}
	return out
}

// String renders the path in the conventional textual form.
func (p DerivationPath) String() string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, index := range p {
		sb.WriteString("/")
		sb.WriteString(strconv.FormatUint(uint64(index&^HardenedFlag), 10))
		if index&HardenedFlag != 0 {
			sb.WriteString("'")
		}
	}
	return sb.String()
}
