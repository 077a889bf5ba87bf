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

package i2c

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBusPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantBus  string
		wantAddr uint16
	}{
		{
			name:     "bare bus",
			input:    "/dev/i2c-1",
			wantBus:  "/dev/i2c-1",
			wantAddr: defaultAddr,
		},
		{
			name:     "bus with address",
			input:    "/dev/i2c-1:0x30",
			wantBus:  "/dev/i2c-1",
			wantAddr: 0x30,
		},
		{
			name:     "unparseable address falls back to default",
			input:    "/dev/i2c-1:zz",
			wantBus:  "/dev/i2c-1",
			wantAddr: defaultAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus, addr := parseBusPath(tt.input)
			assert.Equal(t, tt.wantBus, bus)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestXorChecksum(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x00), xorChecksum(nil))
	assert.Equal(t, byte(0x34), xorChecksum([]byte{0x12, 0x26}))
	assert.Equal(t, byte(0x00), xorChecksum([]byte{0x5A, 0x5A}))
}
