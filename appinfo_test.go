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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tlv builds one primitive TLV entry. Values in these fixtures stay
// under 128 bytes so the short length form is enough.
func tlv(tag byte, value []byte) []byte {
	out := make([]byte, 0, 2+len(value))
	out = append(out, tag, byte(len(value)))
	return append(out, value...)
}

// template wraps children in a constructed tag.
func template(tag byte, children ...[]byte) []byte {
	var body []byte
	for _, c := range children {
		body = append(body, c...)
	}
	return tlv(tag, body)
}

func selectResponseFixture() []byte {
	return template(0xA4,
		tlv(0x8F, []byte{0x01, 0x02, 0x03, 0x04}),
		tlv(0x80, []byte{0x04, 0xAA, 0xBB, 0xCC}),
		tlv(0x02, []byte{0x03, 0x01}),
		tlv(0xC0, []byte{0x03}),
		tlv(0xC1, []byte{0x05}),
	)
}

func TestParseApplicationInfo(t *testing.T) {
	t.Parallel()

	info, err := parseApplicationInfo(selectResponseFixture())
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, info.InstanceUID)
	assert.Equal(t, []byte{0x04, 0xAA, 0xBB, 0xCC}, info.PublicKey)
	assert.Equal(t, "3.1", info.Version)
	assert.Equal(t, 3, info.Status.PINRetries)
	assert.Equal(t, 5, info.Status.PUKRetries)
	assert.False(t, info.Status.Locked)
}

func TestParseApplicationInfoLockedCard(t *testing.T) {
	t.Parallel()

	data := template(0xA4,
		tlv(0x8F, []byte{0x01, 0x02, 0x03, 0x04}),
		tlv(0x02, []byte{0x03, 0x01}),
		tlv(0xC0, []byte{0x00}),
		tlv(0xC1, []byte{0x02}),
	)

	info, err := parseApplicationInfo(data)
	require.NoError(t, err)
	assert.True(t, info.Status.Locked)
	assert.Equal(t, 0, info.Status.PINRetries)
}

func TestParseApplicationInfoMissingUID(t *testing.T) {
	t.Parallel()

	data := template(0xA4,
		tlv(0x02, []byte{0x03, 0x01}),
		tlv(0xC0, []byte{0x03}),
	)

	_, err := parseApplicationInfo(data)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "app-template", pe.Code)
}

func TestParseApplicationInfoWrongTemplate(t *testing.T) {
	t.Parallel()

	// A non-keycard applet answering SELECT with its own FCI template.
	data := template(0x6F,
		tlv(0x84, []byte{0xA0, 0x00, 0x00, 0x00, 0x03}),
	)

	_, err := parseApplicationInfo(data)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "tlv-template", pe.Code)
}

func TestParseApplicationInfoGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseApplicationInfo([]byte{0xA4, 0x10, 0x01})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestParseCardStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want CardStatus
	}{
		{
			name: "unlocked",
			data: template(0xA3,
				tlv(0xC0, []byte{0x02}),
				tlv(0xC1, []byte{0x05}),
				tlv(0xC2, []byte{0x00}),
				tlv(0x02, []byte{0x03, 0x01}),
			),
			want: CardStatus{FirmwareVersion: "3.1", PINRetries: 2, PUKRetries: 5, Locked: false},
		},
		{
			name: "locked",
			data: template(0xA3,
				tlv(0xC0, []byte{0x00}),
				tlv(0xC1, []byte{0x05}),
				tlv(0xC2, []byte{0x01}),
			),
			want: CardStatus{PINRetries: 0, PUKRetries: 5, Locked: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, err := parseCardStatus(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}
