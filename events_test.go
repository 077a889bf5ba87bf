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

func TestEmitterSubscribeAndEmit(t *testing.T) {
	t.Parallel()

	emitter := NewEmitter()

	var got []Event
	unsubscribe := emitter.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	emitter.Emit(Event{Type: EventSessionOpened, SessionID: "s1"})
	emitter.Emit(Event{Type: EventPinFailed, SessionID: "s1", Retries: 2})

	require.Len(t, got, 2)
	assert.Equal(t, EventSessionOpened, got[0].Type)
	assert.False(t, got[0].At.IsZero(), "Emit must stamp the event time")
	assert.Equal(t, 2, got[1].Retries)

	unsubscribe()
	emitter.Emit(Event{Type: EventSessionClosed})
	assert.Len(t, got, 2, "no delivery after unsubscribe")
}

func TestEmitterMultipleSubscribers(t *testing.T) {
	t.Parallel()

	emitter := NewEmitter()

	first, second := 0, 0
	emitter.Subscribe(func(Event) { first++ })
	emitter.Subscribe(func(Event) { second++ })

	emitter.Emit(Event{Type: EventTagDetected, TagUID: "04AABBCC"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestEmitterHandlerPanicContained(t *testing.T) {
	t.Parallel()

	emitter := NewEmitter()

	delivered := false
	emitter.Subscribe(func(Event) { panic("handler bug") })
	emitter.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		emitter.Emit(Event{Type: EventSessionOpened})
	})
	assert.True(t, delivered, "a panicking handler must not block the others")
}

func TestEmitterNilSafe(t *testing.T) {
	t.Parallel()

	var emitter *Emitter
	assert.NotPanics(t, func() {
		emitter.Emit(Event{Type: EventSessionClosed})
	})
}

func TestEventString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "pin failed carries retries",
			ev:   Event{Type: EventPinFailed, SessionID: "s1", Retries: 1},
			want: "pin-failed session=s1 retries=1",
		},
		{
			name: "protocol error carries code",
			ev:   Event{Type: EventProtocolError, SessionID: "s1", Code: "tlv-decode", Detail: "truncated"},
			want: "protocol-error session=s1 code=tlv-decode detail=truncated",
		},
		{
			name: "tag detected carries uid",
			ev:   Event{Type: EventTagDetected, TagUID: "04AABBCC"},
			want: "tag-detected uid=04AABBCC",
		},
		{
			name: "default form",
			ev:   Event{Type: EventSessionOpened, SessionID: "s1"},
			want: "session-opened session=s1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ev.String())
		})
	}
}
