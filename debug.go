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
	"fmt"
	"os"
	"strings"
)

// debugEnabled controls whether debug logging is active
var debugEnabled = false

func init() {
	if os.Getenv("KEYCARD_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
	}
}

// SetDebugEnabled toggles debug output at runtime.
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// Debugf prints debug information when debug mode is enabled. Lines also
// go to the trace log when one is open.
func Debugf(format string, args ...any) {
	if debugEnabled {
		fmt.Fprintf(os.Stderr, "DEBUG: "+format+"\n", args...)
	}
	traceLine(format, args...)
}

// formatHexBytes formats a byte slice as space-separated hex values,
// truncating long data. Used for wire traces; PIN payloads must never be
// passed through it.
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}

	limit := len(data)
	truncated := false
	if limit > 32 {
		limit = 32
		truncated = true
	}

	parts := make([]string, limit)
	for i := range limit {
		parts[i] = fmt.Sprintf("%02X", data[i])
	}
	out := strings.Join(parts, " ")
	if truncated {
		out += fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return out
}
