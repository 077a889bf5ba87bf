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
	"runtime"
	"time"

	"github.com/humanpassport/go-keycard/internal/syncutil"
)

// Trace log state. When a trace log is open, every Debugf line is also
// appended to it, giving a durable record of a reader session for bug
// reports. PIN payloads never reach Debugf, so they never land here.
var (
	traceMu   syncutil.Mutex
	traceFile *os.File
	tracePath string
)

// InitTraceLog creates a timestamped trace log in the current directory
// and returns its path for display to the user.
func InitTraceLog() (string, error) {
	traceMu.Lock()
	defer traceMu.Unlock()

	if traceFile != nil {
		return tracePath, nil
	}

	filename := fmt.Sprintf("keycard_%s.log", time.Now().Format("20060102_150405"))
	f, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create trace log: %w", err)
	}

	traceFile = f
	tracePath = filename
	writeTraceHeader(f)
	return filename, nil
}

// CloseTraceLog closes the current trace log.
func CloseTraceLog() error {
	traceMu.Lock()
	defer traceMu.Unlock()

	if traceFile == nil {
		return nil
	}

	_, _ = fmt.Fprintf(traceFile, "\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))
	err := traceFile.Close()
	traceFile = nil
	tracePath = ""
	if err != nil {
		return fmt.Errorf("failed to close trace log: %w", err)
	}
	return nil
}

// TraceLogPath returns the open trace log path, or "" when none is open.
func TraceLogPath() string {
	traceMu.Lock()
	defer traceMu.Unlock()
	return tracePath
}

// traceLine appends one formatted line to the trace log if one is open.
func traceLine(format string, args ...any) {
	traceMu.Lock()
	defer traceMu.Unlock()

	if traceFile == nil {
		return
	}
	_, _ = fmt.Fprintf(traceFile, "%s ", time.Now().Format("15:04:05.000"))
	_, _ = fmt.Fprintf(traceFile, format+"\n", args...)
}

func writeTraceHeader(f *os.File) {
	_, _ = fmt.Fprint(f, "=== Keycard Session Trace ===\n")
	_, _ = fmt.Fprintf(f, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(f, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(f, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(f, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprint(f, "=============================\n\n")
}
