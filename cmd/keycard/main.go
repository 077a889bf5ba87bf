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

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	keycard "github.com/humanpassport/go-keycard"
	"github.com/humanpassport/go-keycard/transport/i2c"
	"github.com/humanpassport/go-keycard/transport/pcsc"
	"github.com/humanpassport/go-keycard/transport/serial"
)

type config struct {
	devicePath string
	pin        string
	path       string
	digestHex  string
	debug      bool
	trace      bool
	verbose    bool
}

// Package-level flag variables
var (
	flagDevicePath string
	flagPIN        string
	flagPath       string
	flagDigest     string
	flagDebug      bool
	flagTrace      bool
	flagVerbose    bool
)

func init() {
	flag.StringVar(&flagDevicePath, "device", "", "Device path: PC/SC reader name, /dev/ttyUSB0 or /dev/i2c-1 (first PC/SC reader if empty)")
	flag.StringVar(&flagPIN, "pin", "", "PIN to verify after select")
	flag.StringVar(&flagPath, "path", "m/44'/60'/0'/0/0", "Derivation path for key operations")
	flag.StringVar(&flagDigest, "sign", "", "Hex-encoded 32-byte digest to sign (requires -pin)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagTrace, "trace", false, "Write a session trace log to the current directory")
	flag.BoolVar(&flagVerbose, "v", false, "Print session events")
}

func parseConfig() *config {
	cfg := &config{
		devicePath: flagDevicePath,
		pin:        flagPIN,
		path:       flagPath,
		digestHex:  flagDigest,
		debug:      flagDebug,
		trace:      flagTrace,
		verbose:    flagVerbose,
	}
	if cfg.debug {
		keycard.SetDebugEnabled(true)
	}
	return cfg
}

// newTransceiver picks a transport backend from the device path shape.
func newTransceiver(path string) (keycard.Transceiver, error) {
	pathLower := strings.ToLower(path)

	switch {
	case strings.Contains(pathLower, "i2c"):
		t, err := i2c.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C bridge: %w", err)
		}
		return t, nil
	case strings.HasPrefix(pathLower, "/dev/tty"), strings.HasPrefix(pathLower, "com"):
		t, err := serial.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial bridge: %w", err)
		}
		return t, nil
	default:
		// Anything else is treated as a PC/SC reader name, empty meaning
		// the first reader the OS service reports.
		t, err := pcsc.Connect(path)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PC/SC reader: %w", err)
		}
		return t, nil
	}
}

func run(ctx context.Context, cfg *config) error {
	if cfg.trace {
		path, err := keycard.InitTraceLog()
		if err != nil {
			return err
		}
		_, _ = fmt.Printf("Trace log: %s\n", path)
		defer func() {
			if err := keycard.CloseTraceLog(); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "Failed to close trace log: %v\n", err)
			}
		}()
	}

	transceiver, err := newTransceiver(cfg.devicePath)
	if err != nil {
		return err
	}

	session, err := keycard.NewSession(transceiver, keycard.TagInfo{})
	if err != nil {
		_ = transceiver.Close()
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close session: %v\n", err)
		}
	}()

	if cfg.verbose {
		unsubscribe := session.Events().Subscribe(func(ev keycard.Event) {
			_, _ = fmt.Printf("event: %s\n", ev)
		})
		defer unsubscribe()
	}

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	card := keycard.NewCard(session)

	info, err := card.Select(ctx)
	if err != nil {
		return fmt.Errorf("failed to select keycard: %w", err)
	}
	_, _ = fmt.Printf("Keycard %x\n", info.InstanceUID)
	_, _ = fmt.Printf("  firmware: %s\n", info.Version)
	_, _ = fmt.Printf("  PIN retries: %d, PUK retries: %d\n", info.Status.PINRetries, info.Status.PUKRetries)
	if info.Status.Locked {
		_, _ = fmt.Println("  card is LOCKED; unlock with the PUK before use")
		return nil
	}

	if cfg.pin == "" {
		return nil
	}
	return runAuthenticated(ctx, card, cfg)
}

func runAuthenticated(ctx context.Context, card *keycard.Card, cfg *config) error {
	if _, err := card.VerifyPIN(ctx, cfg.pin); err != nil {
		if retries, ok := keycard.IsPinVerificationError(err); ok {
			return fmt.Errorf("wrong PIN, %d attempts remaining", retries)
		}
		return fmt.Errorf("failed to verify PIN: %w", err)
	}
	_, _ = fmt.Println("PIN verified")

	derivationPath, err := keycard.ParseDerivationPath(cfg.path)
	if err != nil {
		return fmt.Errorf("bad derivation path %q: %w", cfg.path, err)
	}

	publicKey, err := card.DeriveKey(ctx, derivationPath)
	if err != nil {
		return fmt.Errorf("failed to derive key at %s: %w", derivationPath, err)
	}
	_, _ = fmt.Printf("Public key at %s: %x\n", derivationPath, publicKey)

	if cfg.digestHex == "" {
		return nil
	}

	digest, err := hex.DecodeString(cfg.digestHex)
	if err != nil {
		return fmt.Errorf("bad digest hex: %w", err)
	}

	sig, err := card.Sign(ctx, derivationPath, digest)
	if err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}
	_, _ = fmt.Printf("Signature: r=%x s=%x v=%d\n", sig.R, sig.S, sig.V)
	return nil
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
