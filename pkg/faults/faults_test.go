// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", New(CodeValidation, "bad input"), CodeValidation},
		{"wrapped cause", Wrap(CodeConnection, "transport failed", errors.New("eof")), CodeConnection},
		{"fmt wrapped", fmt.Errorf("outer: %w", New(CodeAuth, "expired")), CodeAuth},
		{"context cancelled", context.Canceled, CodeCancelled},
		{"deadline", context.DeadlineExceeded, CodeCancelled},
		{"foreign error", errors.New("plain"), CodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsMatchesThroughChain(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Wrap(CodeThrottle, "rate limited", errors.New("429")))
	if !Is(err, CodeThrottle) {
		t.Error("Is should find the code through wrapping")
	}
	if Is(err, CodeAuth) {
		t.Error("Is matched the wrong code")
	}
	if Is(nil, CodeAuth) {
		t.Error("Is matched nil")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeConnection, "transport failed", cause)
	if !errors.Is(err, cause) {
		t.Error("cause lost in wrapping")
	}
	if msg := err.Error(); msg != "ConnectionError: transport failed: connection reset" {
		t.Errorf("message = %q", msg)
	}
	bare := New(CodeNotFound, "entity missing")
	if msg := bare.Error(); msg != "NotFound: entity missing" {
		t.Errorf("message = %q", msg)
	}
}

func TestThrottleCarriesRetryAfter(t *testing.T) {
	err := Throttle("slow down", 45*time.Second)
	if got := RetryAfterOf(err); got != 45*time.Second {
		t.Errorf("RetryAfterOf = %v, want 45s", got)
	}
	if got := RetryAfterOf(fmt.Errorf("outer: %w", err)); got != 45*time.Second {
		t.Errorf("RetryAfterOf through chain = %v, want 45s", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf on foreign error = %v, want 0", got)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []Code{CodeThrottle, CodePoolExhausted, CodeConnection}
	for _, code := range transient {
		if !IsTransient(New(code, "x")) {
			t.Errorf("%s should be transient", code)
		}
	}
	terminal := []Code{CodeValidation, CodeDmlBlocked, CodeUntranspilable, CodeAuth, CodeNotFound, CodeCancelled, CodeInternal}
	for _, code := range terminal {
		if IsTransient(New(code, "x")) {
			t.Errorf("%s should not be transient", code)
		}
	}
}
