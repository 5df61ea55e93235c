// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
)

const resource = "https://org.example.com"

// signedToken mints an HS256 JWT expiring at exp. The cache reads claims
// without verification, so the signing key is irrelevant.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type countingProvider struct {
	calls int
	token string
	err   error
}

func (p *countingProvider) GetToken(_ context.Context, _ string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

func TestCacheReturnsCachedTokenWhileFresh(t *testing.T) {
	now := time.Now()
	inner := &countingProvider{token: signedToken(t, now.Add(time.Hour))}
	c := NewCache(inner, 0)
	c.now = func() time.Time { return now }

	for range 3 {
		got, err := c.GetToken(context.Background(), resource)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if got != inner.token {
			t.Fatalf("token mismatch")
		}
	}
	if inner.calls != 1 {
		t.Errorf("provider calls = %d, want 1", inner.calls)
	}
}

func TestCacheRefreshesInsideSkewWindow(t *testing.T) {
	now := time.Now()
	inner := &countingProvider{token: signedToken(t, now.Add(10*time.Minute))}
	c := NewCache(inner, 5*time.Minute)
	c.now = func() time.Time { return now }

	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	// Advance to 6 minutes before expiry: still outside the skew window.
	now = now.Add(4 * time.Minute)
	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 before skew window", inner.calls)
	}

	// Advance to 4 minutes before expiry: inside the window, must refresh.
	now = now.Add(2 * time.Minute)
	inner.token = signedToken(t, now.Add(time.Hour))
	got, err := c.GetToken(context.Background(), resource)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("provider calls = %d, want 2 after entering skew window", inner.calls)
	}
	if got != inner.token {
		t.Errorf("stale token returned after refresh")
	}
}

func TestCacheNonJWTGetsDefaultLifetime(t *testing.T) {
	now := time.Now()
	inner := &countingProvider{token: "opaque-bearer"}
	c := NewCache(inner, time.Minute)
	c.now = func() time.Time { return now }

	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	now = now.Add(10 * time.Minute)
	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("provider calls = %d, want 1 within the default lifetime", inner.calls)
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	inner := &countingProvider{token: signedToken(t, time.Now().Add(time.Hour))}
	c := NewCache(inner, 0)

	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	c.Invalidate(resource)
	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("provider calls = %d, want 2 after invalidation", inner.calls)
	}
}

func TestCachePerResourceEntries(t *testing.T) {
	inner := &countingProvider{token: signedToken(t, time.Now().Add(time.Hour))}
	c := NewCache(inner, 0)

	if _, err := c.GetToken(context.Background(), resource); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if _, err := c.GetToken(context.Background(), "https://other.example.com"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("provider calls = %d, want 2 for distinct resources", inner.calls)
	}
}

func TestCacheProviderFailure(t *testing.T) {
	inner := &countingProvider{err: errors.New("device flow timed out")}
	c := NewCache(inner, 0)

	_, err := c.GetToken(context.Background(), resource)
	if !faults.Is(err, faults.CodeAuth) {
		t.Fatalf("error code = %v, want %v", faults.CodeOf(err), faults.CodeAuth)
	}
}

func TestCacheCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &countingProvider{token: "unused"}
	c := NewCache(inner, 0)
	_, err := c.GetToken(ctx, resource)
	if !faults.Is(err, faults.CodeCancelled) {
		t.Fatalf("error code = %v, want %v", faults.CodeOf(err), faults.CodeCancelled)
	}
	if inner.calls != 0 {
		t.Errorf("provider called despite cancelled context")
	}
}

func TestTokenProviderFunc(t *testing.T) {
	p := TokenProviderFunc(func(_ context.Context, url string) (string, error) {
		return fmt.Sprintf("token-for-%s", url), nil
	})
	got, err := p.GetToken(context.Background(), "r")
	if err != nil || got != "token-for-r" {
		t.Fatalf("GetToken = %q, %v", got, err)
	}
}
