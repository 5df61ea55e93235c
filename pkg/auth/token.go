// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package auth defines the token-provider contract consumed by transport
// adapters, plus an in-memory caching decorator.
//
// The core never sees credentials. Acquisition (OAuth flows, device code,
// secret stores) lives outside; the core only asks a TokenProvider for a
// bearer token scoped to a resource URL.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
)

// TokenProvider supplies bearer tokens for a Service resource.
type TokenProvider interface {
	// GetToken returns a bearer token valid for resourceURL. Implementations
	// may block on interactive or network flows; they must honor ctx.
	GetToken(ctx context.Context, resourceURL string) (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context, resourceURL string) (string, error)

func (f TokenProviderFunc) GetToken(ctx context.Context, resourceURL string) (string, error) {
	return f(ctx, resourceURL)
}

// defaultRefreshSkew is how long before expiry a cached token is considered
// stale and refreshed silently.
const defaultRefreshSkew = 5 * time.Minute

// defaultTokenLifetime is assumed for tokens whose expiry cannot be read.
const defaultTokenLifetime = 30 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Cache decorates a TokenProvider with per-resource in-memory caching and
// silent refresh. Expiry is read from the token's JWT exp claim without
// signature verification; the token is opaque to the core and is never
// validated here, only scheduled for refresh.
type Cache struct {
	inner TokenProvider
	skew  time.Duration

	mu     sync.Mutex
	tokens map[string]cachedToken

	// now is replaceable for tests.
	now func() time.Time
}

// NewCache wraps a provider with caching. A zero refreshSkew uses the
// default of five minutes.
func NewCache(inner TokenProvider, refreshSkew time.Duration) *Cache {
	if refreshSkew <= 0 {
		refreshSkew = defaultRefreshSkew
	}
	return &Cache{
		inner:  inner,
		skew:   refreshSkew,
		tokens: make(map[string]cachedToken),
		now:    time.Now,
	}
}

// GetToken returns a cached token when fresh, otherwise fetches a new one
// from the wrapped provider. Concurrent callers for the same resource
// serialize on the cache lock; the Service-side cost of a duplicate fetch is
// negligible next to a blocked bulk job.
func (c *Cache) GetToken(ctx context.Context, resourceURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", faults.Wrap(faults.CodeCancelled, "token acquisition cancelled", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.tokens[resourceURL]; ok {
		if c.now().Add(c.skew).Before(entry.expiresAt) {
			return entry.token, nil
		}
	}

	token, err := c.inner.GetToken(ctx, resourceURL)
	if err != nil {
		return "", faults.Wrap(faults.CodeAuth, "token acquisition failed", err)
	}

	expiry := c.tokenExpiry(token)
	c.tokens[resourceURL] = cachedToken{token: token, expiresAt: expiry}
	logging.Debug().
		Str("resource", resourceURL).
		Time("expires_at", expiry).
		Msg("bearer token refreshed")
	return token, nil
}

// Invalidate drops the cached token for a resource, forcing the next call to
// refresh. The pool calls this after an auth fault.
func (c *Cache) Invalidate(resourceURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, resourceURL)
}

// tokenExpiry extracts the exp claim from a JWT bearer. Non-JWT tokens and
// tokens without exp get the default lifetime.
func (c *Cache) tokenExpiry(token string) time.Time {
	fallback := c.now().Add(defaultTokenLifetime)

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
