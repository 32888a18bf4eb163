// Package auth resolves an opaque session token (an `x-session-token`
// header or mo_session cookie) to an identity {identityId, traits}.
// Session validation itself is treated as a pluggable boundary; Resolver is
// that boundary, with KratosResolver as the concrete implementation behind
// the KRATOS_PUBLIC_URL env var.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/syncmesh/core/common/sessioncache"
	"github.com/syncmesh/core/common/syncerr"
)

// Identity is the resolved identity for a session token.
type Identity struct {
	IdentityID string
	Traits     map[string]string
}

// Resolver resolves an opaque session token to an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// KratosResolver resolves sessions against an Ory Kratos public API's
// session-introspection endpoint (GET {base}/sessions/whoami).
type KratosResolver struct {
	baseURL string
	client  *http.Client
}

// NewKratosResolver constructs a resolver against a Kratos public URL.
func NewKratosResolver(baseURL string, client *http.Client) *KratosResolver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KratosResolver{baseURL: baseURL, client: client}
}

type whoamiResponse struct {
	Identity struct {
		ID     string            `json:"id"`
		Traits map[string]string `json:"traits"`
	} `json:"identity"`
}

// Resolve implements Resolver.
func (r *KratosResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sessions/whoami", nil)
	if err != nil {
		return Identity{}, syncerr.Wrap(syncerr.KindInternal, "kratos_request_build_failed", err)
	}
	req.Header.Set("x-session-token", token)
	req.AddCookie(&http.Cookie{Name: "mo_session", Value: token})

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, syncerr.Retryable(syncerr.KindTransport, "kratos_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, &syncerr.Error{Kind: syncerr.KindAuth, Code: "session_invalid", Message: fmt.Sprintf("kratos returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, &syncerr.Error{Kind: syncerr.KindTransport, Code: "kratos_error", Message: fmt.Sprintf("kratos returned %d", resp.StatusCode), Retryable: true}
	}

	var body whoamiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, syncerr.Wrap(syncerr.KindInternal, "kratos_decode_failed", err)
	}
	return Identity{IdentityID: body.Identity.ID, Traits: body.Identity.Traits}, nil
}

// CachedResolver wraps a Resolver with a sessioncache.Cache
// ("Session validation is cached in-memory for a TTL read from env").
type CachedResolver struct {
	inner Resolver
	cache *sessioncache.Cache
}

// NewCachedResolver wraps inner with cache.
func NewCachedResolver(inner Resolver, cache *sessioncache.Cache) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache}
}

// Resolve implements Resolver, consulting the cache before calling inner.
func (c *CachedResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if cached, ok := c.cache.Read(token); ok {
		return Identity{IdentityID: cached.IdentityID, Traits: cached.Traits}, nil
	}

	id, err := c.inner.Resolve(ctx, token)
	if err != nil {
		return Identity{}, err
	}

	_ = c.cache.Write(token, sessioncache.Identity{IdentityID: id.IdentityID, Traits: id.Traits})
	return id, nil
}

// Invalidate evicts a cached session, e.g. after the inner resolver reports
// 401/403 for a token the cache had previously accepted.
func (c *CachedResolver) Invalidate(token string) error {
	return c.cache.Invalidate(token)
}
