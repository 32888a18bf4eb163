// Package transport implements the client sync engine's HTTP transport:
// push and pull round-trips against the sync server. A single round-trip
// is retried on transient network errors (connection refused, timeout) via
// github.com/cenkalti/backoff/v4 before the failure is surfaced to the
// engine's own backoff state machine in syncclient/engine - the two
// backoffs serve different layers: one covers a single HTTP call, the
// other paces retries of the whole sync loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncmesh/core/common/syncerr"
)

// PushRequest mirrors POST /sync/push's body.
type PushRequest struct {
	StoreID      string      `json:"storeId"`
	ExpectedHead int64       `json:"expectedHead"`
	Events       []WireEvent `json:"events"`
}

// WireEvent is one event in a push request body. ScopeStateRef is a plain
// byte slice so encoding/json serializes it with the same std-base64
// convention the server's decoder expects; the base64url form only exists
// inside recordJson, where the record codec owns it.
type WireEvent struct {
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
	ScopeID        string `json:"scopeId,omitempty"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceKeyID  string `json:"resourceKeyId,omitempty"`
	GrantID        string `json:"grantId,omitempty"`
	ScopeStateRef  []byte `json:"scopeStateRef,omitempty"`
	AuthorDeviceID string `json:"authorDeviceId,omitempty"`
}

// PushResponse mirrors POST /sync/push's response body, both the 201 and
// 409 shapes.
type PushResponse struct {
	OK       bool          `json:"ok"`
	Head     int64         `json:"head"`
	Assigned []Assignment  `json:"assigned,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Missing  []RemoteEvent `json:"missing,omitempty"`
}

// Assignment is one {eventId, globalSequence} pair.
type Assignment struct {
	EventID        string `json:"eventId"`
	GlobalSequence int64  `json:"globalSequence"`
}

// RemoteEvent is one {globalSequence, eventId, recordJson} row, shared by
// missing[] and pull's events[].
type RemoteEvent struct {
	GlobalSequence int64  `json:"globalSequence"`
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
}

// PullResponse mirrors GET /sync/pull's response body.
type PullResponse struct {
	Events    []RemoteEvent `json:"events"`
	Head      int64         `json:"head"`
	HasMore   bool          `json:"hasMore"`
	NextSince *int64        `json:"nextSince"`
}

// Transport is the client Sync Engine's HTTP transport.
type Transport struct {
	baseURL     string
	sessionTok  string
	client      *http.Client
	retryPolicy func() backoff.BackOff
}

// Options configures a Transport.
type Options struct {
	BaseURL      string
	SessionToken string
	HTTPClient   *http.Client
	// MaxElapsed bounds the cenkalti/backoff retry of a single round trip;
	// zero uses 5s. Intervals grow exponentially from 200ms, capped at 2s.
	MaxElapsed time.Duration
}

// New constructs a Transport.
func New(opts Options) *Transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Second
	}
	return &Transport{
		baseURL:    opts.BaseURL,
		sessionTok: opts.SessionToken,
		client:     client,
		retryPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = maxElapsed
			return b
		},
	}
}

// Push issues one POST /sync/push round trip, retrying transient transport
// failures per the configured backoff policy.
func (t *Transport) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var resp PushResponse
	op := func() error {
		r, err := t.doJSON(ctx, http.MethodPost, "/sync/push", req, &resp)
		if err != nil {
			return err
		}
		if r != http.StatusCreated && r != http.StatusConflict {
			return backoff.Permanent(t.statusError(r, "push"))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(t.retryPolicy(), ctx)); err != nil {
		return PushResponse{}, unwrapPermanent(err)
	}
	return resp, nil
}

// Pull issues one GET /sync/pull round trip.
func (t *Transport) Pull(ctx context.Context, storeID string, since int64, limit int, waitMs int) (PullResponse, error) {
	path := fmt.Sprintf("/sync/pull?storeId=%s&since=%d&limit=%d&waitMs=%d", storeID, since, limit, waitMs)

	var resp PullResponse
	op := func() error {
		r, err := t.doJSON(ctx, http.MethodGet, path, nil, &resp)
		if err != nil {
			return err
		}
		if r != http.StatusOK {
			return backoff.Permanent(t.statusError(r, "pull"))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(t.retryPolicy(), ctx)); err != nil {
		return PullResponse{}, unwrapPermanent(err)
	}
	return resp, nil
}

func (t *Transport) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("transport: marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("transport: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.sessionTok != "" {
		req.Header.Set("x-session-token", t.sessionTok)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		return 0, syncerr.Retryable(syncerr.KindTransport, "transport_error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, backoff.Permanent(&syncerr.Error{Kind: syncerr.KindAuth, Code: "session_rejected", Message: "server rejected session token"})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("transport: decode response: %w", err))
	}

	return resp.StatusCode, nil
}

func (t *Transport) statusError(status int, op string) error {
	return &syncerr.Error{
		Kind:    syncerr.KindProtocol,
		Code:    "unexpected_status",
		Message: op + ": unexpected status " + strconv.Itoa(status),
	}
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*backoff.PermanentError); ok {
		return p.Err
	}
	return err
}
