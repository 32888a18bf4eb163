package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/core/common/syncerr"
)

func TestPush_SuccessRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/push", r.URL.Path)
		require.Equal(t, "tok-1", r.Header.Get("x-session-token"))
		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "store-1", req.StoreID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PushResponse{OK: true, Head: 1, Assigned: []Assignment{{EventID: "evt-1", GlobalSequence: 1}}})
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, SessionToken: "tok-1"})
	resp, err := tr.Push(context.Background(), PushRequest{StoreID: "store-1", Events: []WireEvent{{EventID: "evt-1", RecordJSON: "{}"}}})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, int64(1), resp.Head)
}

func TestPush_ConflictIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(PushResponse{OK: false, Reason: "server_ahead"})
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL})
	resp, err := tr.Push(context.Background(), PushRequest{StoreID: "store-1"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "server_ahead", resp.Reason)
}

func TestPush_UnauthorizedIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, MaxElapsed: 500 * time.Millisecond})
	_, err := tr.Push(context.Background(), PushRequest{StoreID: "store-1"})
	require.Error(t, err)

	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, "session_rejected", syncErr.Code)
	require.Equal(t, 1, attempts, "auth failures must not be retried")
}

func TestPush_UnexpectedStatusIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, MaxElapsed: 500 * time.Millisecond})
	_, err := tr.Push(context.Background(), PushRequest{StoreID: "store-1"})
	require.Error(t, err)

	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindProtocol, syncErr.Kind)
	require.Equal(t, 1, attempts)
}

func TestPull_SuccessRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/pull", r.URL.Path)
		require.Equal(t, "store-1", r.URL.Query().Get("storeId"))
		require.Equal(t, "5", r.URL.Query().Get("since"))

		_ = json.NewEncoder(w).Encode(PullResponse{Head: 5, Events: []RemoteEvent{{GlobalSequence: 5, EventID: "evt-5", RecordJSON: "{}"}}})
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL})
	resp, err := tr.Pull(context.Background(), "store-1", 5, 100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), resp.Head)
	require.Len(t, resp.Events, 1)
}

func TestPush_RetriesTransientNetworkFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			// Close the connection without responding to simulate a
			// transient network failure on the first attempt.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PushResponse{OK: true, Head: 1})
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, MaxElapsed: 2 * time.Second})
	resp, err := tr.Push(context.Background(), PushRequest{StoreID: "store-1"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.GreaterOrEqual(t, attempts, 2)
}
