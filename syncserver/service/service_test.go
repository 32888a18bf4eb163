package service

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/core/syncserver/ledger"
	"github.com/syncmesh/core/syncserver/model"
	"github.com/syncmesh/core/syncserver/policy"
	"github.com/syncmesh/core/syncserver/store"
)

func TestBuildPullResult_EmptyRows(t *testing.T) {
	res := buildPullResult(nil, 5, 10)
	require.Equal(t, int64(5), res.Head)
	require.False(t, res.HasMore)
	require.Nil(t, res.NextSince)
	require.Empty(t, res.Events)
}

func TestBuildPullResult_HasMoreWhenLimitReachedBelowHead(t *testing.T) {
	rows := []model.SyncEvent{
		{GlobalSequence: 1, EventID: "evt-1", RecordJSON: "{}"},
		{GlobalSequence: 2, EventID: "evt-2", RecordJSON: "{}"},
	}
	res := buildPullResult(rows, 10, 2)
	require.True(t, res.HasMore)
	require.NotNil(t, res.NextSince)
	require.Equal(t, int64(2), *res.NextSince)
}

func TestBuildPullResult_NoMoreWhenCaughtUpToHead(t *testing.T) {
	rows := []model.SyncEvent{
		{GlobalSequence: 1, EventID: "evt-1", RecordJSON: "{}"},
	}
	res := buildPullResult(rows, 1, 10)
	require.False(t, res.HasMore)
	require.Equal(t, int64(1), *res.NextSince)
}

// openTestDeps connects the store and ledger to TEST_DATABASE_URL; tests
// that need them are skipped when it is unset.
func openTestDeps(t *testing.T) (*store.Store, *ledger.Ledger) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping service integration test")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, nil), ledger.New(db, nil)
}

func TestPush_RejectsNonOwnerActor(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})

	_, err := svc.Push(context.Background(), policy.Actor{IdentityID: "intruder"}, "owner-1", "store-push-auth", 0, nil)
	require.Error(t, err)
}

func TestPush_ServerAheadReturnsMissingEvents(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-push-ahead"}

	first, err := svc.Push(ctx, actor, "owner-push-ahead", "store-push-ahead", 0, []model.InputEvent{
		{EventID: "evt-1", RecordJSON: "{}"},
	})
	require.NoError(t, err)
	require.True(t, first.OK)
	require.Equal(t, int64(1), first.Head)

	// Pushing at a stale expectedHead (0, but the store is now at head 1)
	// must come back as server_ahead with the missing event attached.
	second, err := svc.Push(ctx, actor, "owner-push-ahead", "store-push-ahead", 0, []model.InputEvent{
		{EventID: "evt-2", RecordJSON: "{}"},
	})
	require.NoError(t, err)
	require.False(t, second.OK)
	require.Equal(t, "server_ahead", second.Reason)
	require.Len(t, second.Missing, 1)
	require.Equal(t, "evt-1", second.Missing[0].EventID)
}

func TestPush_MissingScopeDepsRejectsEvent(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-push-deps"}

	res, err := svc.Push(ctx, actor, "owner-push-deps", "store-push-deps", 0, []model.InputEvent{
		{EventID: "evt-1", RecordJSON: "{}", ScopeID: "scope-never-created"},
	})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "missing_deps", res.Reason)
}

func TestPush_StaleScopeStateRefRejectsEvent(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-push-stale-scope"}
	scopeID := "scope-stale-ref"
	refA := []byte("ref-a-32-bytes-aaaaaaaaaaaaaaaaa")
	refB := []byte("ref-b-32-bytes-bbbbbbbbbbbbbbbbb")

	require.NoError(t, lg.AppendScopeState(ctx, model.ScopeState{
		ScopeID: scopeID, Seq: 1, PrevHash: nil, Ref: refA,
		OwnerUserID: "owner-push-stale-scope", ScopeEpoch: 1,
		SignedRecordCBOR: []byte{0x01}, Members: []byte{0x02}, Signers: []byte{0x03},
		SigSuite: "suite-1", Signature: []byte{0x04},
	}))
	// Scope head advances refA -> refB.
	require.NoError(t, lg.AppendScopeState(ctx, model.ScopeState{
		ScopeID: scopeID, Seq: 2, PrevHash: refA, Ref: refB,
		OwnerUserID: "owner-push-stale-scope", ScopeEpoch: 2,
		SignedRecordCBOR: []byte{0x01}, Members: []byte{0x02}, Signers: []byte{0x03},
		SigSuite: "suite-1", Signature: []byte{0x04},
	}))

	// A push carrying the now-superseded refA is a real-but-stale ref: it
	// must be rejected as stale_scope_state, not missing_deps.
	res, err := svc.Push(ctx, actor, "owner-push-stale-scope", "store-push-stale-scope", 0, []model.InputEvent{
		{EventID: "evt-1", RecordJSON: "{}", ScopeID: scopeID, ScopeStateRef: refA},
	})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "stale_scope_state", res.Reason)
}

func TestPush_UnknownScopeStateRefRejectsAsMissingDeps(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-push-forged-ref"}
	scopeID := "scope-forged-ref"
	realRef := []byte("ref-real-32-bytes-cccccccccccccc")
	forgedRef := []byte("ref-forged-32-bytes-dddddddddddd")

	require.NoError(t, lg.AppendScopeState(ctx, model.ScopeState{
		ScopeID: scopeID, Seq: 1, PrevHash: nil, Ref: realRef,
		OwnerUserID: "owner-push-forged-ref", ScopeEpoch: 1,
		SignedRecordCBOR: []byte{0x01}, Members: []byte{0x02}, Signers: []byte{0x03},
		SigSuite: "suite-1", Signature: []byte{0x04},
	}))

	// forgedRef was never appended to any scope's ScopeState chain: it must
	// be rejected as missing_deps, not misclassified as stale_scope_state.
	res, err := svc.Push(ctx, actor, "owner-push-forged-ref", "store-push-forged-ref", 0, []model.InputEvent{
		{EventID: "evt-1", RecordJSON: "{}", ScopeID: scopeID, ScopeStateRef: forgedRef},
	})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "missing_deps", res.Reason)
}

func TestReset_RejectsNonOwnerBeforeTouchingStore(t *testing.T) {
	// The policy check runs ahead of any store access, so no database is
	// needed to observe the denial.
	svc := New(nil, nil, Options{})
	err := svc.Reset(context.Background(), policy.Actor{IdentityID: "intruder"}, "owner-1", "store-reset-auth")
	require.Error(t, err)
}

func TestPull_ReturnsImmediatelyWhenEventsAlreadyAvailable(t *testing.T) {
	st, lg := openTestDeps(t)
	svc := New(st, lg, Options{})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-pull"}

	_, err := svc.Push(ctx, actor, "owner-pull", "store-pull", 0, []model.InputEvent{
		{EventID: "evt-1", RecordJSON: "{}"},
	})
	require.NoError(t, err)

	res, err := svc.Pull(ctx, actor, "owner-pull", "store-pull", 0, 10, 5000)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
}

func TestPull_TimesOutWhenNoNewEvents(t *testing.T) {
	st, lg := openTestDeps(t)
	now := time.Now()
	svc := New(st, lg, Options{Clock: func() time.Time { return now }})
	ctx := context.Background()
	actor := policy.Actor{IdentityID: "owner-pull-timeout"}

	require.NoError(t, st.EnsureStoreOwner(ctx, "store-pull-timeout", "owner-pull-timeout"))

	res, err := svc.Pull(ctx, actor, "owner-pull-timeout", "store-pull-timeout", 0, 10, 0)
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.Equal(t, int64(0), res.Head)
}
