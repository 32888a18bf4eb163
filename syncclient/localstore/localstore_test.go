package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertLocalEvent(t *testing.T, s *Store, id, aggType, aggID string, version, commitSeq int64) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO events (
			id, aggregate_type, aggregate_id, version, event_type, payload_ciphertext,
			occurred_at, commit_sequence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, aggType, aggID, version, "test.event", "ciphertext",
		time.Now().UTC().Format(time.RFC3339Nano), commitSeq)
	require.NoError(t, err)
}

func TestOpen_InMemoryAppliesSchema(t *testing.T) {
	s := newTestStore(t)
	var name string
	err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "events", name)
}

func TestLoadPending_OrdersByCommitSequenceAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertLocalEvent(t, s, "evt-2", "agg", "agg-1", 2, 20)
	insertLocalEvent(t, s, "evt-1", "agg", "agg-1", 1, 10)

	pending, err := s.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "evt-1", pending[0].ID)
	require.Equal(t, "evt-2", pending[1].ID)
}

func TestLoadPending_ExcludesAlreadyMappedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertLocalEvent(t, s, "evt-1", "agg", "agg-1", 1, 10)
	require.NoError(t, s.MarkAssigned(ctx, "evt-1", 5, time.Now()))

	pending, err := s.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestHasPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, has)

	insertLocalEvent(t, s, "evt-1", "agg", "agg-1", 1, 10)

	has, err = s.HasPending(ctx)
	require.NoError(t, err)
	require.True(t, has)
}

func TestInsertRemoteEvent_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	p := PendingEvent{ID: "evt-remote", AggregateType: "agg", AggregateID: "agg-1", Version: 1,
		EventType: "test.event", PayloadCiphertext: "ct", OccurredAt: now, CommitSequence: 1}

	require.NoError(t, s.InsertRemoteEvent(ctx, p, 7, now))
	require.NoError(t, s.InsertRemoteEvent(ctx, p, 7, now))

	pending, err := s.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "a remote event is inserted already mapped")

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestSyncMeta_GetDefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.GetSyncMeta(ctx, "store-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)
}

func TestSyncMeta_SetIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSyncMeta(ctx, "store-1", 10, time.Now()))
	require.NoError(t, s.SetSyncMeta(ctx, "store-1", 3, time.Now()))

	seq, err := s.GetSyncMeta(ctx, "store-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), seq, "cursor must never move backward")

	require.NoError(t, s.SetSyncMeta(ctx, "store-1", 25, time.Now()))
	seq, err = s.GetSyncMeta(ctx, "store-1")
	require.NoError(t, err)
	require.Equal(t, int64(25), seq)
}

func TestRebaseAggregate_ShiftsPendingVersionsDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertLocalEvent(t, s, "evt-1", "agg", "agg-1", 3, 1)
	insertLocalEvent(t, s, "evt-2", "agg", "agg-1", 4, 2)

	require.NoError(t, s.RebaseAggregate(ctx, "agg", "agg-1", 3, 2))

	pending, err := s.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	versions := map[string]int64{}
	for _, p := range pending {
		versions[p.ID] = p.Version
	}
	require.Equal(t, int64(5), versions["evt-1"])
	require.Equal(t, int64(6), versions["evt-2"])
}

func TestRebaseAggregate_DoesNotTouchAlreadyMappedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertLocalEvent(t, s, "evt-1", "agg", "agg-1", 3, 1)
	require.NoError(t, s.MarkAssigned(ctx, "evt-1", 9, time.Now()))

	require.NoError(t, s.RebaseAggregate(ctx, "agg", "agg-1", 3, 10))

	var version int64
	require.NoError(t, s.DB().QueryRow(`SELECT version FROM events WHERE id = ?`, "evt-1").Scan(&version))
	require.Equal(t, int64(3), version, "already-synced events are not rebased")
}

func TestClose_NilDBIsNoOp(t *testing.T) {
	s := &Store{}
	require.NoError(t, s.Close())
}
