// Package store implements the append-only sync event store and the
// first-write-wins store/owner binding, backed by PostgreSQL through
// database/sql and jackc/pgx/v5/stdlib. Every mutation of a store's log
// happens under a row-level lock on that store's head row, taken inside a
// serializable transaction - the store row is the natural lock target
// since every event in a push belongs to exactly one (ownerId, storeId).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncmesh/core/common/logging"
	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncserver/model"
)

// Store is the append-only sync event store, one row per (ownerId,
// storeId, globalSequence).
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New wraps an already-opened *sql.DB (created via sql.Open("pgx", dsn)).
func New(db *sql.DB, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.New("syncstore", logging.Options{})
	}
	return &Store{db: db, logger: logger}
}

// EnsureStoreOwner upserts the (storeId -> ownerId) binding the first time a
// store is seen, and rejects any later caller presenting a different owner.
func (s *Store) EnsureStoreOwner(ctx context.Context, storeID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_stores (store_id, owner_id, head)
		VALUES ($1, $2, 0)
		ON CONFLICT (store_id) DO NOTHING
	`, storeID, ownerID)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "store_owner_write_failed", err)
	}

	var existingOwner string
	err = s.db.QueryRowContext(ctx, `SELECT owner_id FROM sync_stores WHERE store_id = $1`, storeID).Scan(&existingOwner)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "store_owner_read_failed", err)
	}
	if existingOwner != ownerID {
		return &syncerr.Error{
			Kind:    syncerr.KindAuth,
			Code:    "store_owner_mismatch",
			Message: fmt.Sprintf("store %s is owned by a different identity", storeID),
			Wrapped: &syncerr.AccessDenied{Reason: "store owner mismatch"},
		}
	}
	return nil
}

// GetHead returns the current head (highest assigned globalSequence, 0 if
// empty) for a store.
func (s *Store) GetHead(ctx context.Context, ownerID, storeID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `
		SELECT head FROM sync_stores WHERE store_id = $1 AND owner_id = $2
	`, storeID, ownerID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindInternal, "get_head_failed", err)
	}
	return head, nil
}

// Append assigns dense globalSequence numbers to a batch of events, inside a
// single serializable transaction that row-locks the store's head first.
// Per-event idempotency is resolved by (ownerId, storeId, eventId): an
// event already present returns its existing globalSequence instead of a
// new one and does not advance the head.
func (s *Store) Append(ctx context.Context, ownerID, storeID string, expectedHead int64, events []model.InputEvent) (model.AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_begin_tx_failed", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var currentHead int64
	err = tx.QueryRowContext(ctx, `
		SELECT head FROM sync_stores WHERE store_id = $1 AND owner_id = $2 FOR UPDATE
	`, storeID, ownerID).Scan(&currentHead)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AppendResult{}, &syncerr.Error{Kind: syncerr.KindAuth, Code: "store_not_found", Message: "store has no owner record"}
	}
	if err != nil {
		return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_lock_head_failed", err)
	}

	if currentHead != expectedHead {
		return model.AppendResult{}, &syncerr.Error{
			Kind:    syncerr.KindConflict,
			Code:    "head_mismatch",
			Message: fmt.Sprintf("expected head %d, current head is %d", expectedHead, currentHead),
			Wrapped: &syncerr.HeadMismatch{Current: currentHead, Expected: expectedHead},
		}
	}

	assigned := make([]model.Assignment, 0, len(events))
	head := currentHead

	for _, ev := range events {
		var existingSeq int64
		err = tx.QueryRowContext(ctx, `
			SELECT global_sequence FROM sync_events
			WHERE owner_id = $1 AND store_id = $2 AND event_id = $3
		`, ownerID, storeID, ev.EventID).Scan(&existingSeq)
		if err == nil {
			assigned = append(assigned, model.Assignment{EventID: ev.EventID, GlobalSequence: existingSeq})
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_idempotency_check_failed", err)
		}

		head++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_events (
				owner_id, store_id, global_sequence, event_id, record_json,
				scope_id, resource_id, grant_id, scope_state_ref
			) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		`, ownerID, storeID, head, ev.EventID, ev.RecordJSON,
			ev.ScopeID, ev.ResourceID, ev.GrantID, nullableBytes(ev.ScopeStateRef))
		if err != nil {
			return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_insert_failed", err)
		}
		assigned = append(assigned, model.Assignment{EventID: ev.EventID, GlobalSequence: head})
	}

	if head != currentHead {
		_, err = tx.ExecContext(ctx, `UPDATE sync_stores SET head = $1 WHERE store_id = $2 AND owner_id = $3`, head, storeID, ownerID)
		if err != nil {
			return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_update_head_failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.AppendResult{}, syncerr.Wrap(syncerr.KindInternal, "append_commit_failed", err)
	}

	return model.AppendResult{Head: head, Assigned: assigned}, nil
}

// LoadSince returns events with globalSequence > since, in ascending order,
// capped at limit rows; the caller enforces the 1000-event missing[] cap
// (see syncserver/service).
func (s *Store) LoadSince(ctx context.Context, ownerID, storeID string, since int64, limit int) ([]model.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_sequence, event_id, record_json, created_at
		FROM sync_events
		WHERE owner_id = $1 AND store_id = $2 AND global_sequence > $3
		ORDER BY global_sequence ASC
		LIMIT $4
	`, ownerID, storeID, since, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "load_since_failed", err)
	}
	defer rows.Close()

	var out []model.SyncEvent
	for rows.Next() {
		var ev model.SyncEvent
		if err := rows.Scan(&ev.GlobalSequence, &ev.EventID, &ev.RecordJSON, &ev.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "load_since_scan_failed", err)
		}
		ev.OwnerID = ownerID
		ev.StoreID = storeID
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountSince reports how many events exist past since, without loading
// their payloads. The sync service does not call it; server_ahead's
// missing[] is read with LoadSince.
func (s *Store) CountSince(ctx context.Context, ownerID, storeID string, since int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_events
		WHERE owner_id = $1 AND store_id = $2 AND global_sequence > $3
	`, ownerID, storeID, since).Scan(&count)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindInternal, "count_since_failed", err)
	}
	return count, nil
}

// ResetStore deletes all events and resets the head for a store. Dev-only;
// callers must gate this behind an environment and access-policy check
// before invoking it.
func (s *Store) ResetStore(ctx context.Context, ownerID, storeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "reset_begin_tx_failed", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_events WHERE owner_id = $1 AND store_id = $2`, ownerID, storeID); err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "reset_delete_events_failed", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_stores SET head = 0 WHERE owner_id = $1 AND store_id = $2`, ownerID, storeID); err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "reset_update_head_failed", err)
	}
	return tx.Commit()
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
