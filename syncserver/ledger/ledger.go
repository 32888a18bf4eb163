// Package ledger implements the sharing ledger: three
// hash-chained append-only streams (ScopeState, ResourceGrant,
// KeyVaultRecord) plus the KeyEnvelope side table. The server never
// recomputes or verifies the CBOR signatures or the hash chain itself - it
// only enforces the byte-equality invariant prevHash_n == ref_{n-1} before
// accepting an append, exactly as it enforces expectedHead in
// syncserver/store.
//
// Every append shares the same transaction shape as syncserver/store:
// acquire the stream's head under a row lock, verify the caller's claimed
// predecessor against it, insert, advance the head - all inside one
// serializable transaction.
package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncmesh/core/common/logging"
	"github.com/syncmesh/core/common/metrics"
	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncserver/model"
)

// Ledger is the sharing ledger: three hash-chained streams plus the
// KeyEnvelope side table.
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
}

func observeAppend(stream string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LedgerAppendTotal.WithLabelValues(stream, outcome).Inc()
}

// New wraps an already-opened *sql.DB.
func New(db *sql.DB, logger logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.New("ledger", logging.Options{})
	}
	return &Ledger{db: db, logger: logger}
}

// AppendScopeState appends one ScopeState row after checking that
// row.PrevHash byte-equals the scope's current head ref (or that the scope
// has no head yet and row.Seq == 1). Upserts scope_state_heads.
func (l *Ledger) AppendScopeState(ctx context.Context, row model.ScopeState) (err error) {
	defer func() { observeAppend("scope_state", err) }()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "scope_state_begin_tx_failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headSeq int64
	var headRef []byte
	err = tx.QueryRowContext(ctx, `
		SELECT head_seq, head_ref FROM scope_state_heads WHERE scope_id = $1 FOR UPDATE
	`, row.ScopeID).Scan(&headSeq, &headRef)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if row.Seq != 1 {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_scope_state", Message: "first scope state row must have seq 1"}
		}
		if row.PrevHash != nil {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_scope_state", Message: "first scope state row must carry no prevHash"}
		}
	case err != nil:
		return syncerr.Wrap(syncerr.KindInternal, "scope_state_lock_head_failed", err)
	default:
		if row.Seq != headSeq+1 {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_scope_state", Message: fmt.Sprintf("expected seq %d, got %d", headSeq+1, row.Seq)}
		}
		if !bytes.Equal(row.PrevHash, headRef) {
			return &syncerr.Error{
				Kind:    syncerr.KindConflict,
				Code:    "stale_scope_state",
				Message: "prevHash does not match current scope state head",
				Wrapped: &syncerr.HashChainViolation{Reason: "scope state prevHash mismatch"},
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scope_states (
			scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
			signed_record_cbor, members, signers, sig_suite, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, row.ScopeID, row.Seq, row.PrevHash, row.Ref, row.OwnerUserID, row.ScopeEpoch,
		row.SignedRecordCBOR, row.Members, row.Signers, row.SigSuite, row.Signature)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "scope_state_insert_failed", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scope_state_heads (scope_id, owner_user_id, head_seq, head_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope_id) DO UPDATE SET owner_user_id = $2, head_seq = $3, head_ref = $4
	`, row.ScopeID, row.OwnerUserID, row.Seq, row.Ref)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "scope_state_head_upsert_failed", err)
	}

	return tx.Commit()
}

// LoadScopeStateSince returns up to limit ScopeState rows for a scope past
// seq, ascending.
func (l *Ledger) LoadScopeStateSince(ctx context.Context, scopeID string, seq int64, limit int) ([]model.ScopeState, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
			signed_record_cbor, members, signers, sig_suite, signature, created_at
		FROM scope_states WHERE scope_id = $1 AND seq > $2 ORDER BY seq ASC
		LIMIT $3
	`, scopeID, seq, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "scope_state_load_since_failed", err)
	}
	defer rows.Close()

	var out []model.ScopeState
	for rows.Next() {
		var s model.ScopeState
		if err := rows.Scan(&s.ScopeID, &s.Seq, &s.PrevHash, &s.Ref, &s.OwnerUserID, &s.ScopeEpoch,
			&s.SignedRecordCBOR, &s.Members, &s.Signers, &s.SigSuite, &s.Signature, &s.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "scope_state_scan_failed", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadScopeStateByRef is a point lookup of a ScopeState row by its
// content-hash ref, independent of which scope or seq it belongs to. The
// sync service uses it to tell a forged/unknown scopeStateRef
// (missing_deps) apart from a real-but-superseded one (stale_scope_state).
func (l *Ledger) LoadScopeStateByRef(ctx context.Context, ref []byte) (model.ScopeState, bool, error) {
	var s model.ScopeState
	err := l.db.QueryRowContext(ctx, `
		SELECT scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
			signed_record_cbor, members, signers, sig_suite, signature, created_at
		FROM scope_states WHERE ref = $1
	`, ref).Scan(&s.ScopeID, &s.Seq, &s.PrevHash, &s.Ref, &s.OwnerUserID, &s.ScopeEpoch,
		&s.SignedRecordCBOR, &s.Members, &s.Signers, &s.SigSuite, &s.Signature, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScopeState{}, false, nil
	}
	if err != nil {
		return model.ScopeState{}, false, syncerr.Wrap(syncerr.KindInternal, "scope_state_load_by_ref_failed", err)
	}
	return s, true, nil
}

// GetScopeStateHead returns the current head row for a scope, or ok=false
// when the scope has never had a state appended.
func (l *Ledger) GetScopeStateHead(ctx context.Context, scopeID string) (model.ScopeStateHead, bool, error) {
	var h model.ScopeStateHead
	err := l.db.QueryRowContext(ctx, `
		SELECT scope_id, owner_user_id, head_seq, head_ref FROM scope_state_heads WHERE scope_id = $1
	`, scopeID).Scan(&h.ScopeID, &h.OwnerUserID, &h.HeadSeq, &h.HeadRef)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScopeStateHead{}, false, nil
	}
	if err != nil {
		return model.ScopeStateHead{}, false, syncerr.Wrap(syncerr.KindInternal, "scope_state_head_read_failed", err)
	}
	return h, true, nil
}

// ListScopeMembers returns the opaque Members blob of the latest ScopeState
// row for a scope: "who is currently in this scope", without making the
// membership endpoint's callers replay the whole stream.
func (l *Ledger) ListScopeMembers(ctx context.Context, scopeID string) ([]byte, error) {
	var members []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT s.members FROM scope_states s
		JOIN scope_state_heads h ON h.scope_id = s.scope_id AND h.head_seq = s.seq
		WHERE s.scope_id = $1
	`, scopeID).Scan(&members)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "list_scope_members_failed", err)
	}
	return members, nil
}

// AppendResourceGrant appends one ResourceGrant row, enforcing the
// (scope,resource) hash chain the same way AppendScopeState enforces the
// scope chain, and upserts resource_grant_heads on every append (a
// revocation sets active_grant_id to "").
func (l *Ledger) AppendResourceGrant(ctx context.Context, row model.ResourceGrant) (err error) {
	defer func() { observeAppend("resource_grant", err) }()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "resource_grant_begin_tx_failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headSeq int64
	var headHash []byte
	err = tx.QueryRowContext(ctx, `
		SELECT head_seq, head_hash FROM resource_grant_heads
		WHERE scope_id = $1 AND resource_id = $2 FOR UPDATE
	`, row.ScopeID, row.ResourceID).Scan(&headSeq, &headHash)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if row.Seq != 1 || row.PrevHash != nil {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_grant", Message: "first grant row must have seq 1 and no prevHash"}
		}
	case err != nil:
		return syncerr.Wrap(syncerr.KindInternal, "resource_grant_lock_head_failed", err)
	default:
		if row.Seq != headSeq+1 {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_grant", Message: fmt.Sprintf("expected seq %d, got %d", headSeq+1, row.Seq)}
		}
		if !bytes.Equal(row.PrevHash, headHash) {
			return &syncerr.Error{
				Kind:    syncerr.KindConflict,
				Code:    "stale_grant",
				Message: "prevHash does not match current grant head",
				Wrapped: &syncerr.HashChainViolation{Reason: "resource grant prevHash mismatch"},
			}
		}
	}

	var currentScopeHeadRef []byte
	err = tx.QueryRowContext(ctx, `SELECT head_ref FROM scope_state_heads WHERE scope_id = $1`, row.ScopeID).Scan(&currentScopeHeadRef)
	if err != nil {
		return &syncerr.Error{Kind: syncerr.KindConflict, Code: "missing_deps", Message: "grant references a scope with no scope state"}
	}
	if !bytes.Equal(row.ScopeStateRef, currentScopeHeadRef) {
		return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_scope_state", Message: "grant's scopeStateRef is stale"}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_grants (
			grant_id, scope_id, resource_id, seq, prev_hash, grant_hash,
			scope_state_ref, scope_epoch, resource_key_id, wrapped_key, policy,
			status, signed_grant_cbor, sig_suite, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, row.GrantID, row.ScopeID, row.ResourceID, row.Seq, row.PrevHash, row.GrantHash,
		row.ScopeStateRef, row.ScopeEpoch, row.ResourceKeyID, row.WrappedKey, row.Policy,
		string(row.Status), row.SignedGrantCBOR, row.SigSuite, row.Signature)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "resource_grant_insert_failed", err)
	}

	activeGrantID := row.GrantID
	if row.Status == model.GrantRevoked {
		activeGrantID = ""
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_grant_heads (scope_id, resource_id, active_grant_id, head_seq, head_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope_id, resource_id) DO UPDATE SET active_grant_id = $3, head_seq = $4, head_hash = $5
	`, row.ScopeID, row.ResourceID, activeGrantID, row.Seq, row.GrantHash)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "resource_grant_head_upsert_failed", err)
	}

	return tx.Commit()
}

// GetActiveGrant returns the currently active ResourceGrant for a
// (scope,resource) pair, or ok=false if none (never granted, or the last
// grant was a revocation).
func (l *Ledger) GetActiveGrant(ctx context.Context, scopeID, resourceID string) (model.ResourceGrant, bool, error) {
	var activeGrantID string
	err := l.db.QueryRowContext(ctx, `
		SELECT active_grant_id FROM resource_grant_heads WHERE scope_id = $1 AND resource_id = $2
	`, scopeID, resourceID).Scan(&activeGrantID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ResourceGrant{}, false, nil
	}
	if err != nil {
		return model.ResourceGrant{}, false, syncerr.Wrap(syncerr.KindInternal, "get_active_grant_head_failed", err)
	}
	if activeGrantID == "" {
		return model.ResourceGrant{}, false, nil
	}

	var g model.ResourceGrant
	var status string
	err = l.db.QueryRowContext(ctx, `
		SELECT grant_id, scope_id, resource_id, seq, prev_hash, grant_hash,
			scope_state_ref, scope_epoch, resource_key_id, wrapped_key, policy,
			status, signed_grant_cbor, sig_suite, signature, created_at
		FROM resource_grants WHERE scope_id = $1 AND resource_id = $2 AND grant_id = $3
		ORDER BY seq DESC LIMIT 1
	`, scopeID, resourceID, activeGrantID).Scan(
		&g.GrantID, &g.ScopeID, &g.ResourceID, &g.Seq, &g.PrevHash, &g.GrantHash,
		&g.ScopeStateRef, &g.ScopeEpoch, &g.ResourceKeyID, &g.WrappedKey, &g.Policy,
		&status, &g.SignedGrantCBOR, &g.SigSuite, &g.Signature, &g.CreatedAt)
	if err != nil {
		return model.ResourceGrant{}, false, syncerr.Wrap(syncerr.KindInternal, "get_active_grant_row_failed", err)
	}
	g.Status = model.GrantStatus(status)
	return g, true, nil
}

// LoadResourceGrantsSince returns up to limit ResourceGrant rows for a
// scope past seq, ascending across all of the scope's resources.
func (l *Ledger) LoadResourceGrantsSince(ctx context.Context, scopeID string, seq int64, limit int) ([]model.ResourceGrant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT grant_id, scope_id, resource_id, seq, prev_hash, grant_hash,
			scope_state_ref, scope_epoch, resource_key_id, wrapped_key, policy,
			status, signed_grant_cbor, sig_suite, signature, created_at
		FROM resource_grants WHERE scope_id = $1 AND seq > $2
		ORDER BY seq ASC, resource_id ASC
		LIMIT $3
	`, scopeID, seq, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "resource_grant_load_since_failed", err)
	}
	defer rows.Close()

	var out []model.ResourceGrant
	for rows.Next() {
		var g model.ResourceGrant
		var status string
		if err := rows.Scan(&g.GrantID, &g.ScopeID, &g.ResourceID, &g.Seq, &g.PrevHash, &g.GrantHash,
			&g.ScopeStateRef, &g.ScopeEpoch, &g.ResourceKeyID, &g.WrappedKey, &g.Policy,
			&status, &g.SignedGrantCBOR, &g.SigSuite, &g.Signature, &g.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "resource_grant_scan_failed", err)
		}
		g.Status = model.GrantStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// AppendKeyVaultRecord appends one KeyVaultRecord row for a user, enforcing
// the per-user hash chain the same way the other two streams do.
func (l *Ledger) AppendKeyVaultRecord(ctx context.Context, row model.KeyVaultRecord) (err error) {
	defer func() { observeAppend("key_vault_record", err) }()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "key_vault_begin_tx_failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headSeq int64
	var headHash []byte
	err = tx.QueryRowContext(ctx, `
		SELECT record_seq, record_hash FROM key_vault_records
		WHERE user_id = $1 ORDER BY record_seq DESC LIMIT 1 FOR UPDATE
	`, row.UserID).Scan(&headSeq, &headHash)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if row.RecordSeq != 1 || row.PrevHash != nil {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_key_vault_record", Message: "first key vault row must have seq 1 and no prevHash"}
		}
	case err != nil:
		return syncerr.Wrap(syncerr.KindInternal, "key_vault_lock_head_failed", err)
	default:
		if row.RecordSeq != headSeq+1 {
			return &syncerr.Error{Kind: syncerr.KindConflict, Code: "stale_key_vault_record", Message: fmt.Sprintf("expected seq %d, got %d", headSeq+1, row.RecordSeq)}
		}
		if !bytes.Equal(row.PrevHash, headHash) {
			return &syncerr.Error{
				Kind:    syncerr.KindConflict,
				Code:    "stale_key_vault_record",
				Message: "prevHash does not match current key vault head",
				Wrapped: &syncerr.HashChainViolation{Reason: "key vault record prevHash mismatch"},
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO key_vault_records (user_id, record_seq, prev_hash, record_hash, ciphertext, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, row.UserID, row.RecordSeq, row.PrevHash, row.RecordHash, row.Ciphertext, row.Metadata)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "key_vault_insert_failed", err)
	}

	return tx.Commit()
}

// LoadKeyVaultSince returns up to limit KeyVaultRecord rows for a user past
// seq, ascending.
func (l *Ledger) LoadKeyVaultSince(ctx context.Context, userID string, seq int64, limit int) ([]model.KeyVaultRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT user_id, record_seq, prev_hash, record_hash, ciphertext, metadata, created_at
		FROM key_vault_records WHERE user_id = $1 AND record_seq > $2 ORDER BY record_seq ASC
		LIMIT $3
	`, userID, seq, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "key_vault_load_since_failed", err)
	}
	defer rows.Close()

	var out []model.KeyVaultRecord
	for rows.Next() {
		var r model.KeyVaultRecord
		if err := rows.Scan(&r.UserID, &r.RecordSeq, &r.PrevHash, &r.RecordHash, &r.Ciphertext, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "key_vault_scan_failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutKeyEnvelope upserts one wrapped-key envelope for a recipient at a scope
// epoch. Unique by (scopeId, recipientUserId, scopeEpoch).
func (l *Ledger) PutKeyEnvelope(ctx context.Context, row model.KeyEnvelope) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO key_envelopes (
			envelope_id, scope_id, recipient_user_id, scope_epoch,
			recipient_uk_pub_fingerprint, ciphersuite, ciphertext, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope_id, recipient_user_id, scope_epoch) DO UPDATE SET
			recipient_uk_pub_fingerprint = $5, ciphersuite = $6, ciphertext = $7, metadata = $8
	`, row.EnvelopeID, row.ScopeID, row.RecipientUserID, row.ScopeEpoch,
		row.RecipientUkPubFingerprint, row.Ciphersuite, row.Ciphertext, row.Metadata)
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "put_key_envelope_failed", err)
	}
	return nil
}

// GetKeyEnvelope returns the wrapped key for a recipient at a scope epoch.
func (l *Ledger) GetKeyEnvelope(ctx context.Context, scopeID, recipientUserID string, scopeEpoch int64) (model.KeyEnvelope, bool, error) {
	var e model.KeyEnvelope
	err := l.db.QueryRowContext(ctx, `
		SELECT envelope_id, scope_id, recipient_user_id, scope_epoch,
			recipient_uk_pub_fingerprint, ciphersuite, ciphertext, metadata, created_at
		FROM key_envelopes WHERE scope_id = $1 AND recipient_user_id = $2 AND scope_epoch = $3
	`, scopeID, recipientUserID, scopeEpoch).Scan(
		&e.EnvelopeID, &e.ScopeID, &e.RecipientUserID, &e.ScopeEpoch,
		&e.RecipientUkPubFingerprint, &e.Ciphersuite, &e.Ciphertext, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KeyEnvelope{}, false, nil
	}
	if err != nil {
		return model.KeyEnvelope{}, false, syncerr.Wrap(syncerr.KindInternal, "get_key_envelope_failed", err)
	}
	return e, true, nil
}
