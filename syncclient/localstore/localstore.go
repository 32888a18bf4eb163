// Package localstore implements the client sync engine's local durable log:
// the events, sync_event_map, and sync_meta tables a device keeps between
// syncs. SQLite via database/sql, WAL journal mode with a busy_timeout, an
// embedded schema with a PRAGMA user_version migration runner, and a
// single-writer connection pool since SQLite only supports one writer at a
// time.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the client's local durable log.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path. An empty path opens an
// in-memory database, useful for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: failed to connect: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by syncclient/engine.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// PendingEvent is one unmapped local event, ordered by commit sequence.
type PendingEvent struct {
	ID                string
	AggregateType     string
	AggregateID       string
	Version           int64
	EventType         string
	PayloadCiphertext string
	OccurredAt        time.Time
	ActorID           string
	CausationID       string
	CorrelationID     string
	ScopeID           string
	ResourceID        string
	ResourceKeyID     string
	GrantID           string
	ScopeStateRef     []byte
	SigSuite          string
	Signature         []byte
	CommitSequence    int64
}

// LoadPending returns up to limit events that have no sync_event_map row,
// ordered by commit_sequence ascending.
func (s *Store) LoadPending(ctx context.Context, limit int) ([]PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.aggregate_type, e.aggregate_id, e.version, e.event_type,
			e.payload_ciphertext, e.occurred_at, e.actor_id, e.causation_id, e.correlation_id,
			e.scope_id, e.resource_id, e.resource_key_id, e.grant_id, e.scope_state_ref,
			e.sig_suite, e.signature, e.commit_sequence
		FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE m.event_id IS NULL
		ORDER BY e.commit_sequence ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var p PendingEvent
		var occurredAt string
		var actorID, causationID, correlationID, scopeID, resourceID, resourceKeyID, grantID, sigSuite sql.NullString
		var scopeStateRef, signature []byte
		if err := rows.Scan(&p.ID, &p.AggregateType, &p.AggregateID, &p.Version, &p.EventType,
			&p.PayloadCiphertext, &occurredAt, &actorID, &causationID, &correlationID,
			&scopeID, &resourceID, &resourceKeyID, &grantID, &scopeStateRef,
			&sigSuite, &signature, &p.CommitSequence); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		p.ActorID = actorID.String
		p.CausationID = causationID.String
		p.CorrelationID = correlationID.String
		p.ScopeID = scopeID.String
		p.ResourceID = resourceID.String
		p.ResourceKeyID = resourceKeyID.String
		p.GrantID = grantID.String
		p.ScopeStateRef = scopeStateRef
		p.SigSuite = sigSuite.String
		p.Signature = signature
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasPending reports whether any local event is unmapped.
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE m.event_id IS NULL
	`).Scan(&n)
	return n > 0, err
}

// InsertRemoteEvent inserts one server-confirmed event with INSERT-OR-IGNORE
// semantics on both tables. p carries the decoded wire record's fields.
func (s *Store) InsertRemoteEvent(ctx context.Context, p PendingEvent, globalSequence int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert remote event: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			id, aggregate_type, aggregate_id, version, event_type, payload_ciphertext,
			occurred_at, actor_id, causation_id, correlation_id,
			scope_id, resource_id, resource_key_id, grant_id, scope_state_ref,
			sig_suite, signature, commit_sequence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AggregateType, p.AggregateID, p.Version, p.EventType, p.PayloadCiphertext,
		p.OccurredAt.Format(time.RFC3339Nano), p.ActorID, p.CausationID, p.CorrelationID,
		p.ScopeID, p.ResourceID, p.ResourceKeyID, p.GrantID, p.ScopeStateRef,
		p.SigSuite, p.Signature, p.CommitSequence)
	if err != nil {
		return fmt.Errorf("insert remote event: events: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_event_map (event_id, global_sequence, inserted_at)
		VALUES (?, ?, ?)
	`, p.ID, globalSequence, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert remote event: sync_event_map: %w", err)
	}

	return tx.Commit()
}

// MarkAssigned records a server-assigned globalSequence for a locally
// pushed event.
func (s *Store) MarkAssigned(ctx context.Context, eventID string, globalSequence int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_event_map (event_id, global_sequence, inserted_at)
		VALUES (?, ?, ?)
	`, eventID, globalSequence, now.Format(time.RFC3339Nano))
	return err
}

// GetSyncMeta returns the pull cursor for a store, 0 if never set.
func (s *Store) GetSyncMeta(ctx context.Context, storeID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_pulled_global_seq FROM sync_meta WHERE store_id = ?`, storeID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// SetSyncMeta upserts the pull cursor. The update is monotonic: seq only
// ever moves the stored cursor forward, never back.
func (s *Store) SetSyncMeta(ctx context.Context, storeID string, seq int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (store_id, last_pulled_global_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (store_id) DO UPDATE SET
			last_pulled_global_seq = MAX(last_pulled_global_seq, excluded.last_pulled_global_seq),
			updated_at = excluded.updated_at
	`, storeID, seq, now.Format(time.RFC3339Nano))
	return err
}

// RebaseAggregate renumbers every pending (unmapped) local event for an
// aggregate whose version >= fromVersionInclusive, shifting each up by
// shift. Performed in descending version order to avoid transient
// collisions on the unique (aggregate_type, aggregate_id, version) index.
func (s *Store) RebaseAggregate(ctx context.Context, aggregateType, aggregateID string, fromVersionInclusive, shift int64) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.version FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND e.version >= ? AND m.event_id IS NULL
		ORDER BY e.version DESC
	`, aggregateType, aggregateID, fromVersionInclusive)
	if err != nil {
		return fmt.Errorf("rebase: query: %w", err)
	}

	type idVer struct {
		id  string
		ver int64
	}
	var toShift []idVer
	for rows.Next() {
		var iv idVer
		if err := rows.Scan(&iv.id, &iv.ver); err != nil {
			rows.Close()
			return fmt.Errorf("rebase: scan: %w", err)
		}
		toShift = append(toShift, iv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, iv := range toShift {
		if _, err := s.db.ExecContext(ctx, `UPDATE events SET version = ? WHERE id = ?`, iv.ver+shift, iv.id); err != nil {
			return fmt.Errorf("rebase: update %s: %w", iv.id, err)
		}
	}
	return nil
}
