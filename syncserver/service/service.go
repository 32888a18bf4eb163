// Package service composes the ownership enforcer, access policy, sharing
// ledger (read-only), and sync event store into the push/pull operations
// the HTTP surface calls directly.
package service

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/syncmesh/core/common/logging"
	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncserver/ledger"
	"github.com/syncmesh/core/syncserver/model"
	"github.com/syncmesh/core/syncserver/policy"
	"github.com/syncmesh/core/syncserver/store"
)

// MissingEventsCap is the maximum number of events attached to a
// server_ahead response's missing[], unless the caller's own batch was
// larger, in which case missing[] covers at least that many.
const MissingEventsCap = 1000

// Timing defaults for the pull long-poll.
const (
	DefaultPollIntervalMs = 1000
	MinPollIntervalMs     = 50
	MaxWaitMs             = 25000
)

// PushResult mirrors the POST /sync/push response shape.
type PushResult struct {
	OK       bool               `json:"ok"`
	Head     int64              `json:"head"`
	Assigned []model.Assignment `json:"assigned,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Missing  []MissingEvent     `json:"missing,omitempty"`
}

// MissingEvent is one row of a server_ahead response's missing[].
type MissingEvent struct {
	GlobalSequence int64  `json:"globalSequence"`
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
}

// PullResult mirrors the GET /sync/pull response shape.
type PullResult struct {
	Events    []MissingEvent `json:"events"`
	Head      int64          `json:"head"`
	HasMore   bool           `json:"hasMore"`
	NextSince *int64         `json:"nextSince"`
}

// Service is the sync service: push and pull against one owner/store.
type Service struct {
	store  *store.Store
	ledger *ledger.Ledger
	policy policy.Policy
	clock  func() time.Time
	logger logging.Logger
}

// Options configures a Service. Clock defaults to time.Now; override it in
// tests that exercise the pull long-poll deadline.
type Options struct {
	Policy policy.Policy
	Clock  func() time.Time
	Logger logging.Logger
}

// New constructs a Service.
func New(st *store.Store, lg *ledger.Ledger, opts Options) *Service {
	pol := opts.Policy
	if pol == nil {
		pol = policy.OwnerOnly{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("syncservice", logging.Options{})
	}
	return &Service{store: st, ledger: lg, policy: pol, clock: clock, logger: logger}
}

// Push validates an owner's access and the event batch's sharing
// dependencies, then appends the events to the store.
func (s *Service) Push(ctx context.Context, actor policy.Actor, ownerID, storeID string, expectedHead int64, events []model.InputEvent) (PushResult, error) {
	if err := s.policy.CanPush(ctx, actor, ownerID, storeID); err != nil {
		return PushResult{}, err
	}
	if err := s.store.EnsureStoreOwner(ctx, storeID, ownerID); err != nil {
		return PushResult{}, err
	}

	currentHead, err := s.store.GetHead(ctx, ownerID, storeID)
	if err != nil {
		return PushResult{}, err
	}

	for _, ev := range events {
		if !ev.HasSharingDeps() {
			continue
		}
		reason, err := s.validateSharingDeps(ctx, ev)
		if err != nil {
			return PushResult{}, err
		}
		if reason != "" {
			return PushResult{OK: false, Head: currentHead, Reason: reason}, nil
		}
	}

	result, err := s.store.Append(ctx, ownerID, storeID, expectedHead, events)
	if err != nil {
		var mismatch *syncerr.HeadMismatch
		if errors.As(err, &mismatch) {
			return s.translateHeadMismatch(ctx, ownerID, storeID, mismatch, events)
		}
		return PushResult{}, err
	}

	return PushResult{OK: true, Head: result.Head, Assigned: result.Assigned}, nil
}

// validateSharingDeps returns a non-empty reason code when the event's
// sharing-dependency fields are stale or unresolved, leaving the caller to
// reject with no partial commit.
func (s *Service) validateSharingDeps(ctx context.Context, ev model.InputEvent) (string, error) {
	if ev.ScopeID == "" {
		return "", nil
	}

	head, ok, err := s.ledger.GetScopeStateHead(ctx, ev.ScopeID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "missing_deps", nil
	}

	// A ScopeState with bytes scopeStateRef must exist at all (missing_deps
	// if not) before it even makes sense to ask whether it's the current
	// head (stale_scope_state if not) - two distinct failure modes with
	// different client-retry semantics.
	_, ok, err = s.ledger.LoadScopeStateByRef(ctx, ev.ScopeStateRef)
	if err != nil {
		return "", err
	}
	if !ok {
		return "missing_deps", nil
	}

	if !bytes.Equal(ev.ScopeStateRef, head.HeadRef) {
		return "stale_scope_state", nil
	}

	if ev.ResourceID == "" {
		return "", nil
	}
	grant, ok, err := s.ledger.GetActiveGrant(ctx, ev.ScopeID, ev.ResourceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "missing_deps", nil
	}
	if grant.GrantID != ev.GrantID {
		return "stale_grant", nil
	}
	return "", nil
}

func (s *Service) translateHeadMismatch(ctx context.Context, ownerID, storeID string, mismatch *syncerr.HeadMismatch, events []model.InputEvent) (PushResult, error) {
	if mismatch.Current < mismatch.Expected {
		return PushResult{OK: false, Head: mismatch.Current, Reason: "server_behind"}, nil
	}

	limit := MissingEventsCap
	if len(events) > limit {
		limit = len(events)
	}
	rows, err := s.store.LoadSince(ctx, ownerID, storeID, mismatch.Expected, limit)
	if err != nil {
		return PushResult{}, err
	}
	missing := make([]MissingEvent, 0, len(rows))
	for _, r := range rows {
		missing = append(missing, MissingEvent{GlobalSequence: r.GlobalSequence, EventID: r.EventID, RecordJSON: r.RecordJSON})
	}
	return PushResult{OK: false, Head: mismatch.Current, Reason: "server_ahead", Missing: missing}, nil
}

// Reset clears a store's event log. Callers must additionally gate this
// behind an environment check (the HTTP layer refuses to even mount the
// route in production); the access policy's CanReset is enforced here so a
// misconfigured environment flag is never the only guard.
func (s *Service) Reset(ctx context.Context, actor policy.Actor, ownerID, storeID string) error {
	if err := s.policy.CanReset(ctx, actor, ownerID, storeID); err != nil {
		return err
	}
	return s.store.ResetStore(ctx, ownerID, storeID)
}

// Pull is a long-poll that repeatedly calls loadSince/getHead until either
// events are available or waitMs elapses.
func (s *Service) Pull(ctx context.Context, actor policy.Actor, ownerID, storeID string, since int64, limit int, waitMs int) (PullResult, error) {
	if err := s.policy.CanPull(ctx, actor, ownerID, storeID); err != nil {
		return PullResult{}, err
	}
	if err := s.store.EnsureStoreOwner(ctx, storeID, ownerID); err != nil {
		return PullResult{}, err
	}

	wait := waitMs
	if wait < 0 {
		wait = 0
	}
	if wait > MaxWaitMs {
		wait = MaxWaitMs
	}
	deadline := s.clock().Add(time.Duration(wait) * time.Millisecond)

	for {
		rows, err := s.store.LoadSince(ctx, ownerID, storeID, since, limit)
		if err != nil {
			return PullResult{}, err
		}
		head, err := s.store.GetHead(ctx, ownerID, storeID)
		if err != nil {
			return PullResult{}, err
		}

		if len(rows) > 0 || !s.clock().Before(deadline) {
			return buildPullResult(rows, head, limit), nil
		}

		select {
		case <-ctx.Done():
			return buildPullResult(rows, head, limit), nil
		case <-time.After(MinPollIntervalMs * time.Millisecond):
		}
	}
}

func buildPullResult(rows []model.SyncEvent, head int64, limit int) PullResult {
	events := make([]MissingEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, MissingEvent{GlobalSequence: r.GlobalSequence, EventID: r.EventID, RecordJSON: r.RecordJSON})
	}

	result := PullResult{Events: events, Head: head}
	if len(events) > 0 {
		last := events[len(events)-1].GlobalSequence
		result.NextSince = &last
		result.HasMore = len(events) == limit && head > last
	}
	return result
}
