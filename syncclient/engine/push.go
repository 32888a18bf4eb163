package engine

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncclient/codec"
	"github.com/syncmesh/core/syncclient/localstore"
	"github.com/syncmesh/core/syncclient/transport"
)

// runPushLoop drains pending local events to the server, retrying with
// backoff on failure and re-arming itself after a short fallback interval
// while more pending events remain.
func (e *Engine) runPushLoop(ctx context.Context) {
	defer e.wg.Done()

	backoff := newBackoffState(e.timing.BackoffMin, e.timing.BackoffMax)
	fallback := time.Duration(e.timing.PushFallbackIntervalMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pushWake.Out():
		case <-time.After(time.Duration(e.timing.PushIntervalMs) * time.Millisecond):
		}

		armAgain, err := e.pushOnce(ctx)
		if err != nil {
			sleep := backoff.Next()
			e.emit(Status{Kind: StatusError, Err: err, RetryAt: e.clock().Add(sleep)})
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			e.RequestPush()
			continue
		}
		backoff.Reset()

		if armAgain {
			select {
			case <-ctx.Done():
				return
			case <-time.After(fallback):
			}
			e.RequestPush()
		}
	}
}

// pushOnce runs one iteration of the push loop body. It returns
// armAgain=true when more pending events remain and the signal should be
// re-armed.
func (e *Engine) pushOnce(ctx context.Context) (bool, error) {
	pending, err := e.local.LoadPending(ctx, e.timing.PushBatchSize)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	e.emit(Status{Kind: StatusSyncing, Direction: DirectionPush})

	expectedHead, err := e.resolveExpectedHead(ctx)
	if err != nil {
		return false, err
	}

	wireEvents := make([]transport.WireEvent, 0, len(pending))
	for _, p := range pending {
		we, err := toWireEvent(p)
		if err != nil {
			return false, err
		}
		wireEvents = append(wireEvents, we)
	}

	for attempt := 0; attempt <= e.timing.MaxPushRetries; attempt++ {
		resp, err := e.transport.Push(ctx, transport.PushRequest{
			StoreID:      e.storeID,
			ExpectedHead: expectedHead,
			Events:       wireEvents,
		})
		if err != nil {
			return false, err
		}

		if resp.OK {
			now := e.clock()
			for _, a := range resp.Assigned {
				if err := e.local.MarkAssigned(ctx, a.EventID, a.GlobalSequence, now); err != nil {
					return false, err
				}
			}
			if err := e.local.SetSyncMeta(ctx, e.storeID, resp.Head, now); err != nil {
				return false, err
			}
			e.setLastKnownHead(resp.Head)
			e.markSuccess(now)
			e.emit(Status{Kind: StatusIdle})

			hasMore, err := e.local.HasPending(ctx)
			if err != nil {
				return false, err
			}
			return hasMore, nil
		}

		switch resp.Reason {
		case "server_ahead":
			if len(resp.Missing) > 0 {
				candidates, err := e.applyRemoteEvents(ctx, resp.Missing)
				if err != nil {
					return false, err
				}
				now := e.clock()
				if err := e.local.SetSyncMeta(ctx, e.storeID, resp.Head, now); err != nil {
					return false, err
				}
				e.setLastKnownHead(resp.Head)
				stillPending, err := e.local.HasPending(ctx)
				if err != nil {
					return false, err
				}
				if stillPending {
					e.invokeRebaseForApplied(ctx, candidates)
				}
				expectedHead = resp.Head
				continue // retry push, up to maxPushRetries
			}

			// server_ahead without missing[]: the gap is too large to
			// inline here, so await an in-flight pull (or trigger one) to
			// catch up before retrying the push.
			e.RequestImmediatePull()
			if err := e.awaitPullAdvance(ctx, expectedHead); err != nil {
				return false, err
			}
			newHead := e.getLastKnownHead()
			if newHead <= expectedHead {
				return false, &syncerr.Error{Kind: syncerr.KindConflict, Code: "conflict_did_not_advance_cursor", Message: "conflict did not advance cursor"}
			}
			expectedHead = newHead
			continue

		case "server_behind":
			return false, &syncerr.Error{Kind: syncerr.KindConflict, Code: "server_behind", Message: "local cursor is ahead of server head; host must reconcile"}

		default:
			return false, &syncerr.Error{Kind: syncerr.KindConflict, Code: resp.Reason, Message: "push rejected: " + resp.Reason}
		}
	}

	return false, &syncerr.Error{Kind: syncerr.KindConflict, Code: "max_push_retries_exceeded", Message: "exhausted maxPushRetries resolving server_ahead"}
}

// resolveExpectedHead computes expectedHead = lastKnownHead, falling back
// to the persisted pull cursor when the engine has not observed a head yet.
func (e *Engine) resolveExpectedHead(ctx context.Context) (int64, error) {
	if head := e.getLastKnownHead(); head > 0 {
		return head, nil
	}
	return e.local.GetSyncMeta(ctx, e.storeID)
}

// awaitPullAdvance polls lastKnownHead briefly, standing in for "await any
// in-flight pull" since the engine has no explicit pull-completion future -
// the pull loop publishes progress purely through lastKnownHead and
// sync_meta.
func (e *Engine) awaitPullAdvance(ctx context.Context, expectedHead int64) error {
	deadline := e.clock().Add(time.Duration(e.timing.PullWaitMs) * time.Millisecond)
	for e.clock().Before(deadline) {
		if e.getLastKnownHead() > expectedHead {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// toWireEvent encodes a pending local event to its canonical recordJson via
// syncclient/codec, satisfying the codec's own invariant that record.id ==
// eventId.
func toWireEvent(p localstore.PendingEvent) (transport.WireEvent, error) {
	rec := codec.Record{
		ID:                p.ID,
		AggregateType:     p.AggregateType,
		AggregateID:       p.AggregateID,
		Version:           p.Version,
		EventType:         p.EventType,
		PayloadCiphertext: p.PayloadCiphertext,
		OccurredAt:        p.OccurredAt.Format(time.RFC3339Nano),
		ActorID:           p.ActorID,
		CausationID:       p.CausationID,
		CorrelationID:     p.CorrelationID,
		ScopeID:           p.ScopeID,
		ResourceID:        p.ResourceID,
		ResourceKeyID:     p.ResourceKeyID,
		GrantID:           p.GrantID,
		SigSuite:          p.SigSuite,
	}
	if len(p.ScopeStateRef) > 0 {
		rec.ScopeStateRef = base64.RawURLEncoding.EncodeToString(p.ScopeStateRef)
	}
	if len(p.Signature) > 0 {
		rec.Signature = base64.RawURLEncoding.EncodeToString(p.Signature)
	}

	recordJSON, err := codec.Encode(rec)
	if err != nil {
		return transport.WireEvent{}, err
	}

	return transport.WireEvent{
		EventID:        p.ID,
		RecordJSON:     recordJSON,
		ScopeID:        p.ScopeID,
		ResourceID:     p.ResourceID,
		ResourceKeyID:  p.ResourceKeyID,
		GrantID:        p.GrantID,
		ScopeStateRef:  p.ScopeStateRef,
		AuthorDeviceID: p.ActorID,
	}, nil
}
