package engine

import (
	"context"
	"time"
)

// runPullLoop repeatedly long-polls the server for new events, retrying
// with backoff on failure.
func (e *Engine) runPullLoop(ctx context.Context) {
	defer e.wg.Done()

	backoff := newBackoffState(e.timing.BackoffMin, e.timing.BackoffMax)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.pullOnce(ctx); err != nil {
			sleep := backoff.Next()
			e.emit(Status{Kind: StatusError, Err: err, RetryAt: e.clock().Add(sleep)})
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}
		backoff.Reset()

		select {
		case <-ctx.Done():
			return
		case <-e.pullWake.Out():
		case <-time.After(time.Duration(e.timing.PullIntervalMs) * time.Millisecond):
		}
	}
}

func (e *Engine) pullOnce(ctx context.Context) error {
	e.emit(Status{Kind: StatusSyncing, Direction: DirectionPull})

	since, err := e.local.GetSyncMeta(ctx, e.storeID)
	if err != nil {
		return err
	}

	hadPending, err := e.local.HasPending(ctx)
	if err != nil {
		return err
	}

	resp, err := e.transport.Pull(ctx, e.storeID, since, e.timing.PullLimit, e.timing.PullWaitMs)
	if err != nil {
		return err
	}

	candidates, err := e.applyRemoteEvents(ctx, resp.Events)
	if err != nil {
		return err
	}

	now := e.clock()
	if resp.NextSince != nil {
		if err := e.local.SetSyncMeta(ctx, e.storeID, *resp.NextSince, now); err != nil {
			return err
		}
	} else if resp.HasMore {
		return &fatalProtocolError{reason: "hasMore=true with nextSince=null"}
	}

	e.setLastKnownHead(resp.Head)

	if len(resp.Events) > 0 && hadPending {
		stillPending, err := e.local.HasPending(ctx)
		if err != nil {
			return err
		}
		if stillPending {
			e.invokeRebaseForApplied(ctx, candidates)
		}
	}

	e.markSuccess(now)
	e.emit(Status{Kind: StatusIdle})
	return nil
}

// invokeRebaseForApplied calls the rebase hook once per aggregate touched by
// the just-applied remote events: every pending local event for that
// aggregate with version >= fromVersionInclusive shifts up by the number
// of remote events applied to it. Hook failures are logged, not
// propagated - a failed rebase leaves pending rows as-is rather than
// aborting an otherwise-successful pull.
func (e *Engine) invokeRebaseForApplied(ctx context.Context, candidates []rebaseCandidate) {
	for _, c := range candidates {
		req := RebaseRequest{
			AggregateType:        c.aggregateType,
			AggregateID:          c.aggregateID,
			FromVersionInclusive: c.minVersion,
			Shift:                c.count,
		}
		if err := e.onRebase(ctx, req); err != nil {
			e.logger.Warn("rebase hook failed", "aggregateType", c.aggregateType, "aggregateId", c.aggregateID, "error", err)
		}
	}
}

type fatalProtocolError struct {
	reason string
}

func (e *fatalProtocolError) Error() string { return "protocol error: " + e.reason }
