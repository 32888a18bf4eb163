package engine

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/syncmesh/core/common/logging"
	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncclient/codec"
	"github.com/syncmesh/core/syncclient/localstore"
	"github.com/syncmesh/core/syncclient/transport"
)

// RebaseRequest is the argument passed to the application-provided rebase
// hook.
type RebaseRequest struct {
	AggregateType        string
	AggregateID          string
	FromVersionInclusive int64
	Shift                int64
}

// RebaseHook renumbers pending local events for one aggregate. The default
// used when Options.OnRebase is nil delegates to localstore.RebaseAggregate;
// a host application MAY supply its own to also touch in-memory caches.
type RebaseHook func(ctx context.Context, req RebaseRequest) error

// Timing holds the tunable intervals, limits, and backoff bounds for both
// engine loops.
type Timing struct {
	PullLimit              int
	PullWaitMs             int
	PullIntervalMs         int
	PushBatchSize          int
	PushIntervalMs         int
	PushFallbackIntervalMs int
	PushDebounceMs         int
	MaxPushRetries         int
	BackoffMin             time.Duration
	BackoffMax             time.Duration
}

// DefaultTiming returns the engine's default timing parameters.
func DefaultTiming() Timing {
	return Timing{
		PullLimit:              200,
		PullWaitMs:             20000,
		PullIntervalMs:         1000,
		PushBatchSize:          100,
		PushIntervalMs:         2000,
		PushFallbackIntervalMs: 50,
		PushDebounceMs:         100,
		MaxPushRetries:         2,
		BackoffMin:             1000 * time.Millisecond,
		BackoffMax:             20000 * time.Millisecond,
	}
}

// Options configures an Engine.
type Options struct {
	StoreID    string
	Transport  *transport.Transport
	LocalStore *localstore.Store
	Timing     Timing
	OnRebase   RebaseHook
	Observer   Observer
	Logger     logging.Logger
	Clock      func() time.Time
}

// Engine runs two cooperating loops (pull, push) on one instance,
// coordinated by eapache/channels.RingChannel wake signals. Each loop owns
// a RingChannel of capacity 1, so duplicate wakeups coalesce into one
// pending signal without ever blocking the sender - a wakeup carries no
// payload worth queuing more than one of.
type Engine struct {
	storeID   string
	transport *transport.Transport
	local     *localstore.Store
	timing    Timing
	onRebase  RebaseHook
	observer  Observer
	logger    logging.Logger
	clock     func() time.Time

	pullWake *channels.RingChannel
	pushWake *channels.RingChannel

	mu            sync.Mutex
	lastKnownHead int64
	lastSuccessAt time.Time
	debounce      *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. Call Start to run its loops.
func New(opts Options) *Engine {
	timing := opts.Timing
	if timing.PullLimit == 0 {
		timing = DefaultTiming()
	}
	onRebase := opts.OnRebase
	if onRebase == nil {
		onRebase = func(ctx context.Context, req RebaseRequest) error {
			return opts.LocalStore.RebaseAggregate(ctx, req.AggregateType, req.AggregateID, req.FromVersionInclusive, req.Shift)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("syncengine", logging.Options{})
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		storeID:   opts.StoreID,
		transport: opts.Transport,
		local:     opts.LocalStore,
		timing:    timing,
		onRebase:  onRebase,
		observer:  opts.Observer,
		logger:    logger,
		clock:     clock,
		pullWake:  channels.NewRingChannel(1),
		pushWake:  channels.NewRingChannel(1),
	}
}

// Start launches the pull and push loops. It returns immediately; call Stop
// to tear them down.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.runPullLoop(ctx)
	go e.runPushLoop(ctx)

	// kick the push loop once at startup in case pending events were
	// queued before Start was called.
	e.RequestPush()
}

// Stop signals both loops to exit at their next suspension point and
// cancels any armed debounce timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// RequestPush signals the push loop, coalescing with any already-pending
// wakeup.
func (e *Engine) RequestPush() {
	e.pushWake.In() <- struct{}{}
}

// RequestImmediatePull signals the pull loop to run its next iteration
// without waiting out pullIntervalMs.
func (e *Engine) RequestImmediatePull() {
	e.pullWake.In() <- struct{}{}
}

// NotifyLocalChange is the local-DB change subscription hook, debounced by
// pushDebounceMs. Call this from the host application's write path; a
// burst of local writes re-arms the timer each time and collapses into one
// RequestPush after the burst goes quiet.
func (e *Engine) NotifyLocalChange() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(time.Duration(e.timing.PushDebounceMs)*time.Millisecond, e.RequestPush)
}

// emit publishes a status transition. LastSuccessAt is attached to every
// status, error transitions included, so an observer can always display
// staleness.
func (e *Engine) emit(status Status) {
	e.mu.Lock()
	status.LastSuccessAt = e.lastSuccessAt
	e.mu.Unlock()
	if e.observer != nil {
		e.observer(status)
	}
}

func (e *Engine) markSuccess(now time.Time) {
	e.mu.Lock()
	e.lastSuccessAt = now
	e.mu.Unlock()
}

func (e *Engine) getLastKnownHead() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastKnownHead
}

func (e *Engine) setLastKnownHead(head int64) {
	e.mu.Lock()
	if head > e.lastKnownHead {
		e.lastKnownHead = head
	}
	e.mu.Unlock()
}

// aggregateKey identifies one aggregate touched during applyRemoteEvents,
// used to fan out the rebase hook once per aggregate rather than once per
// event.
type aggregateKey struct {
	aggregateType string
	aggregateID   string
}

// rebaseCandidate is one aggregate's worth of bookkeeping needed to call the
// rebase hook after applying a batch of remote events: the hook shifts
// every pending local version at or above minVersion up by count.
type rebaseCandidate struct {
	aggregateType string
	aggregateID   string
	minVersion    int64
	count         int64
}

// applyRemoteEvents turns each transport.RemoteEvent into a
// localstore.PendingEvent and inserts it with INSERT-OR-IGNORE semantics,
// used by both the pull loop and the push loop's server_ahead recovery. It
// returns one rebaseCandidate per distinct aggregate touched, for the
// caller to feed to the rebase hook.
func (e *Engine) applyRemoteEvents(ctx context.Context, events []transport.RemoteEvent) ([]rebaseCandidate, error) {
	now := e.clock()
	touched := map[aggregateKey]*rebaseCandidate{}

	for _, ev := range events {
		rec, err := codec.Decode(ev.RecordJSON, ev.EventID)
		if err != nil {
			return nil, err
		}
		scopeRef, err := codec.DecodeScopeStateRef(rec)
		if err != nil {
			return nil, &syncerr.Error{Kind: syncerr.KindProtocol, Code: "invalid_scope_state_ref", Message: err.Error()}
		}
		signature, err := codec.DecodeSignature(rec)
		if err != nil {
			return nil, &syncerr.Error{Kind: syncerr.KindProtocol, Code: "invalid_signature", Message: err.Error()}
		}

		pending := localstore.PendingEvent{
			ID:                rec.ID,
			AggregateType:     rec.AggregateType,
			AggregateID:       rec.AggregateID,
			Version:           rec.Version,
			EventType:         rec.EventType,
			PayloadCiphertext: rec.PayloadCiphertext,
			ActorID:           rec.ActorID,
			CausationID:       rec.CausationID,
			CorrelationID:     rec.CorrelationID,
			ScopeID:           rec.ScopeID,
			ResourceID:        rec.ResourceID,
			ResourceKeyID:     rec.ResourceKeyID,
			GrantID:           rec.GrantID,
			ScopeStateRef:     scopeRef,
			SigSuite:          rec.SigSuite,
			Signature:         signature,
			CommitSequence:    ev.GlobalSequence,
		}
		if pending.OccurredAt, err = parseTimeOrNow(rec.OccurredAt, now); err != nil {
			return nil, err
		}

		if err := e.local.InsertRemoteEvent(ctx, pending, ev.GlobalSequence, now); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "apply_remote_event_failed", err)
		}

		key := aggregateKey{aggregateType: rec.AggregateType, aggregateID: rec.AggregateID}
		cand, ok := touched[key]
		if !ok {
			cand = &rebaseCandidate{aggregateType: rec.AggregateType, aggregateID: rec.AggregateID, minVersion: rec.Version}
			touched[key] = cand
		}
		if rec.Version < cand.minVersion {
			cand.minVersion = rec.Version
		}
		cand.count++
	}

	out := make([]rebaseCandidate, 0, len(touched))
	for _, cand := range touched {
		out = append(out, *cand)
	}
	return out, nil
}

func parseTimeOrNow(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback, nil
	}
	return t, nil
}
