// Package reconcile implements the background engine that repairs order
// state the runner protocol cannot: expired claims, missing heartbeats,
// exceeded execution budgets, and the retry/finalize bookkeeping that
// follows from them.
//
// The engine is a single-flight loop. One pass runs its phases strictly in
// sequence against the store's bulk conditional updates, so each phase sees
// the effects of the previous one and an order is touched by at most one
// phase per pass. Passes never overlap; a slow pass delays the next tick
// rather than stacking.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/ikoma-ops/ikoma/internal/store"
)

// Default windows for the timing phases. Order timeouts come from each
// order's own timeoutSec and have no engine-level default.
const (
	DefaultInterval         = 30 * time.Second
	DefaultClaimTimeout     = 60 * time.Second
	DefaultHeartbeatTimeout = 120 * time.Second
)

// Store is the slice of the persistence layer the engine drives.
type Store interface {
	RequeueExpiredClaims(ctx context.Context, claimedBefore time.Time) ([]store.ReconcileAction, error)
	MarkStale(ctx context.Context, heartbeatBefore time.Time) ([]store.ReconcileAction, error)
	MarkTimedOut(ctx context.Context, now time.Time) ([]store.ReconcileAction, error)
	RequeueRetryable(ctx context.Context) ([]store.ReconcileAction, error)
	FinalizeExhausted(ctx context.Context) ([]store.ReconcileAction, error)
}

// Options tunes the engine. Zero values fall back to the defaults above.
type Options struct {
	Interval         time.Duration
	ClaimTimeout     time.Duration
	HeartbeatTimeout time.Duration

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// Reconciler runs reconciliation passes against a store on a fixed
// interval, backing off when the store is unreachable.
type Reconciler struct {
	store   Store
	log     *slog.Logger
	now     func() time.Time
	opts    Options
	backoff *backoff
}

// New creates a reconciler. logger must not be nil.
func New(st Store, logger *slog.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:   st,
		log:     logger,
		now:     now,
		opts:    opts,
		backoff: newBackoff(opts.Interval),
	}
}

// Run executes passes until ctx is canceled. The engine never stops on
// store errors; connectivity failures stretch the wait between passes via
// the backoff ladder and recovery snaps it back to the steady interval.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started",
		"interval", r.opts.Interval,
		"claimTimeout", r.opts.ClaimTimeout,
		"heartbeatTimeout", r.opts.HeartbeatTimeout)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		wait := r.opts.Interval
		if err := r.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				r.log.Info("reconciler stopped")
				return ctx.Err()
			}
			wait = r.handleFailure(err)
		} else {
			r.handleSuccess()
		}
		timer.Reset(wait)
	}
}

// Pass runs the five phases once, in order. The first phase error aborts
// the pass; whatever earlier phases committed stands, and the next pass
// picks up the remainder.
func (r *Reconciler) Pass(ctx context.Context) error {
	now := r.now()

	actions, err := r.store.RequeueExpiredClaims(ctx, now.Add(-r.opts.ClaimTimeout))
	if err != nil {
		return err
	}
	for _, a := range actions {
		r.logAction(slog.LevelWarn, "claim expired; order requeued", "requeue_expired_claims", a)
	}

	actions, err = r.store.MarkStale(ctx, now.Add(-r.opts.HeartbeatTimeout))
	if err != nil {
		return err
	}
	for _, a := range actions {
		r.logAction(slog.LevelWarn, "heartbeat missing; order stale", "mark_stale", a)
	}

	actions, err = r.store.MarkTimedOut(ctx, now)
	if err != nil {
		return err
	}
	for _, a := range actions {
		r.logAction(slog.LevelError, "execution timeout exceeded", "mark_timed_out", a)
	}

	actions, err = r.store.RequeueRetryable(ctx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		r.logAction(slog.LevelInfo, "order requeued for retry", "requeue_retryable", a)
	}

	actions, err = r.store.FinalizeExhausted(ctx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		r.logAction(slog.LevelError, "retry budget exhausted; order failed", "finalize_exhausted", a)
	}

	return nil
}

func (r *Reconciler) logAction(level slog.Level, msg, phase string, a store.ReconcileAction) {
	r.log.Log(context.Background(), level, msg,
		"orderId", a.OrderID,
		"phase", phase,
		"attempt", a.Attempt,
		"maxAttempts", a.MaxAttempts)
}

// handleFailure classifies the error and returns the wait before the next
// pass. Connectivity errors climb the ladder; everything else keeps the
// steady interval, logged once per occurrence.
func (r *Reconciler) handleFailure(err error) time.Duration {
	if !isConnectivityError(err) {
		r.log.Error("reconcile pass failed", "error", err)
		return r.opts.Interval
	}

	wait, first := r.backoff.next()
	if first {
		r.log.Error("store unreachable; backing off",
			"error", err, "retryIn", wait)
	} else {
		r.log.Warn("store still unreachable",
			"error", err, "retryIn", wait)
	}
	return wait
}

func (r *Reconciler) handleSuccess() {
	if r.backoff.reset() {
		r.log.Info("store connectivity recovered")
	}
}
