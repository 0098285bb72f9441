package collect

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/debug"
	"github.com/sqlguard/sqlguard/internal/errkind"
)

// Pool fans collection out over targets with bounded parallelism. Each
// target gets its own timeout and retry budget; a target that stays
// unreachable becomes a Result with Err set, never a pool failure.
type Pool struct {
	Collector     Collector
	MaxParallel   int
	TargetTimeout time.Duration
	Retries       uint64
}

// NewPool reads fan-out bounds from configuration.
func NewPool(c Collector) *Pool {
	p := &Pool{
		Collector:     c,
		MaxParallel:   config.GetInt("collect.max-parallel-targets"),
		TargetTimeout: config.GetDuration("collect.target-timeout"),
		Retries:       uint64(config.GetInt("collect.retries")),
	}
	if p.MaxParallel <= 0 {
		p.MaxParallel = 5
	}
	if p.TargetTimeout <= 0 {
		p.TargetTimeout = 120 * time.Second
	}
	return p
}

// Run collects all targets and returns one Result per target, ordered by
// target id so downstream processing is deterministic. Cancellation of ctx
// stops the fan-out and returns ErrCancelled.
func (p *Pool) Run(ctx context.Context, targets []config.Target) ([]Result, error) {
	sem := semaphore.NewWeighted(int64(p.MaxParallel))
	results := make([]Result, len(targets))
	done := make(chan int, len(targets))

	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errkind.ErrCancelled
		}
		go func(i int, target config.Target) {
			defer sem.Release(1)
			snap, err := p.collectOne(ctx, target)
			results[i] = Result{Target: target, Snapshot: snap, Err: err}
			done <- i
		}(i, target)
	}

	for range targets {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, errkind.ErrCancelled
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Target.ID < results[j].Target.ID
	})
	return results, nil
}

// collectOne runs one target under its timeout with exponential backoff on
// transient failures. Configuration errors (a missing credential) are not
// retried. Backoff intervals scale to the target timeout so the retry
// schedule fits inside it, and when the deadline fires mid-backoff the last
// attempt's error is reported rather than the bare context error, keeping
// the kind (unreachable vs cancelled) intact for exit-code mapping.
func (p *Pool) collectOne(ctx context.Context, target config.Target) (snap *classify.Snapshot, err error) {
	tctx, cancel := context.WithTimeout(ctx, p.TargetTimeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.TargetTimeout / 64
	eb.MaxInterval = p.TargetTimeout / 8
	eb.MaxElapsedTime = p.TargetTimeout
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, p.Retries), tctx)

	var lastErr error
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		s, cerr := p.Collector.Collect(tctx, target)
		if cerr != nil {
			// A deadline firing inside an attempt reports as a context
			// error too; keep the last real failure for the result.
			if !errors.Is(cerr, context.DeadlineExceeded) && !errors.Is(cerr, context.Canceled) {
				lastErr = cerr
			}
			if errors.Is(cerr, errkind.ErrConfigInvalid) {
				return backoff.Permanent(cerr)
			}
			debug.Logf("target %s: attempt %d failed: %v", target.ID, attempt, cerr)
			return cerr
		}
		snap = s
		return nil
	}, bo)
	if err != nil && lastErr != nil &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = lastErr
	}
	return snap, err
}
