package streaming

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// BudgetExceededError is the fatal batch-level error returned when the
// per-batch retry budget runs out. The producer loop decides what happens
// to the batch then (drop, spool to disk, or halt); the client never does.
type BudgetExceededError struct {
	Attempts int
	Last     error
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BudgetExceededError) Unwrap() error { return e.Last }

// CoordinatorConfig tunes the retry policy.
type CoordinatorConfig struct {
	// MaxAttempts is the per-batch retry budget across all error classes.
	MaxAttempts int
	// MaxAuthRetries caps immediate token re-exchanges per batch.
	MaxAuthRetries int
	// InitialBackoff and MaxBackoff bound the exponential backoff applied
	// to transient and conflict retries. Jitter comes from the backoff
	// implementation's randomization.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// Coordinator wraps the exchanger, channel manager, and submitter with the
// classification-aware retry policy:
//
//	auth      -> re-exchange token, resubmit the identical batch, immediate
//	conflict  -> invalidate + re-open channel, re-read committed offset,
//	             resubmit only if the server has not already applied it
//	transient -> resubmit unchanged under exponential backoff with jitter
//	schema/config -> abort, surface to caller
type Coordinator struct {
	exchanger *Exchanger
	channel   *ChannelManager
	submitter *Submitter
	cfg       CoordinatorConfig
	logger    *zap.Logger
}

// NewCoordinator wires the three collaborators under one retry policy.
func NewCoordinator(ex *Exchanger, ch *ChannelManager, sub *Submitter, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxAuthRetries <= 0 {
		cfg.MaxAuthRetries = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		exchanger: ex,
		channel:   ch,
		submitter: sub,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	return b
}

// EnsureOpen opens the channel if it is not already open, retrying
// transient failures within the attempt budget.
func (c *Coordinator) EnsureOpen(ctx context.Context) error {
	if c.channel.State() == StateOpen {
		return nil
	}

	bo := c.newBackoff()
	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		tok, err := c.exchanger.Token(ctx)
		if err == nil {
			err = c.channel.Open(ctx, tok)
			if err == nil {
				return nil
			}
		}
		last = err

		switch ClassOf(err) {
		case ClassAuth:
			c.exchanger.Invalidate()
		case ClassConflict:
			// Another writer may hold the channel; back off harder before
			// attaching again.
			if waitErr := c.wait(ctx, bo.NextBackOff()*2); waitErr != nil {
				return waitErr
			}
		case ClassTransient:
			if waitErr := c.wait(ctx, bo.NextBackOff()); waitErr != nil {
				return waitErr
			}
		default:
			return err
		}
		c.logger.Warn("channel open retry",
			zap.Int("attempt", attempt),
			zap.String("class", ClassOf(err).String()),
			zap.Error(err))
	}
	return &BudgetExceededError{Attempts: c.cfg.MaxAttempts, Last: last}
}

// SubmitBatch submits one batch under the retry policy. The batch bytes sent
// on every attempt are identical: batches are encoded once at build time.
// The returned result always reports the attempt count, so the caller can
// distinguish accepted from retried-and-accepted.
func (c *Coordinator) SubmitBatch(ctx context.Context, batch *Batch, offsetToken string) (*IngestResult, error) {
	if err := c.submitter.CheckSize(batch); err != nil {
		return nil, err
	}
	if err := c.EnsureOpen(ctx); err != nil {
		return nil, err
	}

	bo := c.newBackoff()
	authRetries := 0
	var last error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		tok, err := c.exchanger.Token(ctx)
		if err != nil {
			last = err
			if ClassOf(err) == ClassTransient {
				if waitErr := c.wait(ctx, bo.NextBackOff()); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		res, err := c.submitter.Submit(ctx, tok, c.channel, batch, offsetToken)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		last = err

		switch ClassOf(err) {
		case ClassAuth:
			// The server has not advanced channel state on an auth
			// rejection, so the identical batch is safe to resubmit once a
			// fresh token is in hand.
			authRetries++
			if authRetries > c.cfg.MaxAuthRetries {
				return nil, &BudgetExceededError{Attempts: attempt, Last: err}
			}
			c.exchanger.Invalidate()
			c.logger.Warn("token rejected, re-exchanging", zap.Int("attempt", attempt))

		case ClassConflict:
			c.channel.Invalidate()
			if waitErr := c.wait(ctx, bo.NextBackOff()); waitErr != nil {
				return nil, waitErr
			}
			applied, reopenErr := c.reopenAndCheck(ctx, offsetToken)
			if reopenErr != nil {
				return nil, reopenErr
			}
			if applied {
				// The server committed this offset before the conflict
				// surfaced; resubmitting would duplicate the batch.
				c.logger.Info("batch already committed, skipping resubmit",
					zap.String("offset", offsetToken))
				return &IngestResult{
					Accepted:     true,
					OffsetToken:  offsetToken,
					Continuation: c.channel.Continuation(),
					Rows:         batch.Len(),
					Bytes:        batch.Size(),
					Attempts:     attempt,
				}, nil
			}

		case ClassTransient:
			if waitErr := c.wait(ctx, bo.NextBackOff()); waitErr != nil {
				return nil, waitErr
			}
			c.logger.Warn("transient submit failure, retrying",
				zap.Int("attempt", attempt), zap.Error(err))

		default:
			return nil, err
		}
	}
	return nil, &BudgetExceededError{Attempts: c.cfg.MaxAttempts, Last: last}
}

// reopenAndCheck re-opens the channel and reports whether the server's
// committed offset already covers offsetToken.
func (c *Coordinator) reopenAndCheck(ctx context.Context, offsetToken string) (applied bool, err error) {
	if err := c.EnsureOpen(ctx); err != nil {
		return false, err
	}
	return offsetCovered(c.channel.CommittedOffset(), offsetToken), nil
}

// offsetCovered reports whether committed already includes the batch offset.
// Offsets are opaque to the protocol but this client issues monotonically
// increasing integers, so a numeric comparison is authoritative; anything
// unparsable falls back to string equality.
func offsetCovered(committed, offset string) bool {
	if committed == "" || offset == "" {
		return false
	}
	ci, errC := strconv.ParseInt(committed, 10, 64)
	oi, errO := strconv.ParseInt(offset, 10, 64)
	if errC == nil && errO == nil {
		return ci >= oi
	}
	return committed == offset
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
