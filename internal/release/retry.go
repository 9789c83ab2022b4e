package release

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowpay/internal/escrow"

	"go.uber.org/zap"
)

// RetryPolicy bounds chain submission attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// releaseWithRetry sends release() at most once per pending transaction. Once
// a release has been broadcast, later attempts wait on that hash, because a
// second release() would revert against an escrow the first one paid out.
// The returned result carries the pending hash on failure.
func (s *Service) releaseWithRetry(ctx context.Context, rec escrow.Record) (escrow.ReleaseResult, error) {
	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	pending := rec.ReleasePendingTx
	for i := 1; i <= attempts; i++ {
		var (
			res escrow.ReleaseResult
			err error
		)
		if pending != "" {
			res, err = s.client.AwaitRelease(ctx, rec.ChainID, pending)
		} else {
			res, err = s.client.Release(ctx, rec.ChainID, rec.EscrowAddress)
			if err != nil && res.TxHash != "" && !errors.Is(err, escrow.ErrReleaseReverted) {
				pending = res.TxHash
				s.setPending(ctx, rec.ID, pending)
			}
		}
		if err == nil {
			s.obs.ObserveRetry("success")
			return res, nil
		}
		if pending != "" && (errors.Is(err, escrow.ErrReleaseReverted) || errors.Is(err, escrow.ErrReleaseDropped)) {
			s.setPending(ctx, rec.ID, "")
			pending = ""
		}
		if !isRetryable(err) || i == attempts {
			s.obs.ObserveRetry("failed")
			return escrow.ReleaseResult{TxHash: pending}, err
		}

		s.obs.ObserveRetry("retry")
		sleep := backoff
		if s.retry.MaxBackoff > 0 && sleep > s.retry.MaxBackoff {
			sleep = s.retry.MaxBackoff
		}
		s.log.Sugar().Warnw("release attempt failed, retrying",
			"escrow_id", rec.ID, "attempt", i, "pending_tx", pending, "backoff", sleep, "error", err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return escrow.ReleaseResult{TxHash: pending}, ctx.Err()
		}

		if s.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(s.retry.BackoffMultiplier)
		}
	}

	return escrow.ReleaseResult{TxHash: pending}, fmt.Errorf("exhausted retries")
}

// setPending persists the in-flight release hash. It outlives ctx so an
// interrupted caller still leaves the hash for the next attempt.
func (s *Service) setPending(ctx context.Context, id, txHash string) {
	if _, err := s.store.SetReleasePending(context.WithoutCancel(ctx), id, txHash); err != nil {
		s.log.Error("record pending release failed",
			zap.String("escrow_id", id), zap.String("tx_hash", txHash), zap.Error(err))
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		escrow.ErrReleaseReverted, escrow.ErrChainUnavailable,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return false
	}
	if strings.Contains(msg, "invalid") {
		return false
	}
	return true
}
