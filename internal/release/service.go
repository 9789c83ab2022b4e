// Package release pays out funded escrows, either on the payee's request or
// when an auto-release deadline passes.
package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/escrow"
	"escrowpay/internal/events"

	"go.uber.org/zap"
)

// ErrReleaseInProgress means another releaser holds a live claim.
var ErrReleaseInProgress = errors.New("release already in progress")

// Observer receives release metrics.
type Observer interface {
	ObserveRelease(trigger escrow.Releaser, result string)
	ObserveRetry(result string)
	ObserveDLQDepth(depth int)
}

type nopObserver struct{}

func (nopObserver) ObserveRelease(escrow.Releaser, string) {}
func (nopObserver) ObserveRetry(string)                    {}
func (nopObserver) ObserveDLQDepth(int)                    {}

type Config struct {
	Store    escrow.Store
	Client   escrow.Client
	Retry    RetryPolicy
	DLQ      *DLQ
	Events   events.Publisher
	Observer Observer
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	store  escrow.Store
	client escrow.Client
	retry  RetryPolicy
	dlq    *DLQ
	events events.Publisher
	obs    Observer
	log    *zap.Logger
	now    func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:  cfg.Store,
		client: cfg.Client,
		retry:  cfg.Retry,
		dlq:    cfg.DLQ,
		events: cfg.Events,
		obs:    cfg.Observer,
		log:    cfg.Logger,
		now:    cfg.Now,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Release pays out escrow id. released is false with a nil error when the
// escrow was already released, so repeated requests are harmless.
func (s *Service) Release(ctx context.Context, id string, by escrow.Releaser) (escrow.Record, bool, error) {
	rec, claimed, err := s.store.ClaimRelease(ctx, id, by, s.now())
	if err != nil {
		return rec, false, err
	}
	if !claimed {
		if rec.Status == escrow.StatusReleased {
			return rec, false, nil
		}
		return rec, false, ErrReleaseInProgress
	}

	log := s.log.With(
		zap.String("escrow_id", rec.ID),
		zap.Uint64("chain_id", rec.ChainID),
		zap.String("trigger", string(by)))

	res, err := s.releaseWithRetry(ctx, rec)
	if err != nil {
		s.obs.ObserveRelease(by, "failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The transaction may still land; the claim expires on its own.
			log.Warn("release interrupted", zap.String("pending_tx", res.TxHash), zap.Error(err))
			return rec, false, err
		}
		if uerr := s.store.UnclaimRelease(context.WithoutCancel(ctx), id); uerr != nil {
			log.Error("release unclaim failed", zap.Error(uerr))
		}
		s.deadLetter(rec, by, res.TxHash, err)
		log.Error("release failed", zap.Error(err))
		return rec, false, fmt.Errorf("release %s: %w", id, err)
	}

	out, err := s.store.MarkReleased(ctx, id, escrow.Release{TxHash: res.TxHash, By: by, At: s.now()})
	if err != nil {
		s.obs.ObserveRelease(by, "failed")
		s.deadLetter(rec, by, res.TxHash, err)
		log.Error("release mined but not recorded", zap.String("tx_hash", res.TxHash), zap.Error(err))
		return rec, false, fmt.Errorf("record release %s: %w", id, err)
	}

	s.obs.ObserveRelease(by, "released")
	log.Info("escrow released", zap.String("tx_hash", res.TxHash), zap.Uint64("block", res.Block))
	if err := s.events.Publish(ctx, events.New(events.TypeReleased, out, s.now())); err != nil {
		log.Warn("publish release event failed", zap.Error(err))
	}
	return out, true, nil
}

func (s *Service) deadLetter(rec escrow.Record, by escrow.Releaser, txHash string, cause error) {
	entry := DLQEntry{
		Timestamp:     s.now().UTC(),
		EscrowID:      rec.ID,
		ChainID:       rec.ChainID,
		EscrowAddress: rec.EscrowAddress,
		Trigger:       string(by),
		TxHash:        txHash,
		Error:         cause.Error(),
	}
	if err := s.dlq.Write(entry); err != nil {
		s.log.Error("dlq write failed", zap.String("escrow_id", rec.ID), zap.Error(err))
	}
	s.DLQDepth()
}

// DLQDepth reports the queue depth and refreshes the gauge.
func (s *Service) DLQDepth() int {
	depth, err := s.dlq.Depth()
	if err != nil {
		s.log.Error("dlq read failed", zap.Error(err))
		return 0
	}
	s.obs.ObserveDLQDepth(depth)
	return depth
}
