// Package checkout drives a buyer's wallet through a fund intent:
// idle -> approving -> idle -> funding -> done.
//
// At most one wallet operation is in flight per session. The mutex guards
// state only and is never held across wallet or RPC calls; a second step
// requested while one is in flight is refused rather than queued.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"escrowpay/internal/escrow"
	"escrowpay/internal/intent"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle      State = "idle"
	StateApproving State = "approving"
	StateFunding   State = "funding"
	StateDone      State = "done"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionFund    Action = "fund"
)

var (
	ErrApprovalRejected    = errors.New("approval rejected")
	ErrFundingRejected     = errors.New("funding rejected")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrStepInFlight        = errors.New("another step is in flight")
	ErrApprovalPending     = errors.New("approval not yet confirmed")
	ErrSessionDone         = errors.New("checkout already complete")
	// ErrUserRejected is returned by wallets when the signer declines.
	ErrUserRejected = errors.New("user rejected the request")
)

// Receipt is the wallet's view of a mined transaction.
type Receipt struct {
	TxHash  string
	Block   uint64
	Success bool
}

// Wallet signs and submits calls and reports on-chain state. Implementations
// wrap ErrUserRejected when the signer declines.
type Wallet interface {
	Send(ctx context.Context, chainID uint64, call intent.Call) (txHash string, err error)
	WaitMined(ctx context.Context, chainID uint64, txHash string) (Receipt, error)
	Allowance(ctx context.Context, chainID uint64, token, spender string) (*big.Int, error)
}

// IntentSource re-derives the intent for an escrow, usually over HTTP.
type IntentSource interface {
	FundIntent(ctx context.Context, escrowID string) (intent.FundIntent, error)
}

// Result is the terminal outcome handed to receipt retrieval.
type Result struct {
	EscrowID string
	ChainID  uint64
	TxHash   string
	Block    uint64
}

type Session struct {
	wallet Wallet
	log    *zap.Logger

	mu             sync.Mutex
	intent         intent.FundIntent
	state          State
	approved       bool
	pendingApprove string
	pendingFund    string
	lastErr        error
	result         *Result
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

func NewSession(fi intent.FundIntent, wallet Wallet, opts ...Option) *Session {
	s := &Session{
		wallet: wallet,
		log:    zap.NewNop(),
		intent: fi,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Intent() intent.FundIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Actions lists what the user may do next. Nothing is offered while a step is
// in flight or once the session is done.
func (s *Session) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return nil
	}
	var out []Action
	if s.intent.NeedsApproval && !s.approved {
		out = append(out, ActionApprove)
	}
	if s.pendingApprove == "" {
		out = append(out, ActionFund)
	}
	return out
}

// ObserveApproval asks the wallet whether the spender's allowance already
// covers the amount, e.g. after a page reload. It only runs while idle.
func (s *Session) ObserveApproval(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return false, ErrStepInFlight
	}
	fi := s.intent
	if !fi.NeedsApproval || s.approved {
		approved := s.approved || !fi.NeedsApproval
		s.mu.Unlock()
		return approved, nil
	}
	s.mu.Unlock()

	allowance, err := s.wallet.Allowance(ctx, fi.ChainID, fi.Token.Address, fi.Spender)
	if err != nil {
		s.log.Error("allowance check failed", zap.String("escrow_id", fi.EscrowID), zap.Error(err))
		return false, fmt.Errorf("check allowance: %w", err)
	}
	amount, ok := new(big.Int).SetString(fi.Amount, 10)
	if !ok {
		return false, fmt.Errorf("%w: %q", intent.ErrInvalidAmount, fi.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if allowance.Cmp(amount) >= 0 && s.intent.Spender == fi.Spender {
		s.approved = true
		s.pendingApprove = ""
	}
	return s.approved, nil
}

// Approve submits the approve call and waits for one confirmation. If an
// earlier attempt's wait was interrupted, the same transaction is awaited
// again instead of being re-submitted.
func (s *Session) Approve(ctx context.Context) error {
	s.mu.Lock()
	if err := s.beginLocked(StateApproving); err != nil {
		s.mu.Unlock()
		return err
	}
	fi := s.intent
	if !fi.NeedsApproval || fi.Approve == nil || s.approved {
		s.state = StateIdle
		s.mu.Unlock()
		return nil
	}
	hash := s.pendingApprove
	s.mu.Unlock()

	if hash == "" {
		var err error
		hash, err = s.wallet.Send(ctx, fi.ChainID, *fi.Approve)
		if err != nil {
			if errors.Is(err, ErrUserRejected) {
				err = fmt.Errorf("%w: %v", ErrApprovalRejected, err)
			}
			return s.fail(err, fi)
		}
		s.mu.Lock()
		s.pendingApprove = hash
		s.mu.Unlock()
		s.log.Info("approval submitted", zap.String("escrow_id", fi.EscrowID), zap.String("tx_hash", hash))
	}

	receipt, err := s.wallet.WaitMined(ctx, fi.ChainID, hash)
	if err != nil {
		return s.fail(fmt.Errorf("await approval %s: %w", hash, err), fi)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingApprove = ""
	s.state = StateIdle
	if !receipt.Success {
		s.lastErr = fmt.Errorf("%w: approval %s", ErrTransactionReverted, hash)
		return s.lastErr
	}
	s.approved = true
	s.lastErr = nil
	return nil
}

// Fund submits the fund call and waits for it to be mined. A Fund issued while
// another step is in flight returns ErrStepInFlight and submits nothing.
func (s *Session) Fund(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.state == StateDone && s.result != nil {
		res := *s.result
		s.mu.Unlock()
		return res, ErrSessionDone
	}
	if s.pendingApprove != "" && s.state == StateIdle {
		s.mu.Unlock()
		return Result{}, ErrApprovalPending
	}
	if err := s.beginLocked(StateFunding); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	fi := s.intent
	hash := s.pendingFund
	s.mu.Unlock()

	if hash == "" {
		var err error
		hash, err = s.wallet.Send(ctx, fi.ChainID, fi.Fund)
		if err != nil {
			if errors.Is(err, ErrUserRejected) {
				err = fmt.Errorf("%w: %v", ErrFundingRejected, err)
			}
			return Result{}, s.fail(err, fi)
		}
		s.mu.Lock()
		s.pendingFund = hash
		s.mu.Unlock()
		s.log.Info("funding submitted", zap.String("escrow_id", fi.EscrowID), zap.String("tx_hash", hash))
	}

	receipt, err := s.wallet.WaitMined(ctx, fi.ChainID, hash)
	if err != nil {
		return Result{}, s.fail(fmt.Errorf("await funding %s: %w", hash, err), fi)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFund = ""
	if !receipt.Success {
		s.state = StateIdle
		s.lastErr = fmt.Errorf("%w: funding %s", ErrTransactionReverted, hash)
		return Result{}, s.lastErr
	}
	s.state = StateDone
	s.lastErr = nil
	s.result = &Result{EscrowID: fi.EscrowID, ChainID: fi.ChainID, TxHash: receipt.TxHash, Block: receipt.Block}
	return *s.result, nil
}

// Refresh replaces the intent with a freshly derived one. It is refused while a
// funding transaction from this session may still land.
func (s *Session) Refresh(ctx context.Context, src IntentSource) error {
	s.mu.Lock()
	if err := s.beginLocked(s.state); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.pendingFund != "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: funding %s pending", ErrStepInFlight, s.pendingFund)
	}
	escrowID := s.intent.EscrowID
	s.mu.Unlock()

	fi, err := src.FundIntent(ctx, escrowID)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if fi.Spender != s.intent.Spender || fi.Amount != s.intent.Amount || fi.Token.Address != s.intent.Token.Address {
		s.approved = false
	}
	s.intent = fi
	s.lastErr = nil
	s.mu.Unlock()

	_, err = s.ObserveApproval(ctx)
	return err
}

// beginLocked moves an idle session into next. Callers hold s.mu.
func (s *Session) beginLocked(next State) error {
	switch s.state {
	case StateDone:
		return ErrSessionDone
	case StateIdle:
		s.state = next
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrStepInFlight, s.state)
	}
}

// fail returns the session to idle and records err.
func (s *Session) fail(err error, fi intent.FundIntent) error {
	s.mu.Lock()
	s.state = StateIdle
	s.lastErr = err
	s.mu.Unlock()

	fields := []zap.Field{zap.String("escrow_id", fi.EscrowID), zap.Error(err)}
	if expected(err) {
		s.log.Info("checkout step failed", fields...)
	} else {
		s.log.Error("checkout step failed", fields...)
	}
	return err
}

func expected(err error) bool {
	for _, target := range []error{
		ErrApprovalRejected, ErrFundingRejected, ErrTransactionReverted,
		intent.ErrIntentStale, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// UserMessage turns a checkout error into text for the buyer.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrApprovalRejected):
		return "You declined the approval request. Approve the token spend to continue."
	case errors.Is(err, ErrFundingRejected):
		return "You declined the payment. Nothing was sent; you can try again."
	case errors.Is(err, ErrTransactionReverted):
		return "The transaction failed on-chain. Refresh the checkout and try again."
	case errors.Is(err, intent.ErrIntentStale):
		return "This escrow has already been paid or closed."
	case errors.Is(err, escrow.ErrNotPayer):
		return "Only the wallet that paid this escrow can dispute it."
	case errors.Is(err, ErrStepInFlight):
		return "A transaction is already in progress."
	case errors.Is(err, ErrApprovalPending):
		return "Waiting for your approval to confirm before paying."
	case errors.Is(err, ErrSessionDone):
		return "Payment already completed."
	case errors.Is(err, intent.ErrChainNotReady):
		return "Payments on this network are not available yet."
	case errors.Is(err, intent.ErrTokenNotFound):
		return "This token is not supported on the selected network."
	case errors.Is(err, intent.ErrInvalidAmount):
		return "The payment amount is invalid."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Stopped waiting for confirmation. Your transaction may still complete; retry to check again."
	default:
		return "Something went wrong. Please try again."
	}
}
