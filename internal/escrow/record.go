package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle position of an escrow.
type Status string

const (
	StatusCreated  Status = "created"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
)

// ReleaseRule decides who may trigger release.
type ReleaseRule string

const (
	// RuleManual escrows are released by the payee only.
	RuleManual ReleaseRule = "manual"
	// RuleAuto escrows are additionally released by the sweep once AutoReleaseHours elapse after funding.
	RuleAuto ReleaseRule = "auto"
)

func (r ReleaseRule) Valid() bool {
	return r == RuleManual || r == RuleAuto
}

// Releaser records which path released the funds.
type Releaser string

const (
	ReleasedByPayee Releaser = "payee"
	ReleasedByTimer Releaser = "timer"
)

// ReleaseClaimTTL bounds how long a release claim blocks other releasers.
// A claim older than this is treated as abandoned by a crashed worker.
const ReleaseClaimTTL = 10 * time.Minute

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrExists            = errors.New("escrow already exists")
)

// Record is the escrow under negotiation. Amount is an integer string in the
// token's smallest unit.
type Record struct {
	ID               string      `json:"id"`
	ChainID          uint64      `json:"chainId"`
	TokenSymbol      string      `json:"tokenSymbol"`
	TokenAddress     string      `json:"tokenAddress"`
	Amount           string      `json:"amount"`
	Payee            string      `json:"payee"`
	Payer            string      `json:"payer,omitempty"`
	EscrowAddress    string      `json:"escrowAddress,omitempty"`
	Status           Status      `json:"status"`
	ReleaseRule      ReleaseRule `json:"rule"`
	AutoReleaseHours int         `json:"autoReleaseHours,omitempty"`
	FundingTxHash    string      `json:"fundingTxHash,omitempty"`
	ReleaseTxHash    string      `json:"releaseTxHash,omitempty"`
	// ReleasePendingTx is a broadcast release whose outcome is not yet known.
	ReleasePendingTx string      `json:"releasePendingTx,omitempty"`
	ReleasedBy       Releaser    `json:"releasedBy,omitempty"`
	DisputeReason    string      `json:"disputeReason,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	FundedAt         *time.Time  `json:"fundedAt,omitempty"`
	ReleaseDueAt     *time.Time  `json:"releaseDueAt,omitempty"`
	ReleasedAt       *time.Time  `json:"releasedAt,omitempty"`
	ReleaseClaimedAt *time.Time  `json:"-"`
}

// NewID returns a lexically sortable escrow id.
func NewID() string {
	return ulid.Make().String()
}

// Funding describes the confirmed on-chain deposit.
type Funding struct {
	Payer         string
	EscrowAddress string
	TxHash        string
	At            time.Time
}

// Release describes the confirmed on-chain payout.
type Release struct {
	TxHash string
	By     Releaser
	At     time.Time
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusFunded},
	StatusFunded:   {StatusReleased, StatusDisputed},
	StatusDisputed: {StatusReleased},
}

// CanTransition reports whether the lifecycle allows moving from r's status to next.
func (r Record) CanTransition(next Status) bool {
	for _, s := range transitions[r.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// ReleaseClaimed reports whether a live release claim is held at now.
func (r Record) ReleaseClaimed(now time.Time) bool {
	return r.ReleaseClaimedAt != nil && now.Sub(*r.ReleaseClaimedAt) < ReleaseClaimTTL
}

func (r *Record) applyFunding(f Funding) error {
	if r.Status != StatusCreated {
		// A repeated confirmation of the same transaction is not an error.
		if r.FundingTxHash != "" && r.FundingTxHash == f.TxHash {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusFunded)
	}
	at := f.At.UTC()
	r.Status = StatusFunded
	r.Payer = f.Payer
	r.FundingTxHash = f.TxHash
	if f.EscrowAddress != "" {
		r.EscrowAddress = f.EscrowAddress
	}
	r.FundedAt = &at
	if r.ReleaseRule == RuleAuto && r.AutoReleaseHours > 0 {
		due := at.Add(time.Duration(r.AutoReleaseHours) * time.Hour)
		r.ReleaseDueAt = &due
	}
	return nil
}

// applyClaim returns false without error when the escrow is already released
// or another releaser holds a live claim.
func (r *Record) applyClaim(by Releaser, now time.Time) (bool, error) {
	if r.Status == StatusReleased || r.ReleaseClaimed(now) {
		return false, nil
	}
	if !r.CanTransition(StatusReleased) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusReleased)
	}
	if r.Status == StatusDisputed && by == ReleasedByTimer {
		return false, fmt.Errorf("%w: disputed escrows are not auto-released", ErrInvalidTransition)
	}
	if r.EscrowAddress == "" {
		return false, fmt.Errorf("%w: escrow has no contract address", ErrInvalidTransition)
	}
	at := now.UTC()
	r.ReleaseClaimedAt = &at
	return true, nil
}

func (r *Record) applyRelease(rel Release) error {
	if r.Status == StatusReleased {
		return nil
	}
	if !r.CanTransition(StatusReleased) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusReleased)
	}
	at := rel.At.UTC()
	r.Status = StatusReleased
	r.ReleaseTxHash = rel.TxHash
	r.ReleasePendingTx = ""
	r.ReleasedBy = rel.By
	r.ReleasedAt = &at
	r.ReleaseClaimedAt = nil
	return nil
}

func (r *Record) applyReleasePending(txHash string) error {
	if r.Status == StatusReleased {
		return nil
	}
	if !r.CanTransition(StatusReleased) {
		return fmt.Errorf("%w: %s has nothing to release", ErrInvalidTransition, r.Status)
	}
	r.ReleasePendingTx = txHash
	return nil
}

func (r *Record) applyDispute(reason string, now time.Time) error {
	if !r.CanTransition(StatusDisputed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusDisputed)
	}
	if r.ReleaseClaimed(now) {
		return fmt.Errorf("%w: release in progress", ErrInvalidTransition)
	}
	r.Status = StatusDisputed
	r.DisputeReason = reason
	return nil
}

func (r Record) dueForRelease(now time.Time) bool {
	return r.Status == StatusFunded &&
		r.ReleaseRule == RuleAuto &&
		r.ReleaseDueAt != nil &&
		!r.ReleaseDueAt.After(now) &&
		!r.ReleaseClaimed(now)
}
