package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EscrowCreated is the decoded factory event announcing a new escrow.
type EscrowCreated struct {
	Escrow common.Address
	Payee  common.Address
	Token  common.Address
	Amount *big.Int
}

// Funded is the decoded escrow event emitted when the buyer's deposit lands.
type Funded struct {
	Escrow common.Address
	Payer  common.Address
	Amount *big.Int
}

// FindEscrowCreated scans receipt logs for the factory's EscrowCreated event.
// found is false when no log from factory carries the event signature; a log
// that matches the signature but cannot be decoded is an error.
func (b *Bindings) FindEscrowCreated(logs []*types.Log, factory common.Address) (ev EscrowCreated, found bool, err error) {
	event := b.Factory.Events[EventEscrowCreated]
	for _, lg := range logs {
		if lg == nil || lg.Address != factory || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		if len(lg.Topics) != 3 {
			return EscrowCreated{}, false, fmt.Errorf("decode %s: expected 3 topics, got %d", EventEscrowCreated, len(lg.Topics))
		}
		values, err := event.Inputs.Unpack(lg.Data)
		if err != nil {
			return EscrowCreated{}, false, fmt.Errorf("decode %s: %w", EventEscrowCreated, err)
		}
		if len(values) != 2 {
			return EscrowCreated{}, false, fmt.Errorf("decode %s: got %d values", EventEscrowCreated, len(values))
		}
		token, okToken := values[0].(common.Address)
		amount, okAmount := values[1].(*big.Int)
		if !okToken || !okAmount {
			return EscrowCreated{}, false, fmt.Errorf("decode %s: unexpected field types", EventEscrowCreated)
		}
		return EscrowCreated{
			Escrow: common.BytesToAddress(lg.Topics[1].Bytes()),
			Payee:  common.BytesToAddress(lg.Topics[2].Bytes()),
			Token:  token,
			Amount: amount,
		}, true, nil
	}
	return EscrowCreated{}, false, nil
}

// FindFunded scans receipt logs for the Funded event of a specific escrow.
func (b *Bindings) FindFunded(logs []*types.Log, escrow common.Address) (ev Funded, found bool, err error) {
	event := b.Escrow.Events[EventFunded]
	for _, lg := range logs {
		if lg == nil || lg.Address != escrow || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		if len(lg.Topics) != 2 {
			return Funded{}, false, fmt.Errorf("decode %s: expected 2 topics, got %d", EventFunded, len(lg.Topics))
		}
		values, err := event.Inputs.Unpack(lg.Data)
		if err != nil {
			return Funded{}, false, fmt.Errorf("decode %s: %w", EventFunded, err)
		}
		if len(values) != 1 {
			return Funded{}, false, fmt.Errorf("decode %s: got %d values", EventFunded, len(values))
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return Funded{}, false, fmt.Errorf("decode %s: unexpected field types", EventFunded)
		}
		return Funded{
			Escrow: escrow,
			Payer:  common.BytesToAddress(lg.Topics[1].Bytes()),
			Amount: amount,
		}, true, nil
	}
	return Funded{}, false, nil
}
