// Package contracts declares the ABI surface of the escrow contracts this
// service talks to. There is exactly one declaration per contract version;
// callers never probe alternative method names.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Version identifies the deployed contract generation the ABIs below match.
const Version = "escrow-v1"

const (
	MethodCreateEscrow        = "createEscrow"
	MethodCreateEscrowAndFund = "createEscrowAndFund"
	MethodFund                = "fund"
	MethodRelease             = "release"
	MethodDispute             = "dispute"
	MethodApprove             = "approve"
	MethodAllowance           = "allowance"

	EventEscrowCreated = "EscrowCreated"
	EventFunded        = "Funded"
	EventReleased      = "Released"
)

const EscrowFactoryV1ABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"nonpayable",
	 "inputs":[{"name":"payee","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"autoReleaseAfter","type":"uint64"}],
	 "outputs":[{"name":"escrow","type":"address"}]},
	{"type":"function","name":"createEscrowAndFund","stateMutability":"payable",
	 "inputs":[{"name":"payee","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"autoReleaseAfter","type":"uint64"}],
	 "outputs":[{"name":"escrow","type":"address"}]},
	{"type":"event","name":"EscrowCreated","anonymous":false,
	 "inputs":[{"name":"escrow","type":"address","indexed":true},{"name":"payee","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

const EscrowV1ABI = `[
	{"type":"function","name":"fund","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"dispute","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"Funded","anonymous":false,
	 "inputs":[{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Released","anonymous":false,
	 "inputs":[{"name":"payee","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// Bindings holds the parsed ABIs. It is read-only after Load and safe to share.
type Bindings struct {
	Factory abi.ABI
	Escrow  abi.ABI
	ERC20   abi.ABI
}

func Load() (*Bindings, error) {
	factory, err := abi.JSON(strings.NewReader(EscrowFactoryV1ABI))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	escrow, err := abi.JSON(strings.NewReader(EscrowV1ABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Bindings{Factory: factory, Escrow: escrow, ERC20: erc20}, nil
}

func (b *Bindings) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return b.ERC20.Pack(MethodApprove, spender, amount)
}

func (b *Bindings) PackAllowance(owner, spender common.Address) ([]byte, error) {
	return b.ERC20.Pack(MethodAllowance, owner, spender)
}

func (b *Bindings) UnpackAllowance(data []byte) (*big.Int, error) {
	out, err := b.ERC20.Unpack(MethodAllowance, data)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack allowance: got %d values", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack allowance: unexpected %T", out[0])
	}
	return v, nil
}

func (b *Bindings) PackFund() ([]byte, error) {
	return b.Escrow.Pack(MethodFund)
}

func (b *Bindings) PackRelease() ([]byte, error) {
	return b.Escrow.Pack(MethodRelease)
}

// PackCreateEscrowAndFund encodes the factory call that deploys an escrow and
// funds it in the same transaction.
func (b *Bindings) PackCreateEscrowAndFund(payee, token common.Address, amount *big.Int, autoReleaseAfter uint64) ([]byte, error) {
	return b.Factory.Pack(MethodCreateEscrowAndFund, payee, token, amount, autoReleaseAfter)
}
