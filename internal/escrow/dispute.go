package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNotPayer means a dispute was not signed by the escrow's payer.
var ErrNotPayer = errors.New("dispute not signed by the payer")

// DisputeMessage is the text the payer signs with personal_sign to open a
// dispute. It binds the escrow id and the reason.
func DisputeMessage(escrowID, reason string) string {
	return fmt.Sprintf("escrowpay dispute\nescrow: %s\nreason: %s", escrowID, reason)
}

// SignDispute produces an EIP-191 signature over DisputeMessage, in the
// 65-byte [R || S || V] form wallets return (V is 27 or 28).
func SignDispute(escrowID, reason string, sign func(hash []byte) ([]byte, error)) (string, error) {
	sig, err := sign(accounts.TextHash([]byte(DisputeMessage(escrowID, reason))))
	if err != nil {
		return "", err
	}
	if len(sig) == crypto.SignatureLength && sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}

// VerifyDisputer checks that signature over DisputeMessage(rec.ID, reason)
// was made by rec.Payer.
func VerifyDisputer(rec Record, reason, signature string) error {
	if !common.IsHexAddress(rec.Payer) {
		return fmt.Errorf("%w: escrow %s has no payer", ErrNotPayer, rec.ID)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrNotPayer)
	}
	if v := sig[crypto.RecoveryIDOffset]; v == 27 || v == 28 {
		sig[crypto.RecoveryIDOffset] = v - 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(DisputeMessage(rec.ID, reason))), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotPayer, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(rec.Payer) {
		return ErrNotPayer
	}
	return nil
}
