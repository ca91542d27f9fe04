package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/starnet/blockchain/foundation/validate"
)

// ErrBadSignature is returned when a transaction signature does not match
// the fields it claims to sign.
var ErrBadSignature = errors.New("signature does not match transaction")

// =============================================================================

// Tx is the transactional information between two parties. The signature is
// a simulated placeholder derived from the other fields.
type Tx struct {
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Amount    uint64 `json:"amount"`
	Signature string `json:"signature" validate:"required"`
}

// NewTx constructs a transaction and derives its signature.
func NewTx(from string, to string, amount uint64) Tx {
	return Tx{
		From:      from,
		To:        to,
		Amount:    amount,
		Signature: Sign(from, to, amount),
	}
}

// Sign derives the deterministic placeholder signature for the fields.
func Sign(from string, to string, amount uint64) string {
	return fmt.Sprintf("sig_%s_%s_%d", from, to, amount)
}

// Validate checks the transaction is well formed and that the signature
// matches the fields.
func (tx Tx) Validate() error {
	if err := validate.Check(tx); err != nil {
		return err
	}

	if tx.Signature != Sign(tx.From, tx.To, tx.Amount) {
		return ErrBadSignature
	}

	return nil
}

// Encode returns the JSON text form of the transaction as carried inside a
// NewTransaction message.
func (tx Tx) Encode() (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeTx parses the JSON text form of a transaction and validates it.
func DecodeTx(s string) (Tx, error) {
	var tx Tx
	if err := json.Unmarshal([]byte(s), &tx); err != nil {
		return Tx{}, fmt.Errorf("decoding transaction: %w", err)
	}

	if err := tx.Validate(); err != nil {
		return Tx{}, fmt.Errorf("validating transaction: %w", err)
	}

	return tx, nil
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s -> %s: %d coins", tx.From, tx.To, tx.Amount)
}
