package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toshiapp/ethservice/types"
)

// Quantity is a JSON field that accepts a plain number, a decimal string or
// a "0x"-prefixed hex string, per the wire conventions.
type Quantity string

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) > 1 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		*q = Quantity(unquoted)
		return nil
	}
	*q = Quantity(s)
	return nil
}

// BigInt parses the quantity as an arbitrary-precision integer.
func (q Quantity) BigInt() (*types.BigInt, error) {
	return types.ParseBigInt(string(q))
}

// Uint64 parses the quantity as a non-negative 64-bit integer.
func (q Quantity) Uint64() (uint64, error) {
	v, err := q.BigInt()
	if err != nil {
		return 0, err
	}
	if v.Sign() < 0 || !v.MathBigInt().IsUint64() {
		return 0, fmt.Errorf("quantity %q out of range", string(q))
	}
	return v.MathBigInt().Uint64(), nil
}

// SkeletonRequest is the body of POST /tx/skel.
type SkeletonRequest struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Value    Quantity `json:"value"`
	Nonce    Quantity `json:"nonce"`
	Gas      Quantity `json:"gas"`
	GasPrice Quantity `json:"gasPrice"`
	Data     string   `json:"data"`
}

// SkeletonResponse carries the canonical encoding of the unsigned envelope.
type SkeletonResponse struct {
	Tx string `json:"tx"`
}

// SubmitRequest is the body of POST /tx. Signature is required when the
// encoded transaction carries none.
type SubmitRequest struct {
	Tx        string `json:"tx"`
	Signature string `json:"signature,omitempty"`
}

// SubmitResponse carries the canonical hash of the admitted transaction.
type SubmitResponse struct {
	TxHash string `json:"tx_hash"`
}

// Balances is the response of GET /balance/{address}. Confirmed is the chain
// balance; unconfirmed adjusts it by in-flight outgoing and incoming value.
type Balances struct {
	ConfirmedBalance   *types.BigInt `json:"confirmed_balance"`
	UnconfirmedBalance *types.BigInt `json:"unconfirmed_balance"`
}

// TransactionView is the wire rendering of a transaction, following the
// node's getTransactionByHash shape.
type TransactionView struct {
	Hash        string        `json:"hash"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Nonce       *types.BigInt `json:"nonce"`
	Value       *types.BigInt `json:"value"`
	Gas         *types.BigInt `json:"gas"`
	GasPrice    *types.BigInt `json:"gasPrice"`
	Input       string        `json:"input"`
	BlockNumber *types.BigInt `json:"blockNumber"`
	Status      string        `json:"status,omitempty"`
}

// RenderTransaction builds the wire view of a stored transaction row.
func RenderTransaction(tx *types.Transaction) *TransactionView {
	view := &TransactionView{
		Hash:     tx.Hash.Hex(),
		From:     types.AddressHex(tx.From),
		To:       tx.ToAddressString(),
		Nonce:    types.NewBigInt(int64(tx.Nonce)),
		Value:    tx.Value,
		Gas:      types.NewBigInt(int64(tx.Gas)),
		GasPrice: tx.GasPrice,
		Input:    tx.Data.String(),
		Status:   string(tx.Status),
	}
	if tx.BlockNumber != nil {
		view.BlockNumber = types.NewBigInt(int64(*tx.BlockNumber))
	}
	return view
}
