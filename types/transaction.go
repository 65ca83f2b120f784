package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

// Transaction is the durable record of a transaction tracked by the service.
// Rows are created either by client submission (signed, with SenderTokenID)
// or by the block monitor when it observes an external transaction touching a
// subscribed address (unsigned: V, R and S are nil).
type Transaction struct {
	Hash        common.Hash     `cbor:"1,keyasint"`
	From        common.Address  `cbor:"2,keyasint"`
	To          *common.Address `cbor:"3,keyasint"` // nil for contract deployments
	Nonce       uint64          `cbor:"4,keyasint"`
	Value       *BigInt         `cbor:"5,keyasint"`
	Gas         uint64          `cbor:"6,keyasint"`
	GasPrice    *BigInt         `cbor:"7,keyasint"`
	Data        HexBytes        `cbor:"8,keyasint"`
	V           *BigInt         `cbor:"9,keyasint"`
	R           *BigInt         `cbor:"10,keyasint"`
	S           *BigInt         `cbor:"11,keyasint"`
	Status      Status          `cbor:"12,keyasint"`
	BlockNumber *uint64         `cbor:"13,keyasint"`
	// SenderTokenID is the authenticated client identity that submitted the
	// transaction. It may differ from the sender address and is empty for
	// externally observed transactions.
	SenderTokenID string    `cbor:"14,keyasint"`
	Created       time.Time `cbor:"15,keyasint"`
	Updated       time.Time `cbor:"16,keyasint"`
}

// Signed reports whether the row carries a signature.
func (t *Transaction) Signed() bool {
	return t.V != nil && t.R != nil && t.S != nil
}

// Cost returns value + gas*gasPrice in wei.
func (t *Transaction) Cost() *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(t.Gas), t.GasPrice.MathBigInt())
	return cost.Add(cost, t.Value.MathBigInt())
}

// ToAddressString renders the recipient following the wire convention:
// contract deployments render as "0x".
func (t *Transaction) ToAddressString() string {
	if t.To == nil {
		return "0x"
	}
	return AddressHex(*t.To)
}

// RLPTransaction rebuilds the go-ethereum legacy transaction envelope from
// the stored fields, including the signature when present.
func (t *Transaction) RLPTransaction() *gtypes.Transaction {
	var v, r, s *big.Int
	if t.Signed() {
		v = t.V.MathBigInt()
		r = t.R.MathBigInt()
		s = t.S.MathBigInt()
	}
	return gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: t.GasPrice.MathBigInt(),
		Gas:      t.Gas,
		To:       t.To,
		Value:    t.Value.MathBigInt(),
		Data:     t.Data,
		V:        v,
		R:        r,
		S:        s,
	})
}

// NewTransactionFromRLP builds a record from a go-ethereum transaction. The
// sender must be supplied by the caller, which either recovered it from the
// signature or took it from a block body.
func NewTransactionFromRLP(tx *gtypes.Transaction, from common.Address) *Transaction {
	v, r, s := tx.RawSignatureValues()
	rec := &Transaction{
		Hash:     tx.Hash(),
		From:     from,
		To:       tx.To(),
		Nonce:    tx.Nonce(),
		Value:    FromBig(tx.Value()),
		Gas:      tx.Gas(),
		GasPrice: FromBig(tx.GasPrice()),
		Data:     tx.Data(),
		Status:   StatusNew,
	}
	if v != nil && v.Sign() != 0 {
		rec.V = FromBig(v)
		rec.R = FromBig(r)
		rec.S = FromBig(s)
	}
	return rec
}

// TokenTransfer is an ERC20 (or WETH deposit/withdrawal) movement tied to a
// parent transaction. LogIndex disambiguates multiple transfers within one
// transaction.
type TokenTransfer struct {
	TxHash   common.Hash    `cbor:"1,keyasint"`
	LogIndex uint32         `cbor:"2,keyasint"`
	Contract common.Address `cbor:"3,keyasint"`
	From     common.Address `cbor:"4,keyasint"`
	To       common.Address `cbor:"5,keyasint"`
	Value    *BigInt        `cbor:"6,keyasint"`
	Status   Status         `cbor:"7,keyasint"`
}

// Token describes an ERC20 contract known to the service.
type Token struct {
	Contract common.Address `cbor:"1,keyasint"`
	Symbol   string         `cbor:"2,keyasint"`
	Name     string         `cbor:"3,keyasint"`
	Decimals uint8          `cbor:"4,keyasint"`
}

// TokenBalance is the cached balance of a token for an address, authoritative
// at the last processed block.
type TokenBalance struct {
	Contract common.Address `cbor:"1,keyasint"`
	Address  common.Address `cbor:"2,keyasint"`
	Value    *BigInt        `cbor:"3,keyasint"`
}

// Subscription services.
const (
	ServiceWS  = "ws"
	ServiceGCM = "gcm"
	ServiceAPN = "apn"
)

// Subscription registers interest of a client in activity of an address,
// through a given delivery service.
type Subscription struct {
	TokenID        string         `cbor:"1,keyasint"`
	Address        common.Address `cbor:"2,keyasint"`
	Service        string         `cbor:"3,keyasint"`
	RegistrationID string         `cbor:"4,keyasint"`
	Created        time.Time      `cbor:"5,keyasint"`
}

// AddressHex renders an address in the wire convention: "0x"-prefixed
// lowercase hex.
func AddressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// ParseAddress parses a "0x"-prefixed 20-byte hex address. It rejects
// anything that does not match the wire convention.
func ParseAddress(s string) (common.Address, error) {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseTxHash parses a "0x"-prefixed 32-byte hex transaction hash.
func ParseTxHash(s string) (common.Hash, error) {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	var b HexBytes
	if err := b.SetString(s); err != nil || len(b) != 32 {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	return common.BytesToHash(b), nil
}
