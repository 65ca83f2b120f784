package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/toshiapp/ethservice/db/metadb"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

var testChainID = big.NewInt(1337)

type stubChain struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	sent     []*gtypes.Transaction
	sendErr  error
	gasPrice *big.Int
	estimate uint64
	known    map[common.Hash]*gtypes.Transaction
}

func newStubChain() *stubChain {
	return &stubChain{
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		gasPrice: big.NewInt(20_000_000_000),
		estimate: 50000,
		known:    make(map[common.Hash]*gtypes.Transaction),
	}
}

func (c *stubChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *stubChain) NonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *stubChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return c.estimate, nil
}

func (c *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *stubChain) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.known[tx.Hash()] = tx
	return nil
}

func (c *stubChain) TransactionByHash(_ context.Context, hash common.Hash) (*gtypes.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.known[hash]; ok {
		return tx, true, nil
	}
	return nil, false, ethereum.NotFound
}

func newTestService(t *testing.T) (*Service, *stubChain) {
	chain := newStubChain()
	store := storage.New(metadb.NewTest(t))
	return New(store, chain, testChainID), chain
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func signedSubmission(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int) (*SubmitRequest, common.Hash) {
	tx := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(20_000_000_000),
		Gas:      21000,
		To:       &to,
		Value:    value,
	})
	signed, err := gtypes.SignTx(tx, gtypes.LatestSignerForChainID(testChainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}
	return &SubmitRequest{Tx: hexutil.Encode(raw)}, signed.Hash()
}

func TestSkeletonRoundTrip(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	_, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	resp, err := svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From:     types.AddressHex(from),
		To:       types.AddressHex(to),
		Value:    "10000000000",
		Nonce:    "5",
		Gas:      "21000",
		GasPrice: "0x4a817c800",
	})
	c.Assert(err, qt.IsNil)

	raw, err := hexutil.Decode(resp.Tx)
	c.Assert(err, qt.IsNil)
	decoded := new(gtypes.Transaction)
	c.Assert(decoded.UnmarshalBinary(raw), qt.IsNil)
	c.Assert(decoded.Nonce(), qt.Equals, uint64(5))
	c.Assert(decoded.Gas(), qt.Equals, uint64(21000))
	c.Assert(decoded.GasPrice().Cmp(big.NewInt(20_000_000_000)), qt.Equals, 0)
	c.Assert(decoded.Value().Cmp(big.NewInt(10_000_000_000)), qt.Equals, 0)
	c.Assert(*decoded.To(), qt.Equals, to)
}

func TestSkeletonDefaults(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	_, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.nonces[from] = 3

	resp, err := svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From: types.AddressHex(from),
		To:   types.AddressHex(to),
	})
	c.Assert(err, qt.IsNil)
	raw, _ := hexutil.Decode(resp.Tx)
	decoded := new(gtypes.Transaction)
	c.Assert(decoded.UnmarshalBinary(raw), qt.IsNil)
	c.Assert(decoded.Nonce(), qt.Equals, uint64(3))
	c.Assert(decoded.Gas(), qt.Equals, uint64(21000))
	// no oracle reading stored, so the node's suggestion is used
	c.Assert(decoded.GasPrice().Cmp(chain.gasPrice), qt.Equals, 0)
}

func TestSkeletonMaxValue(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	_, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	balance := new(big.Int).Mul(big.NewInt(21000), big.NewInt(20_000_000_000))
	balance.Add(balance, big.NewInt(12345))
	chain.balances[from] = balance

	resp, err := svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From:     types.AddressHex(from),
		To:       types.AddressHex(to),
		Value:    "max",
		Gas:      "21000",
		GasPrice: "20000000000",
	})
	c.Assert(err, qt.IsNil)
	raw, _ := hexutil.Decode(resp.Tx)
	decoded := new(gtypes.Transaction)
	c.Assert(decoded.UnmarshalBinary(raw), qt.IsNil)
	c.Assert(decoded.Value().Cmp(big.NewInt(12345)), qt.Equals, 0)
}

func TestSkeletonValidation(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(t)
	_, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, err := svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From: "not-an-address", To: types.AddressHex(to),
	})
	c.Assert(errors.Is(err, ErrInvalidFromAddress), qt.IsTrue)

	_, err = svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From: types.AddressHex(from), To: "0x1234",
	})
	c.Assert(errors.Is(err, ErrInvalidToAddress), qt.IsTrue)

	_, err = svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From: types.AddressHex(from), To: types.AddressHex(to), Value: "-5",
	})
	c.Assert(errors.Is(err, ErrInvalidValue), qt.IsTrue)

	// declared gas below the intrinsic cost of the payload
	_, err = svc.CreateSkeleton(context.Background(), &SkeletonRequest{
		From: types.AddressHex(from), To: types.AddressHex(to),
		Data: "0xdeadbeef", Gas: "21000",
	})
	c.Assert(errors.Is(err, ErrInvalidTransaction), qt.IsTrue)
}

func TestSubmitHappyPath(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	req, wantHash := signedSubmission(t, key, 0, to, big.NewInt(10_000_000_000))
	hash, err := svc.SubmitTransaction(context.Background(), req, "client-1")
	c.Assert(err, qt.IsNil)
	c.Assert(hash, qt.Equals, wantHash)
	c.Assert(chain.sent, qt.HasLen, 1)

	row, err := svc.Store().Transaction(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusUnconfirmed)
	c.Assert(row.From, qt.Equals, from)
	c.Assert(row.SenderTokenID, qt.Equals, "client-1")

	hint, ok, err := svc.Store().NonceHint(from)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(hint, qt.Equals, uint64(1))

	// round-trip law: the stored envelope re-encodes to the same fields
	rlpTx := row.RLPTransaction()
	c.Assert(rlpTx.Hash(), qt.Equals, wantHash)
}

func TestSubmitDetachedSignature(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	unsigned := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(20_000_000_000),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(10_000_000_000),
	})
	raw, err := unsigned.MarshalBinary()
	c.Assert(err, qt.IsNil)
	signer := gtypes.LatestSignerForChainID(testChainID)
	sig, err := crypto.Sign(signer.Hash(unsigned).Bytes(), key)
	c.Assert(err, qt.IsNil)

	hash, err := svc.SubmitTransaction(context.Background(), &SubmitRequest{
		Tx:        hexutil.Encode(raw),
		Signature: hexutil.Encode(sig),
	}, "client-1")
	c.Assert(err, qt.IsNil)
	row, err := svc.Store().Transaction(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(row.From, qt.Equals, from)
}

func TestSubmitSignatureValidation(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	unsigned := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(20_000_000_000), Gas: 21000, To: &to,
		Value: big.NewInt(1),
	})
	raw, _ := unsigned.MarshalBinary()

	_, err := svc.SubmitTransaction(context.Background(), &SubmitRequest{
		Tx: hexutil.Encode(raw),
	}, "")
	c.Assert(errors.Is(err, ErrMissingSignature), qt.IsTrue)

	_, err = svc.SubmitTransaction(context.Background(), &SubmitRequest{
		Tx:        hexutil.Encode(raw),
		Signature: "0xabcd",
	}, "")
	c.Assert(errors.Is(err, ErrInvalidSignature), qt.IsTrue)

	_ = key
}

func TestSubmitNonceValidation(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)
	chain.nonces[from] = 2

	// too low
	req, _ := signedSubmission(t, key, 1, to, big.NewInt(1))
	_, err := svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(errors.Is(err, ErrInvalidNonce), qt.IsTrue)
	c.Assert(err.(*Error).Message, qt.Contains, "too low")

	// too high
	req, _ = signedSubmission(t, key, 3, to, big.NewInt(1))
	_, err = svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(err.(*Error).Message, qt.Contains, "too high")

	// exact nonce is accepted, and its duplicate rejected
	req, _ = signedSubmission(t, key, 2, to, big.NewInt(1))
	_, err = svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(err, qt.IsNil)
	req2, _ := signedSubmission(t, key, 2, to, big.NewInt(2))
	_, err = svc.SubmitTransaction(context.Background(), req2, "")
	c.Assert(errors.Is(err, ErrInvalidNonce), qt.IsTrue)
}

func TestSubmitInsufficientFunds(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1000)

	req, _ := signedSubmission(t, key, 0, to, big.NewInt(10_000_000_000))
	_, err := svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(errors.Is(err, ErrInsufficientFunds), qt.IsTrue)
}

func TestSubmitBelowGasFloorQueues(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)
	// floor above the submission's 20 Gwei
	c.Assert(svc.Store().SetGasPrices(big.NewInt(30_000_000_000), big.NewInt(40_000_000_000)), qt.IsNil)

	req, hash := signedSubmission(t, key, 0, to, big.NewInt(1))
	got, err := svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, hash)
	// not broadcast; waiting in the queue for the floor to drop
	c.Assert(chain.sent, qt.HasLen, 0)
	row, err := svc.Store().Transaction(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusNew)
}

func TestSubmitConcurrentSameNonce(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	const n = 20
	reqs := make([]*SubmitRequest, n)
	for i := range reqs {
		// distinct transactions sharing one (sender, nonce)
		reqs[i], _ = signedSubmission(t, key, 0, to, big.NewInt(int64(i+1)))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SubmitTransaction(context.Background(), reqs[i], "")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			c.Assert(errors.Is(err, ErrInvalidNonce), qt.IsTrue)
		}
	}
	c.Assert(accepted, qt.Equals, 1)

	rows, err := svc.Store().TransactionsBySenderNonce(from, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 1)
}

func TestGetBalances(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)

	req, _ := signedSubmission(t, key, 0, to, big.NewInt(10_000_000_000))
	_, err := svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(err, qt.IsNil)

	// sender: unconfirmed drops by value + fee
	b, err := svc.GetBalances(context.Background(), from)
	c.Assert(err, qt.IsNil)
	cost := new(big.Int).Add(big.NewInt(10_000_000_000),
		new(big.Int).Mul(big.NewInt(21000), big.NewInt(20_000_000_000)))
	want := new(big.Int).Sub(big.NewInt(1_000_000_000_000_000_000), cost)
	c.Assert(b.ConfirmedBalance.MathBigInt().Cmp(big.NewInt(1_000_000_000_000_000_000)), qt.Equals, 0)
	c.Assert(b.UnconfirmedBalance.MathBigInt().Cmp(want), qt.Equals, 0)

	// recipient: unconfirmed rises by the in-flight value
	b, err = svc.GetBalances(context.Background(), to)
	c.Assert(err, qt.IsNil)
	c.Assert(b.ConfirmedBalance.Sign(), qt.Equals, 0)
	c.Assert(b.UnconfirmedBalance.MathBigInt().Cmp(big.NewInt(10_000_000_000)), qt.Equals, 0)
}

func TestGetTransactionLocalFallback(t *testing.T) {
	c := qt.New(t)
	svc, chain := newTestService(t)
	key, from := newTestKey(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain.balances[from] = big.NewInt(1_000_000_000_000_000_000)
	c.Assert(svc.Store().SetGasPrices(big.NewInt(30_000_000_000), big.NewInt(40_000_000_000)), qt.IsNil)

	// queued below the floor: the node never saw it, but we did
	req, hash := signedSubmission(t, key, 0, to, big.NewInt(1))
	_, err := svc.SubmitTransaction(context.Background(), req, "")
	c.Assert(err, qt.IsNil)

	view, err := svc.GetTransaction(context.Background(), hash)
	c.Assert(err, qt.IsNil)
	c.Assert(view.From, qt.Equals, types.AddressHex(from))
	c.Assert(view.Status, qt.Equals, string(types.StatusNew))

	_, err = svc.GetTransaction(context.Background(), common.BytesToHash([]byte{0xde, 0xad}))
	c.Assert(errors.Is(err, ErrNotFound), qt.IsTrue)
}
