package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/toshiapp/ethservice/db/metadb"
	"github.com/toshiapp/ethservice/types"
)

func newTestStorage(t *testing.T) *Storage {
	return New(metadb.NewTest(t))
}

func testTx(hash byte, from common.Address, nonce uint64, status types.Status) *types.Transaction {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return &types.Transaction{
		Hash:     common.BytesToHash([]byte{hash}),
		From:     from,
		To:       &to,
		Nonce:    nonce,
		Value:    types.NewBigInt(10_000_000_000),
		Gas:      21000,
		GasPrice: types.NewBigInt(20_000_000_000),
		V:        types.NewBigInt(27),
		R:        types.NewBigInt(1),
		S:        types.NewBigInt(1),
		Status:   status,
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tx := testTx(1, from, 0, types.StatusNew)
	c.Assert(s.AddTransaction(tx), qt.IsNil)

	got, err := s.Transaction(tx.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.From, qt.Equals, from)
	c.Assert(got.Nonce, qt.Equals, uint64(0))
	c.Assert(got.Status, qt.Equals, types.StatusNew)
	c.Assert(got.Signed(), qt.IsTrue)
	c.Assert(got.Value.Cmp(tx.Value), qt.Equals, 0)

	// same hash again must be rejected
	c.Assert(s.AddTransaction(testTx(1, from, 0, types.StatusNew)), qt.Equals, ErrKeyAlreadyExists)

	_, err = s.Transaction(common.BytesToHash([]byte{0xff}))
	c.Assert(err, qt.Equals, ErrNotFound)
}

func TestQueuedTransactionsOrderedByNonce(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	c.Assert(s.AddTransaction(testTx(3, from, 7, types.StatusQueued)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(1, from, 5, types.StatusNew)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(2, from, 6, types.StatusUnconfirmed)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(4, from, 8, types.StatusError)), qt.IsNil)
	// other senders must not leak in
	other := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(s.AddTransaction(testTx(5, other, 1, types.StatusNew)), qt.IsNil)

	queued, err := s.QueuedTransactions(from)
	c.Assert(err, qt.IsNil)
	c.Assert(queued, qt.HasLen, 2)
	c.Assert(queued[0].Nonce, qt.Equals, uint64(5))
	c.Assert(queued[1].Nonce, qt.Equals, uint64(7))

	// unsigned rows never enter the relay queue
	external := testTx(6, from, 9, types.StatusNew)
	external.V, external.R, external.S = nil, nil, nil
	c.Assert(s.AddTransaction(external), qt.IsNil)
	queued, err = s.QueuedTransactions(from)
	c.Assert(err, qt.IsNil)
	c.Assert(queued, qt.HasLen, 2)
}

func TestTransactionsBySenderNonce(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	c.Assert(s.AddTransaction(testTx(1, from, 3, types.StatusQueued)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(2, from, 3, types.StatusNew)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(3, from, 3, types.StatusError)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(4, from, 4, types.StatusNew)), qt.IsNil)

	txs, err := s.TransactionsBySenderNonce(from, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(txs, qt.HasLen, 2)
	for _, tx := range txs {
		c.Assert(tx.Nonce, qt.Equals, uint64(3))
	}
}

func TestUpdateTransactionStatus(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tx := testTx(1, from, 0, types.StatusNew)
	c.Assert(s.AddTransaction(tx), qt.IsNil)

	updated, changed, err := s.UpdateTransactionStatus(tx.Hash, types.StatusUnconfirmed, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsTrue)
	c.Assert(updated.Status, qt.Equals, types.StatusUnconfirmed)

	block := uint64(1000)
	updated, changed, err = s.UpdateTransactionStatus(tx.Hash, types.StatusConfirmed, &block)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsTrue)
	c.Assert(*updated.BlockNumber, qt.Equals, block)

	// confirmed again is idempotent
	_, changed, err = s.UpdateTransactionStatus(tx.Hash, types.StatusConfirmed, &block)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsFalse)

	// confirmed never regresses
	_, _, err = s.UpdateTransactionStatus(tx.Hash, types.StatusQueued, nil)
	c.Assert(err, qt.ErrorMatches, `invalid status transition confirmed -> queued`)

	// error is terminal
	tx2 := testTx(2, from, 1, types.StatusNew)
	c.Assert(s.AddTransaction(tx2), qt.IsNil)
	_, _, err = s.UpdateTransactionStatus(tx2.Hash, types.StatusError, nil)
	c.Assert(err, qt.IsNil)
	_, _, err = s.UpdateTransactionStatus(tx2.Hash, types.StatusUnconfirmed, nil)
	c.Assert(err, qt.ErrorMatches, `invalid status transition error -> unconfirmed`)
}

func TestPendingSentAndReceived(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	active := testTx(1, from, 0, types.StatusQueued)
	errored := testTx(2, from, 1, types.StatusError)
	c.Assert(s.AddTransaction(active), qt.IsNil)
	c.Assert(s.AddTransaction(errored), qt.IsNil)

	sent, err := s.PendingSent(from)
	c.Assert(err, qt.IsNil)
	c.Assert(sent.Cmp(active.Cost()), qt.Equals, 0)

	recv, err := s.PendingReceived(*active.To)
	c.Assert(err, qt.IsNil)
	c.Assert(recv.Cmp(active.Value.MathBigInt()), qt.Equals, 0)
}

func TestTransactionsForAddress(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	other := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	// testTx always pays the same recipient
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	c.Assert(s.AddTransaction(testTx(1, from, 0, types.StatusUnconfirmed)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(2, from, 1, types.StatusQueued)), qt.IsNil)
	c.Assert(s.AddTransaction(testTx(3, other, 0, types.StatusUnconfirmed)), qt.IsNil)

	since := time.Now().Add(-time.Minute)
	until := time.Now().Add(time.Minute)

	txs, err := s.TransactionsForAddress(from, since, until)
	c.Assert(err, qt.IsNil)
	c.Assert(txs, qt.HasLen, 2)
	c.Assert(txs[0].Updated.After(txs[1].Updated), qt.IsFalse)

	// the recipient view merges rows from both senders without duplicates
	txs, err = s.TransactionsForAddress(to, since, until)
	c.Assert(err, qt.IsNil)
	c.Assert(txs, qt.HasLen, 3)

	// a window entirely in the past matches nothing
	txs, err = s.TransactionsForAddress(from, since.Add(-time.Hour), since)
	c.Assert(err, qt.IsNil)
	c.Assert(txs, qt.HasLen, 0)
}

func TestTokenRegistryAndBalances(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	contract := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	_, err := s.Token(contract)
	c.Assert(err, qt.Equals, ErrNotFound)

	c.Assert(s.AddToken(&types.Token{
		Contract: contract,
		Symbol:   "TST",
		Name:     "Test Token",
		Decimals: 18,
	}), qt.IsNil)
	tok, err := s.Token(contract)
	c.Assert(err, qt.IsNil)
	c.Assert(tok.Symbol, qt.Equals, "TST")

	c.Assert(s.SetTokenBalance(addr, contract, types.NewBigInt(500)), qt.IsNil)
	tb, err := s.TokenBalance(addr, contract)
	c.Assert(err, qt.IsNil)
	c.Assert(tb.Value.Cmp(types.NewBigInt(500)), qt.Equals, 0)

	balances, err := s.TokenBalances(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(balances, qt.HasLen, 1)

	// zero balance removes the row
	c.Assert(s.SetTokenBalance(addr, contract, types.NewBigInt(0)), qt.IsNil)
	balances, err = s.TokenBalances(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(balances, qt.HasLen, 0)
}

func TestTokenTransfers(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	txHash := common.BytesToHash([]byte{9})
	contract := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	for i := uint32(0); i < 2; i++ {
		c.Assert(s.UpsertTokenTransfer(&types.TokenTransfer{
			TxHash:   txHash,
			LogIndex: i,
			Contract: contract,
			From:     from,
			To:       to,
			Value:    types.NewBigInt(int64(100 + i)),
			Status:   types.StatusUnconfirmed,
		}), qt.IsNil)
	}
	transfers, err := s.TokenTransfers(txHash)
	c.Assert(err, qt.IsNil)
	c.Assert(transfers, qt.HasLen, 2)
	c.Assert(transfers[0].LogIndex, qt.Equals, uint32(0))
	c.Assert(transfers[1].LogIndex, qt.Equals, uint32(1))

	updated, err := s.UpdateTokenTransferStatus(txHash, types.StatusConfirmed)
	c.Assert(err, qt.IsNil)
	c.Assert(updated, qt.HasLen, 2)

	// confirming again reports nothing changed
	updated, err = s.UpdateTokenTransferStatus(txHash, types.StatusConfirmed)
	c.Assert(err, qt.IsNil)
	c.Assert(updated, qt.HasLen, 0)
}

func TestSubscriptions(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	other := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	ok, err := s.HasSubscribers(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	c.Assert(s.AddSubscription(&types.Subscription{
		TokenID:        "client-1",
		Address:        addr,
		Service:        types.ServiceGCM,
		RegistrationID: "reg-1",
	}), qt.IsNil)
	c.Assert(s.AddSubscription(&types.Subscription{
		TokenID:        "client-1",
		Address:        other,
		Service:        types.ServiceGCM,
		RegistrationID: "reg-1",
	}), qt.IsNil)
	c.Assert(s.AddSubscription(&types.Subscription{
		TokenID:        "client-2",
		Address:        addr,
		Service:        types.ServiceWS,
		RegistrationID: "session-1",
	}), qt.IsNil)

	ok, err = s.HasSubscribers(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	subs, err := s.SubscriptionsForAddress(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(subs, qt.HasLen, 2)

	addrs, err := s.AddressesForToken("client-1")
	c.Assert(err, qt.IsNil)
	c.Assert(addrs, qt.HasLen, 2)

	// deregistering a push registration drops it for every address
	c.Assert(s.RemoveRegistration("client-1", types.ServiceGCM, "reg-1"), qt.IsNil)
	addrs, err = s.AddressesForToken("client-1")
	c.Assert(err, qt.IsNil)
	c.Assert(addrs, qt.HasLen, 0)

	subs, err = s.SubscriptionsForAddress(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(subs, qt.HasLen, 1)
	c.Assert(subs[0].Service, qt.Equals, types.ServiceWS)
}

func TestLastBlockAndGasPrices(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	_, _, err := s.LastBlock()
	c.Assert(err, qt.Equals, ErrNotFound)

	hash := common.BytesToHash([]byte{42})
	c.Assert(s.SetLastBlock(1234, hash), qt.IsNil)
	num, h, err := s.LastBlock()
	c.Assert(err, qt.IsNil)
	c.Assert(num, qt.Equals, uint64(1234))
	c.Assert(h, qt.Equals, hash)

	sl, err := s.SafeLowGasPrice()
	c.Assert(err, qt.IsNil)
	c.Assert(sl, qt.IsNil)

	c.Assert(s.SetGasPrices(big.NewInt(2_000_000_000), big.NewInt(4_000_000_000)), qt.IsNil)
	sl, err = s.SafeLowGasPrice()
	c.Assert(err, qt.IsNil)
	c.Assert(sl.Cmp(big.NewInt(2_000_000_000)), qt.Equals, 0)
	std, err := s.StandardGasPrice()
	c.Assert(err, qt.IsNil)
	c.Assert(std.Cmp(big.NewInt(4_000_000_000)), qt.Equals, 0)
}

func TestNonceHint(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	_, ok, err := s.NonceHint(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	c.Assert(s.SetNonceHint(addr, 5), qt.IsNil)
	hint, ok, err := s.NonceHint(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(hint, qt.Equals, uint64(5))

	// hints only move forward
	c.Assert(s.SetNonceHint(addr, 3), qt.IsNil)
	hint, _, err = s.NonceHint(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(hint, qt.Equals, uint64(5))
}

func TestLocks(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	ok, err := s.TryLockSender(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	ok, err = s.TryLockSender(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
	c.Assert(s.UnlockSender(addr), qt.IsNil)
	ok, err = s.TryLockSender(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	// rerun flag is read-and-clear
	taken, err := s.TakeRerun(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(taken, qt.IsFalse)
	c.Assert(s.MarkRerun(addr), qt.IsNil)
	taken, err = s.TakeRerun(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(taken, qt.IsTrue)
	taken, err = s.TakeRerun(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(taken, qt.IsFalse)

	ok, err = s.TryLockSubmission(addr, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	ok, err = s.TryLockSubmission(addr, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
	ok, err = s.TryLockSubmission(addr, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(s.UnlockSubmission(addr, 1), qt.IsNil)
	ok, err = s.TryLockSubmission(addr, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
}

func TestStaleSenders(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tx := testTx(1, from, 0, types.StatusQueued)
	c.Assert(s.AddTransaction(tx), qt.IsNil)

	stale, err := s.StaleSenders(time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(stale, qt.HasLen, 0)

	stale, err = s.StaleSenders(-time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(stale, qt.HasLen, 1)
	c.Assert(stale[0], qt.Equals, from)
}
