package notify

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/toshiapp/ethservice/db/metadb"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

type pushRecord struct {
	service        string
	registrationID string
	payload        *Payment
}

type stubPusher struct {
	mu    sync.Mutex
	calls []pushRecord
}

func (p *stubPusher) Push(service, registrationID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushRecord{service, registrationID, payload.(*Payment)})
	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *stubPusher, *storage.Storage) {
	store := storage.New(metadb.NewTest(t))
	pusher := &stubPusher{}
	return New(store, pusher, "1337"), pusher, store
}

func paymentTx(from, to common.Address, status types.Status) *types.Transaction {
	return &types.Transaction{
		Hash:   common.BytesToHash([]byte{1}),
		From:   from,
		To:     &to,
		Value:  types.NewBigInt(1000),
		Status: status,
	}
}

func TestQueuedRendersAsUnconfirmed(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)

	n.TransactionUpdated(paymentTx(from, to, types.StatusQueued), types.StatusNew)

	c.Assert(pusher.calls, qt.HasLen, 1)
	c.Assert(pusher.calls[0].payload.Status, qt.Equals, "unconfirmed")
	c.Assert(pusher.calls[0].payload.Type, qt.Equals, "Payment")
	c.Assert(pusher.calls[0].payload.NetworkID, qt.Equals, "1337")
}

func TestQueuedToUnconfirmedSuppressed(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)

	n.TransactionUpdated(paymentTx(from, to, types.StatusUnconfirmed), types.StatusQueued)
	c.Assert(pusher.calls, qt.HasLen, 0)
}

func TestNewToErrorNotifiesSenderOnly(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: from, Service: types.ServiceGCM, RegistrationID: "reg-sender",
	}), qt.IsNil)
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t2", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-recipient",
	}), qt.IsNil)

	n.TransactionUpdated(paymentTx(from, to, types.StatusError), types.StatusNew)

	c.Assert(pusher.calls, qt.HasLen, 1)
	c.Assert(pusher.calls[0].registrationID, qt.Equals, "reg-sender")
}

func TestConfirmedNotifiesBothEndpoints(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: from, Service: types.ServiceGCM, RegistrationID: "reg-sender",
	}), qt.IsNil)
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t2", Address: to, Service: types.ServiceAPN, RegistrationID: "reg-recipient",
	}), qt.IsNil)

	n.TransactionUpdated(paymentTx(from, to, types.StatusConfirmed), types.StatusUnconfirmed)
	c.Assert(pusher.calls, qt.HasLen, 2)
}

func TestDuplicateRegistrationsDispatchOnce(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	// two clients registered the same device for the same address
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t2", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)

	n.TransactionUpdated(paymentTx(from, to, types.StatusConfirmed), types.StatusUnconfirmed)
	c.Assert(pusher.calls, qt.HasLen, 1)
}

func TestTokenTransferNotification(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	contract := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)

	n.TokenTransferUpdated(&types.TokenTransfer{
		TxHash:   common.BytesToHash([]byte{2}),
		Contract: contract,
		From:     from,
		To:       to,
		Value:    types.NewBigInt(500),
		Status:   types.StatusConfirmed,
	})

	c.Assert(pusher.calls, qt.HasLen, 1)
	c.Assert(pusher.calls[0].payload.Type, qt.Equals, "TokenPayment")
	c.Assert(pusher.calls[0].payload.ContractAddress, qt.Equals, types.AddressHex(contract))
}

func TestWETHTransferAlsoEmitsPayment(t *testing.T) {
	c := qt.New(t)
	n, pusher, store := newTestNotifier(t)
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c.Assert(store.AddSubscription(&types.Subscription{
		TokenID: "t1", Address: to, Service: types.ServiceGCM, RegistrationID: "reg-1",
	}), qt.IsNil)

	n.TokenTransferUpdated(&types.TokenTransfer{
		TxHash:   common.BytesToHash([]byte{3}),
		Contract: types.WETHContractAddress,
		From:     from,
		To:       to,
		Value:    types.NewBigInt(500),
		Status:   types.StatusConfirmed,
	})

	c.Assert(pusher.calls, qt.HasLen, 2)
	kinds := map[string]bool{}
	for _, call := range pusher.calls {
		kinds[call.payload.Type] = true
	}
	c.Assert(kinds["TokenPayment"], qt.IsTrue)
	c.Assert(kinds["Payment"], qt.IsTrue)
}

func TestHubRoutesToSubscribedSessions(t *testing.T) {
	c := qt.New(t)
	hub := NewHub()
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	other := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	watching := hub.Attach(nil)
	watching.Subscribe(addr)
	bystander := hub.Attach(nil)
	bystander.Subscribe(other)

	hub.Notify(addr, &Payment{Type: "Payment", Status: "confirmed"})

	select {
	case msg := <-watching.Messages():
		var envelope struct {
			Method string `json:"method"`
			Params struct {
				Subscription string   `json:"subscription"`
				Message      *Payment `json:"message"`
			} `json:"params"`
		}
		c.Assert(json.Unmarshal(msg, &envelope), qt.IsNil)
		c.Assert(envelope.Method, qt.Equals, "subscription")
		c.Assert(envelope.Params.Subscription, qt.Equals, types.AddressHex(addr))
		c.Assert(envelope.Params.Message.Status, qt.Equals, "confirmed")
	default:
		c.Fatal("expected a message for the subscribed session")
	}
	select {
	case <-bystander.Messages():
		c.Fatal("bystander session must not receive the message")
	default:
	}

	hub.Detach(watching)
	hub.Detach(bystander)
}
