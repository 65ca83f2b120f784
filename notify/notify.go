// Package notify fans transaction status changes out to subscribed clients,
// over websocket sessions and mobile push gateways.
package notify

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// Payment is the wire payload for an ether balance change.
type Payment struct {
	Type            string        `json:"type"`
	TxHash          string        `json:"txHash"`
	FromAddress     string        `json:"fromAddress"`
	ToAddress       string        `json:"toAddress"`
	Value           *types.BigInt `json:"value"`
	Status          string        `json:"status"`
	NetworkID       string        `json:"networkId"`
	ContractAddress string        `json:"contractAddress,omitempty"`
}

// Pusher delivers a payload to a mobile push registration.
type Pusher interface {
	Push(service, registrationID string, payload any) error
}

// Notifier implements the fan-out rules: which endpoints hear about a status
// change, how queued renders, and which transports carry the message.
type Notifier struct {
	store     *storage.Storage
	hub       *Hub
	pusher    Pusher
	networkID string
}

// New creates a notifier. The pusher may be nil when no push gateway is
// configured; websocket delivery always works through the returned hub.
func New(store *storage.Storage, pusher Pusher, networkID string) *Notifier {
	return &Notifier{
		store:     store,
		hub:       NewHub(),
		pusher:    pusher,
		networkID: networkID,
	}
}

// Hub returns the websocket session hub for the API layer to register
// connections on.
func (n *Notifier) Hub() *Hub {
	return n.hub
}

// TransactionUpdated renders and dispatches a status change.
//
// Coalescing rules: a queued row renders as unconfirmed (clients never see
// the internal queued state); the later queued -> unconfirmed transition is
// suppressed as a duplicate; new -> error notifies only the sender, since
// the counterparty never heard of the transaction.
func (n *Notifier) TransactionUpdated(tx *types.Transaction, previous types.Status) {
	status := tx.Status
	if status == types.StatusQueued {
		status = types.StatusUnconfirmed
	}
	if previous == types.StatusQueued && tx.Status == types.StatusUnconfirmed {
		return
	}

	payload := &Payment{
		Type:        "Payment",
		TxHash:      tx.Hash.Hex(),
		FromAddress: types.AddressHex(tx.From),
		ToAddress:   tx.ToAddressString(),
		Value:       tx.Value,
		Status:      string(status),
		NetworkID:   n.networkID,
	}

	n.dispatch(tx.From, payload)
	senderOnly := previous == types.StatusNew && tx.Status == types.StatusError
	if tx.To != nil && !senderOnly && *tx.To != tx.From {
		n.dispatch(*tx.To, payload)
	}
}

// TokenTransferUpdated dispatches a token movement to both ends. Wrapped
// ether deposits and withdrawals additionally emit a plain Payment, since
// they change the holder's ether-equivalent balance.
func (n *Notifier) TokenTransferUpdated(tt *types.TokenTransfer) {
	payload := &Payment{
		Type:            "TokenPayment",
		TxHash:          tt.TxHash.Hex(),
		FromAddress:     types.AddressHex(tt.From),
		ToAddress:       types.AddressHex(tt.To),
		Value:           tt.Value,
		Status:          string(tt.Status),
		NetworkID:       n.networkID,
		ContractAddress: types.AddressHex(tt.Contract),
	}
	n.dispatch(tt.From, payload)
	if tt.To != tt.From {
		n.dispatch(tt.To, payload)
	}

	if tt.Contract == types.WETHContractAddress {
		ether := *payload
		ether.Type = "Payment"
		ether.ContractAddress = ""
		n.dispatch(tt.From, &ether)
		if tt.To != tt.From {
			n.dispatch(tt.To, &ether)
		}
	}
}

// dispatch delivers a payload to every transport subscribed to the address.
func (n *Notifier) dispatch(addr common.Address, payload *Payment) {
	n.hub.Notify(addr, payload)

	if n.pusher == nil {
		return
	}
	subs, err := n.store.SubscriptionsForAddress(addr)
	if err != nil {
		log.Warnw("subscription lookup failed",
			"address", types.AddressHex(addr), "error", err.Error())
		return
	}
	seen := make(map[string]bool)
	for _, sub := range subs {
		if sub.Service != types.ServiceGCM && sub.Service != types.ServiceAPN {
			continue
		}
		key := sub.Service + "\x00" + sub.RegistrationID
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := n.pusher.Push(sub.Service, sub.RegistrationID, payload); err != nil {
			log.Warnw("push delivery failed",
				"service", sub.Service, "address", types.AddressHex(addr),
				"error", err.Error())
		}
	}
}
