package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/notify"
	"github.com/toshiapp/ethservice/types"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// rpcRequest is a JSON-RPC call received over a websocket session.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// websocket upgrades the connection and serves the JSON-RPC notification
// stream: subscribe, unsubscribe, list_subscriptions and
// list_payment_updates. Notifications for subscribed addresses are pushed by
// the hub on the same connection.
func (a *API) websocket(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		httpWriteErrors(w, http.StatusNotImplemented,
			wireError{ID: "unexpected_error", Message: "websocket stream not configured"})
		return
	}
	tokenID, err := a.verifier.Verify(r)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "error", err.Error())
		return
	}

	session := a.hub.Attach(conn)
	go session.WritePump()
	defer func() {
		a.hub.Detach(session)
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			a.replyWS(session, &rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}
		a.replyWS(session, a.dispatchWS(session, tokenID, &req))
	}
}

func (a *API) replyWS(session *notify.Session, resp *rpcResponse) {
	msg, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if !session.Send(msg) {
		log.Warnw("websocket session queue full", "session", session.ID)
	}
}

func (a *API) dispatchWS(session *notify.Session, tokenID string, req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "subscribe":
		resp.Result, resp.Error = a.wsSubscribe(session, tokenID, req.Params)
	case "unsubscribe":
		resp.Result, resp.Error = a.wsUnsubscribe(session, req.Params)
	case "list_subscriptions":
		addrs := session.Subscriptions()
		out := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, types.AddressHex(addr))
		}
		resp.Result = out
	case "list_payment_updates":
		resp.Result, resp.Error = a.wsPaymentUpdates(req.Params)
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	return resp
}

type wsAddressParams struct {
	Addresses []string `json:"addresses"`
}

// wsSubscribe watches addresses on the session. When the client is
// identified, the interest is also persisted so the block monitor tracks the
// addresses across connections.
func (a *API) wsSubscribe(session *notify.Session, tokenID string, params json.RawMessage) (any, *rpcError) {
	var p wsAddressParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Addresses) == 0 {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	addrs, err := parseAddresses(p.Addresses)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid address"}
	}
	session.Subscribe(addrs...)
	if tokenID != "" {
		for _, addr := range addrs {
			if err := a.store.AddSubscription(&types.Subscription{
				TokenID:        tokenID,
				Address:        addr,
				Service:        types.ServiceWS,
				RegistrationID: tokenID,
			}); err != nil {
				return nil, &rpcError{Code: -32000, Message: "subscription not stored"}
			}
		}
	}
	return true, nil
}

func (a *API) wsUnsubscribe(session *notify.Session, params json.RawMessage) (any, *rpcError) {
	var p wsAddressParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Addresses) == 0 {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	addrs, err := parseAddresses(p.Addresses)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid address"}
	}
	session.Unsubscribe(addrs...)
	return true, nil
}

type wsPaymentUpdatesParams struct {
	Address   string `json:"address"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

// wsPaymentUpdates replays the status changes of an address inside a time
// window, so reconnecting clients can catch up on what they missed.
func (a *API) wsPaymentUpdates(params json.RawMessage) (any, *rpcError) {
	var p wsPaymentUpdatesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	addr, err := types.ParseAddress(p.Address)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid address"}
	}
	until := time.Now().UTC()
	if p.EndTime > 0 {
		until = time.Unix(p.EndTime, 0).UTC()
	}
	since := time.Unix(p.StartTime, 0).UTC()
	txs, err := a.store.TransactionsForAddress(addr, since, until)
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: "lookup failed"}
	}
	networkID := a.gateway.ChainID().String()
	payments := make([]*notify.Payment, 0, len(txs))
	for _, tx := range txs {
		status := tx.Status
		if status == types.StatusQueued {
			status = types.StatusUnconfirmed
		}
		payments = append(payments, &notify.Payment{
			Type:        "Payment",
			TxHash:      tx.Hash.Hex(),
			FromAddress: types.AddressHex(tx.From),
			ToAddress:   tx.ToAddressString(),
			Value:       tx.Value,
			Status:      string(status),
			NetworkID:   networkID,
		})
	}
	return map[string]any{"payment_updates": payments}, nil
}
