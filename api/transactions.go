package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/types"
)

// createSkeleton builds an unsigned transaction envelope from partial fields.
func (a *API) createSkeleton(w http.ResponseWriter, r *http.Request) {
	var req gateway.SkeletonRequest
	if err := decodeBody(r, &req); err != nil {
		httpWriteError(w, err)
		return
	}
	resp, err := a.gateway.CreateSkeleton(r.Context(), &req)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteJSON(w, resp)
}

// submitTransaction admits a signed transaction for relay.
func (a *API) submitTransaction(w http.ResponseWriter, r *http.Request) {
	tokenID, err := a.verifier.Verify(r)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	var req gateway.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		httpWriteError(w, err)
		return
	}
	hash, err := a.gateway.SubmitTransaction(r.Context(), &req, tokenID)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteJSON(w, &gateway.SubmitResponse{TxHash: hash.Hex()})
}

// getTransaction returns a transaction by hash, falling back to the local
// record when the node no longer knows the hash.
func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := types.ParseTxHash(chi.URLParam(r, TxHashURLParam))
	if err != nil {
		httpWriteError(w, gateway.ErrNotFound)
		return
	}
	view, err := a.gateway.GetTransaction(r.Context(), hash)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteJSON(w, view)
}

// getBalance returns the confirmed and unconfirmed balance of an address.
func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, AddressURLParam))
	if err != nil {
		httpWriteError(w, gateway.ErrInvalidAddress)
		return
	}
	balances, err := a.gateway.GetBalances(r.Context(), addr)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteJSON(w, balances)
}
