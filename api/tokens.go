package api

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// TokenChain reads ERC20 contract metadata from the chain.
type TokenChain interface {
	TokenSymbol(ctx context.Context, contract common.Address) (string, error)
	TokenName(ctx context.Context, contract common.Address) (string, error)
	TokenDecimals(ctx context.Context, contract common.Address) (uint8, error)
	TokenBalanceOf(ctx context.Context, contract, holder common.Address) (*big.Int, error)
}

// tokenView is the wire rendering of a token balance entry.
type tokenView struct {
	ContractAddress string        `json:"contract_address"`
	Symbol          string        `json:"symbol"`
	Name            string        `json:"name"`
	Decimals        uint8         `json:"decimals"`
	Value           *types.BigInt `json:"value"`
}

// getTokenBalances lists the cached token balances of an address, joined with
// the registered contract metadata.
func (a *API) getTokenBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, AddressURLParam))
	if err != nil {
		httpWriteError(w, gateway.ErrInvalidAddress)
		return
	}
	balances, err := a.store.TokenBalances(addr)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	tokens := make([]tokenView, 0, len(balances))
	for _, tb := range balances {
		view := tokenView{
			ContractAddress: types.AddressHex(tb.Contract),
			Value:           tb.Value,
		}
		if token, err := a.store.Token(tb.Contract); err == nil {
			view.Symbol = token.Symbol
			view.Name = token.Name
			view.Decimals = token.Decimals
		}
		tokens = append(tokens, view)
	}
	httpWriteJSON(w, map[string]any{"tokens": tokens})
}

// registerToken records an ERC20 contract, reading its metadata on-chain.
func (a *API) registerToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContractAddress string `json:"contract_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpWriteError(w, err)
		return
	}
	contract, err := types.ParseAddress(req.ContractAddress)
	if err != nil {
		httpWriteError(w, gateway.ErrInvalidAddress)
		return
	}
	if a.tokens == nil {
		httpWriteError(w, gateway.ErrUnexpected)
		return
	}
	ctx := r.Context()
	symbol, err := a.tokens.TokenSymbol(ctx, contract)
	if err != nil {
		httpWriteError(w, gateway.ErrBadArguments.WithMessage(
			"Bad arguments: contract does not expose ERC20 metadata"))
		return
	}
	name, err := a.tokens.TokenName(ctx, contract)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	decimals, err := a.tokens.TokenDecimals(ctx, contract)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	token := &types.Token{
		Contract: contract,
		Symbol:   symbol,
		Name:     name,
		Decimals: decimals,
	}
	if err := a.store.AddToken(token); err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteJSON(w, tokenView{
		ContractAddress: types.AddressHex(contract),
		Symbol:          symbol,
		Name:            name,
		Decimals:        decimals,
	})
}

// removeToken drops a registered contract.
func (a *API) removeToken(w http.ResponseWriter, r *http.Request) {
	contract, err := types.ParseAddress(chi.URLParam(r, ContractURLParam))
	if err != nil {
		httpWriteError(w, gateway.ErrInvalidAddress)
		return
	}
	if _, err := a.store.Token(contract); err == storage.ErrNotFound {
		httpWriteError(w, gateway.ErrNotFound)
		return
	}
	if err := a.store.RemoveToken(contract); err != nil {
		httpWriteError(w, err)
		return
	}
	httpWriteOK(w)
}
