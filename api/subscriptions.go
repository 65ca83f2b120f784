package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/types"
)

// Push services accepted by the registration endpoints.
const (
	ServiceAPN = types.ServiceAPN
	ServiceGCM = types.ServiceGCM
)

var errMissingIdentity = gateway.ErrBadArguments.WithMessage(
	"Bad arguments: missing client identity")

// identify resolves the authenticated token id, which the subscription
// endpoints require.
func (a *API) identify(r *http.Request) (string, error) {
	tokenID, err := a.verifier.Verify(r)
	if err != nil {
		return "", err
	}
	if tokenID == "" {
		return "", errMissingIdentity
	}
	return tokenID, nil
}

func parseAddresses(raw []string) ([]common.Address, error) {
	if len(raw) == 0 {
		return nil, gateway.ErrBadArguments.WithMessage("Bad arguments: no addresses given")
	}
	addrs := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return nil, gateway.ErrInvalidAddress.Withf("Invalid address %q", s)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// registerPush binds a device registration to a set of watched addresses.
func (a *API) registerPush(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenID, err := a.identify(r)
		if err != nil {
			httpWriteError(w, err)
			return
		}
		var req struct {
			RegistrationID string   `json:"registration_id"`
			Addresses      []string `json:"addresses"`
		}
		if err := decodeBody(r, &req); err != nil {
			httpWriteError(w, err)
			return
		}
		if req.RegistrationID == "" {
			httpWriteError(w, gateway.ErrBadArguments.WithMessage(
				"Bad arguments: missing registration_id"))
			return
		}
		addrs, err := parseAddresses(req.Addresses)
		if err != nil {
			httpWriteError(w, err)
			return
		}
		for _, addr := range addrs {
			if err := a.store.AddSubscription(&types.Subscription{
				TokenID:        tokenID,
				Address:        addr,
				Service:        service,
				RegistrationID: req.RegistrationID,
			}); err != nil {
				httpWriteError(w, err)
				return
			}
		}
		httpWriteOK(w)
	}
}

// deregisterPush removes a device registration across all its addresses.
func (a *API) deregisterPush(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenID, err := a.identify(r)
		if err != nil {
			httpWriteError(w, err)
			return
		}
		var req struct {
			RegistrationID string `json:"registration_id"`
		}
		if err := decodeBody(r, &req); err != nil {
			httpWriteError(w, err)
			return
		}
		if req.RegistrationID == "" {
			httpWriteError(w, gateway.ErrBadArguments.WithMessage(
				"Bad arguments: missing registration_id"))
			return
		}
		if err := a.store.RemoveRegistration(tokenID, service, req.RegistrationID); err != nil {
			httpWriteError(w, err)
			return
		}
		httpWriteOK(w)
	}
}

// listSubscriptions returns the addresses the client watches.
func (a *API) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tokenID, err := a.identify(r)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	addrs, err := a.store.AddressesForToken(tokenID)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, types.AddressHex(addr))
	}
	httpWriteJSON(w, map[string]any{"subscriptions": out})
}

// addSubscriptions watches addresses for the client without a push device;
// delivery happens over websocket sessions only.
func (a *API) addSubscriptions(w http.ResponseWriter, r *http.Request) {
	tokenID, err := a.identify(r)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpWriteError(w, err)
		return
	}
	addrs, err := parseAddresses(req.Addresses)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	for _, addr := range addrs {
		if err := a.store.AddSubscription(&types.Subscription{
			TokenID:        tokenID,
			Address:        addr,
			Service:        types.ServiceWS,
			RegistrationID: tokenID,
		}); err != nil {
			httpWriteError(w, err)
			return
		}
	}
	httpWriteOK(w)
}

// removeSubscriptions stops watching addresses for the client, across every
// service the client registered them on.
func (a *API) removeSubscriptions(w http.ResponseWriter, r *http.Request) {
	tokenID, err := a.identify(r)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpWriteError(w, err)
		return
	}
	addrs, err := parseAddresses(req.Addresses)
	if err != nil {
		httpWriteError(w, err)
		return
	}
	for _, addr := range addrs {
		subs, err := a.store.SubscriptionsForAddress(addr)
		if err != nil {
			httpWriteError(w, err)
			return
		}
		for _, sub := range subs {
			if sub.TokenID != tokenID {
				continue
			}
			if err := a.store.RemoveSubscription(sub.TokenID, sub.Address, sub.Service, sub.RegistrationID); err != nil {
				httpWriteError(w, err)
				return
			}
		}
	}
	httpWriteOK(w)
}
