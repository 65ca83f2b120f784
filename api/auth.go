package api

import "net/http"

// Verifier resolves the authenticated client identity of a request. The
// returned token id is recorded on submitted transactions and keys the
// client's subscriptions.
type Verifier interface {
	Verify(r *http.Request) (string, error)
}

// TokenIDHeader is the default identity header.
const TokenIDHeader = "Token-ID"

// HeaderVerifier trusts an identity header set by a fronting proxy. Requests
// without the header are anonymous, not rejected; endpoints that require an
// identity check for an empty token themselves.
type HeaderVerifier struct {
	Header string
}

// Verify implements the Verifier interface.
func (v HeaderVerifier) Verify(r *http.Request) (string, error) {
	header := v.Header
	if header == "" {
		header = TokenIDHeader
	}
	return r.Header.Get(header), nil
}
