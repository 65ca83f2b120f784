package api

// Route constants for the API endpoints

const (
	// URL parameters
	TxHashURLParam   = "hash"     // URL parameter for a transaction hash
	AddressURLParam  = "address"  // URL parameter for an account address
	ContractURLParam = "contract" // URL parameter for a token contract address

	// Health endpoint
	StatusEndpoint = "/status" // GET: service health and last processed block

	// Transaction endpoints
	TxSkeletonEndpoint = "/tx/skel"                      // POST: build an unsigned envelope
	TxEndpoint         = "/tx"                           // POST: submit a signed transaction
	TxGetEndpoint      = "/tx/{" + TxHashURLParam + "}"  // GET: transaction by hash
	BalanceEndpoint    = "/balance/{" + AddressURLParam + "}" // GET: confirmed/unconfirmed balance

	// Token endpoints
	TokensEndpoint      = "/tokens/{" + AddressURLParam + "}"   // GET: token balances of an address
	TokenEndpoint       = "/token"                              // POST: register a token contract
	TokenDeleteEndpoint = "/token/{" + ContractURLParam + "}"   // DELETE: drop a token contract

	// Push registration endpoints
	APNRegisterEndpoint   = "/apn/register"   // POST: register an APN device
	APNDeregisterEndpoint = "/apn/deregister" // POST: remove an APN device
	GCMRegisterEndpoint   = "/gcm/register"   // POST: register a GCM device
	GCMDeregisterEndpoint = "/gcm/deregister" // POST: remove a GCM device

	// Subscription endpoints
	SubscriptionsEndpoint = "/subscriptions" // GET: list, POST: add, DELETE: remove

	// Websocket endpoint
	WSEndpoint = "/ws" // GET: upgrade to the JSON-RPC notification stream
)
