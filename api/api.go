// Package api exposes the HTTP surface of the service: transaction intake,
// balance and token queries, push registrations and the websocket
// notification stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/notify"
	"github.com/toshiapp/ethservice/storage"
)

// Config carries the API server settings and its collaborators.
type Config struct {
	Host     string
	Port     int
	Gateway  *gateway.Service
	Tokens   TokenChain
	Hub      *notify.Hub
	Verifier Verifier // nil means the header-based default
}

// API is the HTTP server.
type API struct {
	router   *chi.Mux
	gateway  *gateway.Service
	store    *storage.Storage
	tokens   TokenChain
	hub      *notify.Hub
	verifier Verifier
	server   *http.Server
}

// New creates the API and starts listening. Pass an empty host and zero port
// to build the router without a listener, for tests.
func New(conf *Config) (*API, error) {
	if conf == nil || conf.Gateway == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	a := &API{
		gateway:  conf.Gateway,
		store:    conf.Gateway.Store(),
		tokens:   conf.Tokens,
		hub:      conf.Hub,
		verifier: conf.Verifier,
	}
	if a.verifier == nil {
		a.verifier = HeaderVerifier{}
	}
	a.initRouter()

	if conf.Port != 0 {
		a.server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
			Handler:           a.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start the API server: %v", err)
			}
		}()
	}
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Shutdown stops the listener, draining in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TokenIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))

	a.registerHandlers()
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", StatusEndpoint, "method", "GET")
	a.router.Get(StatusEndpoint, a.status)
	// transaction endpoints
	log.Infow("register handler", "endpoint", TxSkeletonEndpoint, "method", "POST")
	a.router.Post(TxSkeletonEndpoint, a.createSkeleton)
	log.Infow("register handler", "endpoint", TxEndpoint, "method", "POST")
	a.router.Post(TxEndpoint, a.submitTransaction)
	log.Infow("register handler", "endpoint", TxGetEndpoint, "method", "GET")
	a.router.Get(TxGetEndpoint, a.getTransaction)
	log.Infow("register handler", "endpoint", BalanceEndpoint, "method", "GET")
	a.router.Get(BalanceEndpoint, a.getBalance)
	// token endpoints
	log.Infow("register handler", "endpoint", TokensEndpoint, "method", "GET")
	a.router.Get(TokensEndpoint, a.getTokenBalances)
	log.Infow("register handler", "endpoint", TokenEndpoint, "method", "POST")
	a.router.Post(TokenEndpoint, a.registerToken)
	log.Infow("register handler", "endpoint", TokenDeleteEndpoint, "method", "DELETE")
	a.router.Delete(TokenDeleteEndpoint, a.removeToken)
	// push registration endpoints
	log.Infow("register handler", "endpoint", APNRegisterEndpoint, "method", "POST")
	a.router.Post(APNRegisterEndpoint, a.registerPush(ServiceAPN))
	log.Infow("register handler", "endpoint", APNDeregisterEndpoint, "method", "POST")
	a.router.Post(APNDeregisterEndpoint, a.deregisterPush(ServiceAPN))
	log.Infow("register handler", "endpoint", GCMRegisterEndpoint, "method", "POST")
	a.router.Post(GCMRegisterEndpoint, a.registerPush(ServiceGCM))
	log.Infow("register handler", "endpoint", GCMDeregisterEndpoint, "method", "POST")
	a.router.Post(GCMDeregisterEndpoint, a.deregisterPush(ServiceGCM))
	// subscription endpoints
	log.Infow("register handler", "endpoint", SubscriptionsEndpoint, "method", "GET,POST,DELETE")
	a.router.Get(SubscriptionsEndpoint, a.listSubscriptions)
	a.router.Post(SubscriptionsEndpoint, a.addSubscriptions)
	a.router.Delete(SubscriptionsEndpoint, a.removeSubscriptions)
	// websocket endpoint
	log.Infow("register handler", "endpoint", WSEndpoint, "method", "GET")
	a.router.Get(WSEndpoint, a.websocket)
}

// status reports service health and the last processed block.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		Status    string `json:"status"`
		LastBlock uint64 `json:"last_block"`
	}
	resp := statusResponse{Status: "ok"}
	if number, _, err := a.store.LastBlock(); err == nil {
		resp.LastBlock = number
	}
	httpWriteJSON(w, resp)
}
