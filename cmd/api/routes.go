package main

import (
	"log/slog"
	"net/http"

	"github.com/dreamframe/backend/internal/auth"
	"github.com/dreamframe/backend/internal/handlers"
	"github.com/dreamframe/backend/internal/ledger"
	"github.com/dreamframe/backend/internal/middleware"
)

// RegisterV1Routes adds the /v1/ API endpoints to the given mux.
// Middleware chain: BearerAuth -> handler, except the auth endpoints.
func RegisterV1Routes(
	mux *http.ServeMux,
	authHandler *auth.Handler,
	authSvc auth.Service,
	queueSvc handlers.GenerationQueue,
	ledgerSvc ledger.Service,
	logger *slog.Logger,
) {
	gh := &handlers.GenerationHandler{Queue: queueSvc, Logger: logger}
	ch := &handlers.CreditsHandler{Ledger: ledgerSvc, Logger: logger}

	requireAuth := middleware.BearerAuth(authSvc)

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	mux.Handle("POST /v1/generations", requireAuth(http.HandlerFunc(gh.Create)))
	mux.Handle("GET /v1/generations", requireAuth(http.HandlerFunc(gh.List)))
	mux.Handle("GET /v1/generations/{id}", requireAuth(http.HandlerFunc(gh.Get)))
	mux.Handle("POST /v1/generations/{id}/cancel", requireAuth(http.HandlerFunc(gh.Cancel)))

	mux.Handle("GET /v1/credits", requireAuth(http.HandlerFunc(ch.Balance)))
	mux.Handle("GET /v1/credits/ledger", requireAuth(http.HandlerFunc(ch.LedgerEntries)))
}
