package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omenbackend/omen-market-backend/internal/api/stream"
	"github.com/omenbackend/omen-market-backend/internal/apiauth"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/ingress"
	"github.com/omenbackend/omen-market-backend/internal/lifecycle"
	"github.com/omenbackend/omen-market-backend/internal/matching"
	"github.com/omenbackend/omen-market-backend/internal/orderbook"
	"github.com/omenbackend/omen-market-backend/internal/swap"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// TokenLookup is the token-catalog subset handleQuoteSwap needs to resolve
// symbols into domain.Token before pricing (the Swap Processor keeps its own
// copy for RequestSwap, but Quote is a pure function the API calls directly).
type TokenLookup interface {
	GetToken(ctx context.Context, symbol string) (*domain.Token, error)
}

// Server is the HTTP edge binding every engine package to routes.
type Server struct {
	lifecycle *lifecycle.Engine
	matching  *matching.Engine
	book      *orderbook.Cache
	swaps     *swap.Processor
	ingress   *ingress.Dispatcher
	auth      *apiauth.Authenticator
	hub       *stream.Hub
	swapTokens TokenLookup

	router   chi.Router
	server   *http.Server
	listener net.Listener
	log      *logging.Logger
}

// Deps bundles the engine packages the router dispatches into.
type Deps struct {
	Lifecycle *lifecycle.Engine
	Matching  *matching.Engine
	Book      *orderbook.Cache
	Swaps     *swap.Processor
	Ingress   *ingress.Dispatcher
	Auth      *apiauth.Authenticator
	Hub       *stream.Hub
	Tokens    TokenLookup
}

func New(deps Deps) *Server {
	s := &Server{
		lifecycle: deps.Lifecycle,
		matching:  deps.Matching,
		book:      deps.Book,
		swaps:     deps.Swaps,
		ingress:   deps.Ingress,
		auth:      deps.Auth,
		hub:       deps.Hub,
		swapTokens: deps.Tokens,
		log:       logging.GetDefault().Component("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDHeader)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/markets", func(r chi.Router) {
			r.With(s.auth.Middleware).Post("/register", requireRole("issuer", s.handleRegisterMarket))
			r.Get("/", s.handleListMarkets)
			r.Get("/{id}", s.handleGetMarket)
			r.With(s.auth.Middleware).Post("/{id}/approve", requireRole("admin", s.handleMarketTransition("approve")))
			r.With(s.auth.Middleware).Post("/{id}/activate", requireRole("admin", s.handleMarketTransition("activate")))
			r.With(s.auth.Middleware).Post("/{id}/pause", requireRole("admin", s.handleMarketTransition("pause")))
			r.With(s.auth.Middleware).Post("/{id}/archive", requireRole("admin", s.handleMarketTransition("archive")))
		})

		r.Route("/trading", func(r chi.Router) {
			r.Post("/orders", s.handleSubmitOrder)
			r.Delete("/orders/{id}", s.handleCancelOrder)
			r.Get("/pairs/{id}/orderbook", s.handleOrderBook)
		})

		r.Route("/swaps", func(r chi.Router) {
			r.Post("/", s.handleRequestSwap)
			r.Post("/quote", s.handleQuoteSwap)
			r.Get("/", s.handleListSwaps)
			r.Get("/{id}", s.handleGetSwap)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", s.handleListTokens)
			r.Get("/{symbol}", s.handleGetToken)
			r.Post("/", s.handleTokenWriteNotImplemented)
			r.Put("/{symbol}", s.handleTokenWriteNotImplemented)
			r.Delete("/{symbol}", s.handleTokenWriteNotImplemented)
		})

		r.Route("/wrap-transactions", func(r chi.Router) {
			r.Get("/", s.handleListWrapTransactions)
			r.Post("/", s.handleWrapWriteNotImplemented)
		})

		r.Post("/webhooks/entity-permissions", s.handleWebhook)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}

	return r
}

// Start binds addr and begins serving in the background: listen, wrap in
// an http.Server with fixed Read/WriteTimeout, Serve in a goroutine.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api: server error", "error", err)
		}
	}()
	s.log.Info("api: server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down within a bounded deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// NewAddr formats rt.Port into a listen address for Start.
func NewAddr(rt *config.Runtime) string { return ":" + rt.Port }
