package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/gemstudio/internal/auth"
	"github.com/digkill/gemstudio/internal/metrics"
	"github.com/digkill/gemstudio/internal/service"
)

// Services are the handlers' collaborators. Any of them may be nil when the
// process does not serve the matching routes.
type Services struct {
	Generation  Generator
	Groups      GroupRunner
	Accounts    Accounts
	Gifts       Gifts
	Packages    Packages
	Payments    Payments
	Credentials Credentials
	Sweeper     Sweeper
	Health      func(ctx context.Context) error
}

type Server struct {
	addr           string
	internalSecret string
	log            *slog.Logger
	svc            Services
	router         *chi.Mux
}

func NewServer(addr, internalSecret string, log *slog.Logger, verifier *auth.Verifier, svc Services) *Server {
	log = orDiscard(log)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	s := &Server{
		addr:           addr,
		internalSecret: internalSecret,
		log:            log,
		svc:            svc,
		router:         r,
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhooks/payos", s.handlePayOSWebhook)
	r.Get("/gallery", s.handleGallery)
	r.Get("/packages", s.handleListPackages)
	r.Post("/internal/group-jobs/{id}/process", s.handleProcessGroupJob)

	r.Group(func(authed chi.Router) {
		authed.Use(auth.Middleware(verifier, svc.Accounts, log))

		authed.Get("/me", s.handleProfile)
		authed.Post("/me/check-in", s.handleCheckIn)
		authed.Get("/me/transactions", s.handleTransactions)
		authed.Get("/leaderboard", s.handleLeaderboard)
		authed.Post("/gift-codes/redeem", s.handleRedeemGift)
		authed.Post("/payments", s.handleCreatePayment)

		authed.Post("/generate", s.handleGenerate(service.FeatureGenerate))
		authed.Post("/remove-background", s.handleGenerate(service.FeatureRemoveBackground))
		authed.Post("/face-id", s.handleGenerate(service.FeatureFaceID))
		authed.Post("/tools/edit", s.handleGenerate(service.FeatureTool))
		authed.Post("/group-images", s.handleStartGroup)

		authed.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Post("/{id}/share", s.handleShareJob)
		})

		authed.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.RequireAdmin)
			admin.Patch("/accounts/{id}", s.handleAdminUpdateAccount)
			admin.Post("/sweep", s.handleSweep)
			admin.Route("/credentials", func(r chi.Router) {
				r.Get("/", s.handleListCredentials)
				r.Post("/", s.handleCreateCredential)
				r.Put("/{id}", s.handleUpdateCredential)
				r.Delete("/{id}", s.handleDeleteCredential)
			})
			admin.Route("/gift-codes", func(r chi.Router) {
				r.Get("/", s.handleListGifts)
				r.Post("/", s.handleCreateGift)
				r.Put("/{id}", s.handleUpdateGift)
				r.Delete("/{id}", s.handleDeleteGift)
			})
			admin.Route("/packages", func(r chi.Router) {
				r.Get("/", s.handleAdminListPackages)
				r.Post("/", s.handleCreatePackage)
				r.Put("/{id}", s.handleUpdatePackage)
				r.Delete("/{id}", s.handleDeletePackage)
			})
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Synchronous generations wait on the provider.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		if err := s.svc.Health(r.Context()); err != nil {
			s.log.Warn("health check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
