// Package server exposes the HTTP API: rate lookups, run history, and
// the idempotent quote endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/idempotency"
	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

// ratesReader is the read surface of the rate store.
type ratesReader interface {
	CurrentRates(ctx context.Context, f ratestore.RateFilter) ([]model.RateRecord, error)
}

// runLister reads import run history.
type runLister interface {
	List(ctx context.Context, limit int) ([]ratestore.RunEntry, error)
}

// Server holds the API dependencies.
type Server struct {
	rates        ratesReader
	runs         runLister
	guard        *idempotency.Guard
	replayMaxAge time.Duration
	log          *zap.Logger
}

// New creates a Server.
func New(rates ratesReader, runs runLister, guard *idempotency.Guard, replayMaxAge time.Duration) *Server {
	return &Server{
		rates:        rates,
		runs:         runs,
		guard:        guard,
		replayMaxAge: replayMaxAge,
		log:          zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(api chi.Router) {
		api.Get("/rates", s.handleRates)
		api.Get("/runs", s.handleRuns)
		api.Post("/quotes", s.handleQuote)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps guard errors onto their HTTP codes, everything else
// onto 500. Guard messages go out verbatim.
func writeError(w http.ResponseWriter, err error) {
	var badReq *idempotency.BadRequestError
	if errors.As(err, &badReq) {
		writeJSON(w, badReq.Code(), map[string]string{"error": badReq.Message})
		return
	}
	var conflict *idempotency.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, conflict.Code(), map[string]string{"error": conflict.Message})
		return
	}
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
