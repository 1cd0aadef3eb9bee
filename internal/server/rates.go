package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

// handleRates serves GET /v1/rates: the rows in effect for a
// destination on a given date.
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ratestore.RateFilter{
		Destination: q.Get("destination"),
		Partner:     q.Get("partner"),
		ProductKey:  q.Get("product_key"),
		RuleKind:    q.Get("rule_kind"),
	}
	if filter.Destination == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "destination is required"})
		return
	}
	if raw := q.Get("as_of"); raw != "" {
		asOf, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "as_of must be YYYY-MM-DD"})
			return
		}
		filter.AsOf = asOf
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	rates, err := s.rates.CurrentRates(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if rates == nil {
		rates = []model.RateRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": rates})
}

// handleRuns serves GET /v1/runs: recent import runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
