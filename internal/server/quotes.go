package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/tariffdesk/rates-cli/internal/idempotency"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

// QuoteRequest asks for the landed-cost duty and VAT on one shipment
// line.
type QuoteRequest struct {
	Destination  string `json:"destination"`
	Partner      string `json:"partner,omitempty"`
	ProductKey   string `json:"product_key"`
	CustomsValue string `json:"customs_value"`
	Currency     string `json:"currency,omitempty"`
	AsOf         string `json:"as_of,omitempty"`
}

// Quote is the computed answer. Amounts are decimal strings.
type Quote struct {
	Destination  string `json:"destination"`
	ProductKey   string `json:"product_key"`
	AsOf         string `json:"as_of"`
	CustomsValue string `json:"customs_value"`
	DutyRate     string `json:"duty_rate,omitempty"`
	DutyAmount   string `json:"duty_amount"`
	VATRate      string `json:"vat_rate,omitempty"`
	VATAmount    string `json:"vat_amount"`
	Total        string `json:"total"`
	Currency     string `json:"currency,omitempty"`
}

// handleQuote serves POST /v1/quotes. The whole computation runs under
// the idempotency guard keyed by the Idempotency-Key header, so retried
// requests replay the stored quote instead of recomputing.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Destination == "" || req.ProductKey == "" || req.CustomsValue == "" {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "destination, product_key, and customs_value are required"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	scope := "quotes:" + req.Destination

	response, err := s.guard.Run(r.Context(), scope, key, req,
		func(ctx context.Context) (any, error) {
			return s.computeQuote(ctx, req)
		},
		idempotency.WithMaxAge(s.replayMaxAge),
	)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

func (s *Server) computeQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	value, err := decimal.NewFromString(req.CustomsValue)
	if err != nil {
		return nil, eris.Errorf("server: non-decimal customs value %q", req.CustomsValue)
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		asOf, err = time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			return nil, eris.Errorf("server: as_of must be YYYY-MM-DD, got %q", req.AsOf)
		}
	}

	dutyRate, err := s.lookupRate(ctx, ratestore.RateFilter{
		Destination: req.Destination,
		Partner:     req.Partner,
		ProductKey:  req.ProductKey,
		RuleKind:    "mfn",
		AsOf:        asOf,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	vatRate, err := s.lookupRate(ctx, ratestore.RateFilter{
		Destination: req.Destination,
		RuleKind:    "standard_vat",
		AsOf:        asOf,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	duty := decimal.Zero
	if dutyRate != nil {
		duty = value.Mul(*dutyRate).Div(hundred).Round(2)
	}
	vat := decimal.Zero
	if vatRate != nil {
		vat = value.Add(duty).Mul(*vatRate).Div(hundred).Round(2)
	}

	q := &Quote{
		Destination:  req.Destination,
		ProductKey:   req.ProductKey,
		AsOf:         asOf.Format("2006-01-02"),
		CustomsValue: value.String(),
		DutyAmount:   duty.String(),
		VATAmount:    vat.String(),
		Total:        value.Add(duty).Add(vat).String(),
		Currency:     req.Currency,
	}
	if dutyRate != nil {
		q.DutyRate = dutyRate.String()
	}
	if vatRate != nil {
		q.VATRate = vatRate.String()
	}
	return q, nil
}

// lookupRate returns the effective rate value for the filter, or nil
// when no row is in effect.
func (s *Server) lookupRate(ctx context.Context, f ratestore.RateFilter) (*decimal.Decimal, error) {
	rows, err := s.rates.CurrentRates(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v, err := decimal.NewFromString(rows[0].Value)
	if err != nil {
		return nil, eris.Wrapf(err, "server: stored rate %q is not decimal", rows[0].Value)
	}
	return &v, nil
}
