package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/money"
)

// CurrencyHandler serves the currency table and the formatter.
type CurrencyHandler struct {
	logger *zap.Logger
}

// NewCurrencyHandler creates a new handler
func NewCurrencyHandler(logger *zap.Logger) *CurrencyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CurrencyHandler{logger: logger}
}

// Routes returns the handler routes
func (h *CurrencyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{code}/format", h.Format)
	return r
}

type currencyResponse struct {
	Code   money.Currency `json:"code"`
	Name   string         `json:"name"`
	Symbol string         `json:"symbol"`
	Locale string         `json:"locale"`
}

// List handles GET /currencies
func (h *CurrencyHandler) List(w http.ResponseWriter, r *http.Request) {
	codes := money.Currencies()
	out := make([]currencyResponse, 0, len(codes))
	for _, c := range codes {
		info, err := money.Lookup(c)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		out = append(out, currencyResponse{Code: info.Code, Name: info.Name, Symbol: info.Symbol, Locale: info.Locale})
	}
	writeJSON(w, http.StatusOK, out)
}

type formatResponse struct {
	Currency  money.Currency  `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Formatted string          `json:"formatted"`
}

// Format handles GET /currencies/{code}/format?amount=
func (h *CurrencyHandler) Format(w http.ResponseWriter, r *http.Request) {
	c, err := money.Parse(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, r, h.logger, badRequest("amount must be a decimal number"))
		return
	}

	formatted, err := money.Format(amount, c)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, formatResponse{Currency: c, Amount: amount, Formatted: formatted})
}
