package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/coverage"
)

// CoverageHandler manages coverage rules.
type CoverageHandler struct {
	store  coverage.Store
	logger *zap.Logger
}

// NewCoverageHandler creates a new handler
func NewCoverageHandler(store coverage.Store, logger *zap.Logger) *CoverageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoverageHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *CoverageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{service}/{insurer}", h.Get)
	r.Put("/{service}/{insurer}", h.Update)
	return r
}

// RuleRequest is the body for creating or replacing a rule. Strategy
// exclusivity and ranges are checked by coverage.NewRule.
type RuleRequest struct {
	ServiceID         string           `json:"serviceId" validate:"required,max=128"`
	InsurerID         string           `json:"insurerId" validate:"required,max=128"`
	CopayAmount       *decimal.Decimal `json:"copayAmount,omitempty"`
	CopayPercentage   *decimal.Decimal `json:"copayPercentage,omitempty"`
	MaxCoverageAmount *decimal.Decimal `json:"maxCoverageAmount,omitempty"`
	PreAuthRequired   bool             `json:"preAuthRequired"`
	DeductibleApplies bool             `json:"deductibleApplies"`
}

func (req RuleRequest) params() coverage.RuleParams {
	return coverage.RuleParams{
		ServiceID:         req.ServiceID,
		InsurerID:         req.InsurerID,
		CopayAmount:       req.CopayAmount,
		CopayPercentage:   req.CopayPercentage,
		MaxCoverageAmount: req.MaxCoverageAmount,
		PreAuthRequired:   req.PreAuthRequired,
		DeductibleApplies: req.DeductibleApplies,
	}
}

// Create handles POST /coverage-rules
func (h *CoverageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rule, err := coverage.NewRule(req.params())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.store.Create(r.Context(), rule); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("coverage rule created",
		zap.String("rule", rule.Key().String()),
		zap.String("strategy", string(rule.Strategy())),
		zap.String("actor", middleware.GetActor(r.Context())))
	writeJSON(w, http.StatusCreated, rule)
}

// Get handles GET /coverage-rules/{service}/{insurer}
func (h *CoverageHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.Get(r.Context(), chi.URLParam(r, "service"), chi.URLParam(r, "insurer"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Update handles PUT /coverage-rules/{service}/{insurer}. The path names the rule.
func (h *CoverageHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	req.ServiceID = chi.URLParam(r, "service")
	req.InsurerID = chi.URLParam(r, "insurer")
	body := req
	if err := decode(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if body.ServiceID != req.ServiceID || body.InsurerID != req.InsurerID {
		writeError(w, r, h.logger, badRequest("body does not match rule %s/%s", req.ServiceID, req.InsurerID))
		return
	}

	rule, err := coverage.NewRule(body.params())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.store.Update(r.Context(), rule); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	stored, err := h.store.Get(r.Context(), rule.ServiceID, rule.InsurerID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("coverage rule updated",
		zap.String("rule", rule.Key().String()),
		zap.String("actor", middleware.GetActor(r.Context())))
	writeJSON(w, http.StatusOK, stored)
}
