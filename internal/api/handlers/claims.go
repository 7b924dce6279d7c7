package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/adjudication"
	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/billing"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/money"
	"github.com/drfirst/go-claims/internal/registry"
)

// ClaimHandler handles adjudication and claim endpoints.
type ClaimHandler struct {
	billing *billing.Service
	claims  *claim.Manager
	logger  *zap.Logger
}

// NewClaimHandler creates a new handler
func NewClaimHandler(svc *billing.Service, claims *claim.Manager, logger *zap.Logger) *ClaimHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimHandler{billing: svc, claims: claims, logger: logger}
}

// Routes returns the claim routes
func (h *ClaimHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/by-number/{number}", h.GetByNumber)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/transitions", h.Transition)
	r.Post("/{id}/corrections", h.Correct)
	return r
}

// AdjudicationRoutes returns the dry-run adjudication routes.
func (h *ClaimHandler) AdjudicationRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Adjudicate)
	return r
}

// BillingRequest describes a billed service. GrossAmount may be omitted when
// the code has a standard amount in the country's registry.
type BillingRequest struct {
	PatientID   string           `json:"patientId" validate:"required,max=128"`
	ServiceID   string           `json:"serviceOrMedicationRef" validate:"required,max=128"`
	InsurerID   string           `json:"insurerId" validate:"required,max=128"`
	CountryID   string           `json:"countryId,omitempty" validate:"omitempty,len=2"`
	CodeType    string           `json:"codeType,omitempty" validate:"omitempty,oneof=PROCEDURE DIAGNOSIS PHARMACEUTICAL"`
	GrossAmount *decimal.Decimal `json:"grossAmount,omitempty"`
	Currency    string           `json:"currency,omitempty" validate:"omitempty,len=3"`
}

func (req *BillingRequest) toBilling(r *http.Request) (billing.Request, error) {
	out := billing.Request{
		TenantID:    middleware.GetOrgID(r.Context()),
		PatientID:   req.PatientID,
		Actor:       middleware.GetActor(r.Context()),
		InsurerID:   req.InsurerID,
		ServiceID:   req.ServiceID,
		CountryID:   req.CountryID,
		CodeType:    registry.CodeType(req.CodeType),
		GrossAmount: req.GrossAmount,
	}
	if req.Currency != "" {
		c, err := money.Parse(req.Currency)
		if err != nil {
			return billing.Request{}, err
		}
		out.Currency = c
	}
	return out, nil
}

type quoteResponse struct {
	*adjudication.Result
	Formatted  adjudication.Formatted `json:"formatted"`
	CodeSource *registry.Entry        `json:"codeSource,omitempty"`
}

func newQuoteResponse(q *billing.Quote) (quoteResponse, error) {
	f, err := q.Result.Format()
	if err != nil {
		return quoteResponse{}, err
	}
	return quoteResponse{Result: q.Result, Formatted: f, CodeSource: q.Entry}, nil
}

type claimResponse struct {
	*claim.Claim
	Formatted adjudication.Formatted `json:"formatted"`
}

func newClaimResponse(c *claim.Claim) claimResponse {
	resp := claimResponse{Claim: c}
	gross, err := money.Format(c.GrossAmount, c.Currency)
	if err != nil {
		return resp
	}
	resp.Formatted = adjudication.Formatted{
		Gross:   gross,
		Insurer: money.MustFormat(c.InsurerAmount, c.Currency),
		Patient: money.MustFormat(c.PatientAmount, c.Currency),
	}
	return resp
}

// Adjudicate handles POST /adjudications. Nothing is stored.
func (h *ClaimHandler) Adjudicate(w http.ResponseWriter, r *http.Request) {
	var req BillingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	breq, err := req.toBilling(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	q, err := h.billing.Quote(r.Context(), breq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp, err := newQuoteResponse(q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Submit handles POST /claims
func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("claim-handler").Start(r.Context(), "submit_claim")
	defer span.End()
	r = r.WithContext(ctx)

	if middleware.GetOrgID(ctx) == "" {
		writeError(w, r, h.logger, badRequest("%s header is required", middleware.HeaderOrgID))
		return
	}

	var req BillingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	breq, err := req.toBilling(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, _, err := h.billing.Submit(ctx, breq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("claim_id", c.ID))

	w.Header().Set("Location", "/api/v1/claims/"+c.ID)
	writeJSON(w, http.StatusCreated, newClaimResponse(c))
}

// Get handles GET /claims/{id}
func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.claims.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newClaimResponse(c))
}

// GetByNumber handles GET /claims/by-number/{number}
func (h *ClaimHandler) GetByNumber(w http.ResponseWriter, r *http.Request) {
	c, err := h.claims.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newClaimResponse(c))
}

// History handles GET /claims/{id}/history
func (h *ClaimHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.claims.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// TransitionRequest is the request for moving a claim
type TransitionRequest struct {
	To string `json:"to" validate:"required"`
}

// Transition handles POST /claims/{id}/transitions
func (h *ClaimHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := claim.ParseStatus(req.To)
	if err != nil {
		writeError(w, r, h.logger, badRequest("%v", err))
		return
	}
	actor := middleware.GetActor(r.Context())
	if actor == "" {
		writeError(w, r, h.logger, badRequest("%s header is required", middleware.HeaderActorID))
		return
	}

	c, err := h.claims.Transition(r.Context(), chi.URLParam(r, "id"), to, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newClaimResponse(c))
}

// Correct handles POST /claims/{id}/corrections
func (h *ClaimHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req BillingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	breq, err := req.toBilling(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, _, err := h.billing.Correct(r.Context(), chi.URLParam(r, "id"), breq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/claims/"+c.ID)
	writeJSON(w, http.StatusCreated, newClaimResponse(c))
}
