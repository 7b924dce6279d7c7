package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/registry"
)

// MaxImportBytes bounds a bulk import request body.
const MaxImportBytes = 10 << 20

// ImportObserver receives bulk import outcomes. metrics.Metrics satisfies it.
type ImportObserver interface {
	CodesImportedRows(country string, imported, skipped int)
}

// CodeHandler serves country metadata and the medical code registry.
type CodeHandler struct {
	registry *registry.Registry
	observer ImportObserver
	logger   *zap.Logger
}

// NewCodeHandler creates a new handler. observer may be nil.
func NewCodeHandler(reg *registry.Registry, observer ImportObserver, logger *zap.Logger) *CodeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeHandler{registry: reg, observer: observer, logger: logger}
}

// Routes returns the handler routes
func (h *CodeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListCountries)
	r.Get("/{country}", h.GetCountry)
	r.Post("/{country}/codes/import", h.Import)
	r.Get("/{country}/codes/{type}/{code}", h.Lookup)
	r.Get("/{country}/codes/{type}/{code}/versions", h.Versions)
	return r
}

func countryParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "country")))
}

// ListCountries handles GET /countries
func (h *CodeHandler) ListCountries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.Countries())
}

// GetCountry handles GET /countries/{country}. Unknown countries get generic
// code-system labels.
func (h *CodeHandler) GetCountry(w http.ResponseWriter, r *http.Request) {
	c, _ := registry.CountryFor(countryParam(r))
	writeJSON(w, http.StatusOK, c)
}

func (h *CodeHandler) key(r *http.Request) (string, registry.CodeType, string, error) {
	ct, ok := registry.ParseCodeType(chi.URLParam(r, "type"))
	if !ok {
		return "", "", "", badRequest("unknown code type %q", chi.URLParam(r, "type"))
	}
	return countryParam(r), ct, strings.TrimSpace(chi.URLParam(r, "code")), nil
}

type entryResponse struct {
	*registry.Entry
	CodeSystem string `json:"codeSystem"`
}

// Lookup handles GET /countries/{country}/codes/{type}/{code}
func (h *CodeHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	country, ct, code, err := h.key(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	e, err := h.registry.Lookup(r.Context(), country, ct, code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c, _ := registry.CountryFor(country)
	writeJSON(w, http.StatusOK, entryResponse{Entry: e, CodeSystem: c.CodeSystem(ct)})
}

// Versions handles GET /countries/{country}/codes/{type}/{code}/versions
func (h *CodeHandler) Versions(w http.ResponseWriter, r *http.Request) {
	country, ct, code, err := h.key(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	versions, err := h.registry.Versions(r.Context(), country, ct, code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// Import handles POST /countries/{country}/codes/import?mode=skip|replace.
// The body is a JSON array of rows. Row failures are reported, not raised.
func (h *CodeHandler) Import(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("code-handler").Start(r.Context(), "import_codes")
	defer span.End()

	mode, err := registry.ParseImportMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, r, h.logger, badRequest("%v", err))
		return
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxImportBytes)).Decode(&rows); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("import body exceeds %d bytes", MaxImportBytes),
			})
			return
		}
		writeError(w, r, h.logger, badRequest("body must be a JSON array of rows: %v", err))
		return
	}

	country := countryParam(r)
	if country == "" {
		writeError(w, r, h.logger, badRequest("country is required"))
		return
	}
	span.SetAttributes(attribute.String("country_id", country), attribute.Int("rows", len(rows)))

	report := h.registry.ImportJSON(ctx, country, rows, mode)
	if h.observer != nil {
		h.observer.CodesImportedRows(country, report.Imported, report.Skipped)
	}

	h.logger.Info("medical codes imported",
		zap.String("country_id", country),
		zap.String("mode", string(mode)),
		zap.Int("processed", report.Processed),
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.String("actor", middleware.GetActor(ctx)),
	)

	writeJSON(w, http.StatusOK, report)
}
