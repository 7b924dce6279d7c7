// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/adjudication"
	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/money"
	"github.com/drfirst/go-claims/internal/registry"
)

// errBadRequest marks malformed input that never reached the domain.
var errBadRequest = errors.New("bad request")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, adjudication.ErrInvalidAmount),
		errors.Is(err, coverage.ErrInvalidCoverageRule),
		errors.Is(err, money.ErrUnknownCurrency),
		errors.Is(err, money.ErrAmountOutOfRange),
		errors.Is(err, claim.ErrInvalidClaim),
		errors.Is(err, registry.ErrInvalidRow):
		return http.StatusBadRequest
	case errors.Is(err, claim.ErrNotFound),
		errors.Is(err, coverage.ErrNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, claim.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, claim.ErrConcurrentUpdate),
		errors.Is(err, claim.ErrDuplicateClaimNumber),
		errors.Is(err, coverage.ErrDuplicateRule),
		errors.Is(err, registry.ErrDuplicateCode):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError responds with the mapped status. Internal errors are logged and
// their details withheld.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

// decode reads a JSON object into the struct pointed to by v and validates it.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return badRequest("%s", describe(err))
	}
	return nil
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
