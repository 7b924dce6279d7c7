// Package registry is the per-country catalog of medical codes.
//
// Codes are opaque strings keyed by (countryID, codeType, code). Entries are
// immutable: a correction supersedes the active entry with a new version and
// leaves the old row in place for claims that referenced it.
package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no active entry matches a lookup.
	ErrNotFound = errors.New("medical code not found")
	// ErrDuplicateCode is returned by stores when an active entry already exists.
	// BulkImport records it per row and never returns it.
	ErrDuplicateCode = errors.New("duplicate medical code")
	// ErrInvalidRow marks an import row that failed validation.
	ErrInvalidRow = errors.New("invalid import row")
)

// CodeType classifies a medical code.
type CodeType string

const (
	CodeTypeProcedure      CodeType = "PROCEDURE"
	CodeTypeDiagnosis      CodeType = "DIAGNOSIS"
	CodeTypePharmaceutical CodeType = "PHARMACEUTICAL"
)

// CodeTypes lists every code type.
var CodeTypes = []CodeType{CodeTypeProcedure, CodeTypeDiagnosis, CodeTypePharmaceutical}

// ParseCodeType normalizes s and reports whether it names a code type.
func ParseCodeType(s string) (CodeType, bool) {
	ct := CodeType(strings.ToUpper(strings.TrimSpace(s)))
	switch ct {
	case CodeTypeProcedure, CodeTypeDiagnosis, CodeTypePharmaceutical:
		return ct, true
	}
	return "", false
}

// Entry is one version of a medical code.
type Entry struct {
	ID             string           `json:"id"`
	CountryID      string           `json:"countryId"`
	CodeType       CodeType         `json:"codeType"`
	Code           string           `json:"code"`
	Description    string           `json:"description"`
	Category       *string          `json:"category,omitempty"`
	StandardAmount *decimal.Decimal `json:"standardAmount,omitempty"`
	Version        int              `json:"version"`
	EffectiveFrom  time.Time        `json:"effectiveFrom"`
	SupersededAt   *time.Time       `json:"supersededAt,omitempty"`
}

// Active reports whether the entry has not been superseded.
func (e *Entry) Active() bool { return e.SupersededAt == nil }

// Key identifies the code an entry versions.
type Key struct {
	CountryID string
	CodeType  CodeType
	Code      string
}

func (e *Entry) Key() Key {
	return Key{CountryID: e.CountryID, CodeType: e.CodeType, Code: e.Code}
}

func (k Key) String() string {
	return k.CountryID + "/" + string(k.CodeType) + "/" + k.Code
}
