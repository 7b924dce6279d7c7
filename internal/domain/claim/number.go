package claim

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NumberGenerator produces candidate claim numbers. Uniqueness is enforced by
// the store; generators only need collisions to be rare.
type NumberGenerator func(at time.Time) (string, error)

// NewClaimNumber returns "CLM-<UTC yyyymmddhhmmss>-<8 random hex digits>".
func NewClaimNumber(at time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return "CLM-" + at.UTC().Format("20060102150405") + "-" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}
