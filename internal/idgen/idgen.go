// Package idgen provides identifier generation for escrow records and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TransactionPrefix prefixes every escrow transaction id.
const TransactionPrefix = "etx_"

// Transaction returns a new escrow transaction id.
// UUIDv7 keeps ids roughly creation-ordered, which makes store scans and
// log greps follow the timeline.
func Transaction() string {
	return WithPrefix(TransactionPrefix)
}

// WithPrefix returns prefix followed by a dash-less UUIDv7.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Request returns an id suitable for the X-Request-ID header.
func Request() string {
	return uuid.NewString()
}

// IsTransaction reports whether id has the shape produced by Transaction.
func IsTransaction(id string) bool {
	rest, ok := strings.CutPrefix(id, TransactionPrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
