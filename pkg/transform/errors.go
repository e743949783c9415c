package transform

import (
	"errors"
	"strings"

	"github.com/treeverse/claimload/pkg/claim"
)

var ErrUnsupportedClaimType = errors.New("no transformer for claim type")

// Error reports a payload that could not be transformed. Errors is never empty and keeps the
// order in which the fields were checked.
type Error struct {
	ClaimType claim.Type
	Sequence  uint64
	Errors    []claim.FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return "transformation failed: " + strings.Join(parts, "; ")
}

// FieldErrors returns the field errors carried by err, or nil when err is not a transformation error.
func FieldErrors(err error) []claim.FieldError {
	var te *Error
	if errors.As(err, &te) {
		return te.Errors
	}
	return nil
}
