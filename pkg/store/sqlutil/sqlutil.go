// Package sqlutil converts between domain values and the column encodings shared by the SQL
// drivers.
package sqlutil

import (
	"encoding/json"
	"fmt"
	"math"

	"cloud.google.com/go/civil"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

// Sequence converts seq to the signed column type, failing rather than wrapping around.
func Sequence(seq uint64) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", store.ErrSequenceOverflow, seq)
	}
	return int64(seq), nil
}

func EncodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}

func DecodeAttributes(s string) (map[string]any, error) {
	attrs := map[string]any{}
	if s == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}

func EncodeFieldErrors(errs []claim.FieldError) (string, error) {
	if errs == nil {
		errs = []claim.FieldError{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("encode field errors: %w", err)
	}
	return string(b), nil
}

func DecodeFieldErrors(s string) ([]claim.FieldError, error) {
	var errs []claim.FieldError
	if err := json.Unmarshal([]byte(s), &errs); err != nil {
		return nil, fmt.Errorf("decode field errors: %w", err)
	}
	return errs, nil
}

// Date renders an optional date as its ISO text, or nil.
func Date(d *civil.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func ParseDate(s *string) (*civil.Date, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
