package transform

import (
	"fmt"
	"regexp"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/treeverse/claimload/pkg/claim"
)

var amountPattern = regexp.MustCompile(`^-?\d{1,9}(\.\d{1,2})?$`)

// fields validates wire values one at a time, collecting every problem instead of stopping at the
// first.
type fields struct {
	errs []claim.FieldError
}

func (f *fields) add(field, format string, args ...any) {
	f.errs = append(f.errs, claim.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (f *fields) err(ct claim.Type, seq uint64) error {
	if len(f.errs) == 0 {
		return nil
	}
	return &Error{ClaimType: ct, Sequence: seq, Errors: f.errs}
}

func (f *fields) checkLength(field, v string, maxLen int) bool {
	if len(v) > maxLen {
		f.add(field, "invalid length: expected=[1,%d] actual=%d", maxLen, len(v))
		return false
	}
	return true
}

func (f *fields) requiredString(field, v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if v == "" {
		f.add(field, "is required")
		return ""
	}
	if !f.checkLength(field, v, maxLen) {
		return ""
	}
	return v
}

func (f *fields) optionalString(field, v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if v == "" || !f.checkLength(field, v, maxLen) {
		return ""
	}
	return v
}

// code checks a single character drawn from allowed.
func (f *fields) code(field, v, allowed string, required bool) string {
	if v == "" {
		if required {
			f.add(field, "is required")
		}
		return ""
	}
	if len(v) != 1 || !strings.Contains(allowed, v) {
		f.add(field, "unrecognized enum value %q", v)
		return ""
	}
	return v
}

func (f *fields) date(field, v string) *civil.Date {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := civil.ParseDate(v)
	if err != nil || !d.IsValid() {
		f.add(field, "invalid date %q", v)
		return nil
	}
	return &d
}

func (f *fields) amount(field, v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !amountPattern.MatchString(v) {
		f.add(field, "invalid amount %q", v)
		return ""
	}
	return v
}

// setIf stores v under key when it carries a value.
func setIf(attrs map[string]any, key, v string) {
	if v != "" {
		attrs[key] = v
	}
}

func setDate(attrs map[string]any, key string, d *civil.Date) {
	if d != nil {
		attrs[key] = d.String()
	}
}
