// Package claim holds the data model shared by every stage of ingestion: change events as read
// from upstream, the normalized claims written to the store, and the bookkeeping records kept
// alongside them.
package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

var (
	ErrUnknownClaimType  = errors.New("unknown claim type")
	ErrUnknownChangeType = errors.New("unknown change type")
)

// Type is a top-level claim category ingested by an independent pipeline.
type Type string

const (
	TypeFiss Type = "fiss"
	TypeMcs  Type = "mcs"
)

// Types lists every supported claim type in a stable order.
var Types = []Type{TypeFiss, TypeMcs}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClaimType, s)
}

func (t Type) String() string { return string(t) }

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

func (c *ChangeType) UnmarshalText(b []byte) error {
	v := ChangeType(strings.ToUpper(string(b)))
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChangeType, string(b))
	}
	*c = v
	return nil
}

// ChangeEvent is one unit of the upstream change stream. Claim holds the wire payload untouched,
// so it can be stored verbatim when it fails to transform.
type ChangeEvent struct {
	Sequence    uint64          `json:"seq"`
	ClaimID     string          `json:"claimId"`
	ChangeType  ChangeType      `json:"changeType"`
	Timestamp   time.Time       `json:"timestamp"`
	ExtractDate *civil.Date     `json:"extractDate,omitempty"`
	Claim       json.RawMessage `json:"claim"`
}

// Claim is the normalized entity written to the store. Header fields not used as keys are kept
// in Attributes.
type Claim struct {
	Type        Type
	ID          string
	Sequence    uint64
	APISource   string
	MbiHash     string
	Status      string
	LastUpdated time.Time
	Attributes  map[string]any
	Lines       []Line
}

type Line struct {
	Number     int
	Attributes map[string]any
}

// InsertCount is the number of rows written when the claim is merged.
func (c *Claim) InsertCount() int {
	return 1 + len(c.Lines)
}

// Change is a successfully transformed event, carrying what the sink needs for metrics and
// checkpointing next to the entity.
type Change struct {
	Claim       *Claim
	MetaData    *MetaData
	APIVersion  string
	Sequence    uint64
	ChangeType  ChangeType
	Timestamp   time.Time
	ExtractDate *civil.Date
}

// MetaData is the per-event audit row, keyed by claim type and sequence number.
type MetaData struct {
	ClaimType    Type
	Sequence     uint64
	ClaimID      string
	MbiHash      string
	ClaimState   string
	ReceivedDate *civil.Date
	LastUpdated  time.Time
}

// Progress is the checkpoint of one claim type.
type Progress struct {
	ClaimType    Type
	LastSequence uint64
	LastUpdated  time.Time
}

// Identifier maps a raw sensitive identifier to its one-way hash.
type Identifier struct {
	Raw  string
	Hash string
}

type ErrorStatus string

const (
	ErrorUnresolved ErrorStatus = "UNRESOLVED"
	ErrorResolved   ErrorStatus = "RESOLVED"
)

func ParseErrorStatus(s string) (ErrorStatus, error) {
	switch v := ErrorStatus(strings.ToUpper(s)); v {
	case ErrorUnresolved, ErrorResolved:
		return v, nil
	}
	return "", fmt.Errorf("unknown error status %q", s)
}

// FieldError describes why one field of a payload could not be transformed.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// ErrorRecord is a failed transformation kept for operator review.
type ErrorRecord struct {
	ID        int64
	ClaimType Type
	Sequence  uint64
	ClaimID   string
	APISource string
	Status    ErrorStatus
	Payload   string
	Errors    []FieldError
	CreatedAt time.Time
	UpdatedAt time.Time
}
