// Package parser normalizes heterogeneous handling-system formats into the
// canonical event model. Each parser is a pure function over raw bytes (the
// ingest time is injected for defaulted timestamps) and returns either one
// or more canonical events with a confidence, or a structured failure the
// ingest layer maps to a 4xx. Parsers never perform I/O and never panic
// through the ingest layer.
package parser

import (
	"fmt"
	"time"

	"github.com/skytrace/backend/internal/model"
)

// Format names a supported wire format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatScanLine Format = "scanline"
	FormatTypeB    Format = "typeb"
	FormatXML      Format = "baggage_xml"
)

// FailureReason is the machine-readable cause of a parse failure.
type FailureReason string

const (
	ReasonMissingField     FailureReason = "missing_field"
	ReasonMalformed        FailureReason = "malformed"
	ReasonUnknownFormat    FailureReason = "unknown_format"
	ReasonChecksumMismatch FailureReason = "checksum_mismatch"
)

// Failure is a structured parse failure. It is a permanent error: the
// ingest layer answers 400/422 and nothing is retried.
type Failure struct {
	Format Format        `json:"format"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("parse %s: %s: %s", f.Format, f.Reason, f.Detail)
}

func fail(format Format, reason FailureReason, detail string) error {
	return &Failure{Format: format, Reason: reason, Detail: detail}
}

func failf(format Format, reason FailureReason, detailFormat string, args ...interface{}) error {
	return &Failure{Format: format, Reason: reason, Detail: fmt.Sprintf(detailFormat, args...)}
}

// Result is a successful parse: one or more canonical events (multi-bag
// telegrams and manifests yield several sharing a correlation id) and the
// parser's confidence in having read the input correctly.
type Result struct {
	Events     []*model.CanonicalEvent
	Confidence float64
}

// Parser is implemented by each format adapter. CanParse is a cheap probe
// used by the registry when the caller gives no source hint; Parse does the
// full job.
type Parser interface {
	Format() Format
	CanParse(raw []byte) bool
	Parse(raw []byte, ingestAt time.Time) (*Result, error)
}
