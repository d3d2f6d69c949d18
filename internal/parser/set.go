package parser

import (
	"strings"
	"time"
)

// Set dispatches raw input to the right parser: first by the caller's
// declared source hint, then by probing CanParse in priority order (JSON,
// Type B, XML, scan line). No match is an unknown_format failure.
type Set struct {
	ordered []Parser
	byHint  map[string]Parser
}

// NewSet builds the registry with the four built-in parsers.
func NewSet() *Set {
	jsonP := JSONParser{}
	typeB := TypeBParser{}
	xmlP := XMLParser{}
	line := ScanLineParser{}

	s := &Set{
		ordered: []Parser{jsonP, typeB, xmlP, line},
		byHint:  make(map[string]Parser),
	}
	register := func(p Parser, aliases ...string) {
		s.byHint[string(p.Format())] = p
		for _, a := range aliases {
			s.byHint[a] = p
		}
	}
	register(jsonP)
	register(typeB, "type_b", "type-b", "sita", "btm", "bsm", "bpm")
	register(xmlP, "xml", "baggage-xml")
	register(line, "scan_line", "raw", "rfid")
	return s
}

// Parse dispatches raw to a parser. An empty sourceHint probes all parsers
// in priority order; an unrecognized hint is an unknown_format failure.
func (s *Set) Parse(raw []byte, sourceHint string, ingestAt time.Time) (*Result, error) {
	if hint := strings.ToLower(strings.TrimSpace(sourceHint)); hint != "" {
		p, ok := s.byHint[hint]
		if !ok {
			return nil, failf("", ReasonUnknownFormat, "no parser for source %q", sourceHint)
		}
		return p.Parse(raw, ingestAt)
	}

	for _, p := range s.ordered {
		if p.CanParse(raw) {
			return p.Parse(raw, ingestAt)
		}
	}
	return nil, fail("", ReasonUnknownFormat, "input matched no registered format")
}

// Register adds a custom parser ahead of the scan-line fallback, keyed by
// its format name and any aliases.
func (s *Set) Register(p Parser, aliases ...string) {
	if n := len(s.ordered); n > 0 {
		s.ordered = append(s.ordered[:n-1], p, s.ordered[n-1])
	} else {
		s.ordered = append(s.ordered, p)
	}
	s.byHint[string(p.Format())] = p
	for _, a := range aliases {
		s.byHint[a] = p
	}
}
