package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/parser"
)

const maxBodyBytes = 1 << 20

type scanResponse struct {
	Status    string    `json:"status"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

type batchRequest struct {
	Events       []json.RawMessage `json:"events"`
	SourceSystem string            `json:"source_system"`
	EventType    string            `json:"event_type"`
}

type batchResponse struct {
	Total          int              `json:"total"`
	Ingested       int              `json:"ingested"`
	Duplicates     int              `json:"duplicates"`
	PerEventErrors []perEventError  `json:"per_event_errors"`
	Outcomes       []outcomeSummary `json:"outcomes,omitempty"`
}

type perEventError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type outcomeSummary struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// publishOne validates and appends a single canonical event, folding the
// dedup outcome into the ingest counters.
func (s *Server) publishOne(r *http.Request, ev *model.CanonicalEvent) (duplicate bool, err error) {
	if err := ev.Validate(); err != nil {
		s.metrics.IngestTotal.WithLabelValues("rejected").Inc()
		return false, err
	}
	_, err = s.bus.Publish(r.Context(), ev)
	if errors.Is(err, bus.ErrDuplicate) {
		s.metrics.IngestTotal.WithLabelValues("duplicate").Inc()
		return true, nil
	}
	if err != nil {
		s.metrics.IngestTotal.WithLabelValues("rejected").Inc()
		return false, err
	}
	s.metrics.IngestTotal.WithLabelValues("success").Inc()
	return false, nil
}

func (s *Server) ingestParsed(w http.ResponseWriter, r *http.Request, format parser.Format, raw []byte, hint string) {
	if s.rel.Saturated() {
		s.backpressure(w)
		return
	}

	result, err := s.parsers.Parse(raw, hint, s.now().UTC())
	if err != nil {
		s.countParseFailure(format, err)
		s.writeError(w, err)
		return
	}

	if len(result.Events) == 1 {
		ev := result.Events[0]
		dup, err := s.publishOne(r, ev)
		if err != nil {
			s.writeError(w, err)
			return
		}
		status := "success"
		if dup {
			status = "duplicate"
		}
		s.writeJSON(w, http.StatusOK, scanResponse{Status: status, EventID: ev.EventID, Timestamp: ev.Timestamp})
		return
	}

	// Multi-event inputs (telegrams, manifests) answer with the batch shape.
	resp := batchResponse{Total: len(result.Events)}
	for i, ev := range result.Events {
		dup, err := s.publishOne(r, ev)
		switch {
		case err != nil:
			resp.PerEventErrors = append(resp.PerEventErrors, perEventError{Index: i, Reason: err.Error()})
		case dup:
			resp.Duplicates++
			resp.Outcomes = append(resp.Outcomes, outcomeSummary{EventID: ev.EventID, Duplicate: true})
		default:
			resp.Ingested++
			resp.Outcomes = append(resp.Outcomes, outcomeSummary{EventID: ev.EventID})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) countParseFailure(format parser.Format, err error) {
	var f *parser.Failure
	if errors.As(err, &f) {
		label := string(f.Format)
		if label == "" {
			label = string(format)
		}
		s.metrics.ParseFailures.WithLabelValues(label, string(f.Reason)).Inc()
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(raw) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty_body"})
		return nil, false
	}
	return raw, true
}

// handleScanEvent ingests one structured JSON scan.
func (s *Server) handleScanEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.ingestParsed(w, r, parser.FormatJSON, raw, string(parser.FormatJSON))
}

// handleBatch ingests a set of JSON scans sharing a source system.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.rel.Saturated() {
		s.backpressure(w)
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_body", Reason: err.Error()})
		return
	}
	if len(req.Events) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty_batch"})
		return
	}

	resp := batchResponse{Total: len(req.Events)}
	ingestAt := s.now().UTC()
	for i, rawEvent := range req.Events {
		result, err := s.parsers.Parse(rawEvent, string(parser.FormatJSON), ingestAt)
		if err != nil {
			s.countParseFailure(parser.FormatJSON, err)
			resp.PerEventErrors = append(resp.PerEventErrors, perEventError{Index: i, Reason: err.Error()})
			continue
		}
		for _, ev := range result.Events {
			if ev.SourceSystem == "" {
				ev.SourceSystem = req.SourceSystem
			}
			dup, err := s.publishOne(r, ev)
			switch {
			case err != nil:
				resp.PerEventErrors = append(resp.PerEventErrors, perEventError{Index: i, Reason: err.Error()})
			case dup:
				resp.Duplicates++
			default:
				resp.Ingested++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRawScan ingests an opaque payload routed by the parser registry.
func (s *Server) handleRawScan(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Data   string `json:"data"`
		Source string `json:"source"`
	}
	// The body is either a JSON wrapper with a source hint or the opaque
	// payload itself.
	payload := raw
	hint := ""
	if err := json.Unmarshal(raw, &req); err == nil && req.Data != "" {
		payload = []byte(req.Data)
		hint = req.Source
	}
	s.ingestParsed(w, r, "", payload, hint)
}

// handleTypeB ingests an IATA Type B telegram.
func (s *Server) handleTypeB(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Message     string `json:"message"`
		MessageType string `json:"message_type"`
		FromStation string `json:"from_station"`
		ToStation   string `json:"to_station"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_body"})
		return
	}
	s.ingestParsed(w, r, parser.FormatTypeB, []byte(req.Message), string(parser.FormatTypeB))
}

// handleBaggageXML ingests a BaggageXML manifest.
func (s *Server) handleBaggageXML(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		XMLContent   string `json:"xml_content"`
		FlightNumber string `json:"flight_number"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.XMLContent == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_body"})
		return
	}
	s.ingestParsed(w, r, parser.FormatXML, []byte(req.XMLContent), string(parser.FormatXML))
}
