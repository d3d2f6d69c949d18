package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/store"
)

type bagResponse struct {
	Bag    *model.Bag              `json:"bag"`
	Risk   *model.RiskAssessment   `json:"risk,omitempty"`
	Events []*model.CanonicalEvent `json:"events"`
}

// handleGetBag serves the authoritative record with its timeline and
// latest assessment.
func (s *Server) handleGetBag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	bag, err := s.rel.GetBag(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.rel.EventsForBag(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	risk, err := s.rel.LatestRisk(r.Context(), tag)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bagResponse{Bag: bag, Risk: risk, Events: events})
}

func (s *Server) handleListBags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BagFilter{
		Status:   q.Get("status"),
		Location: q.Get("location"),
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	}
	if v := q.Get("risk_min"); v != "" {
		min, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_query", Field: "risk_min"})
			return
		}
		f.RiskMin = &min
	}
	if v := q.Get("risk_max"); v != "" {
		max, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_query", Field: "risk_max"})
			return
		}
		f.RiskMax = &max
	}

	bags, err := s.rel.ListBags(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bags == nil {
		bags = []*model.Bag{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bags": bags, "count": len(bags)})
}

func (s *Server) handleJourney(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["id"]
	snap, scans, err := s.coord.GetJourney(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bag": snap, "journey": scans})
}

func (s *Server) handleCurrentLocation(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["id"]
	location, at, err := s.coord.GetCurrentLocation(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bag_tag": tag, "location": location, "seen_at": at,
	})
}

func (s *Server) handleFlightBags(w http.ResponseWriter, r *http.Request) {
	flight := mux.Vars(r)["id"]
	bags, err := s.coord.GetFlightBags(r.Context(), flight)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flight_number": flight, "bags": bags, "count": len(bags),
	})
}

func (s *Server) handleConnectionRisk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BagTag            string `json:"bag_tag"`
		ConnectionMinutes *int   `json:"connection_minutes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BagTag == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_body"})
		return
	}
	a, err := s.coord.AnalyzeConnectionRisk(r.Context(), req.BagTag, req.ConnectionMinutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := time.Duration(intParam(q.Get("window_minutes"), 60)) * time.Minute
	minBags := intParam(q.Get("min_bags"), 5)

	out, err := s.coord.Bottlenecks(r.Context(), window, minBags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bottlenecks": out})
}

func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.bus.StreamInfo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	envelopes, err := s.bus.Replay(r.Context(), q.Get("start"), q.Get("end"),
		int64(intParam(q.Get("max"), 100)))
	if err != nil {
		s.writeError(w, err)
		return
	}
	type entry struct {
		IngestID string               `json:"ingest_id"`
		Event    model.CanonicalEvent `json:"event"`
	}
	out := make([]entry, 0, len(envelopes))
	for _, env := range envelopes {
		out = append(out, entry{IngestID: env.IngestID, Event: env.Event})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out, "count": len(out)})
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
