package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/store"
)

func (s *Server) handlePendingDispatches(w http.ResponseWriter, r *http.Request) {
	pending, err := s.rel.PendingApprovals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pending == nil {
		pending = []store.PendingApproval{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending, "count": len(pending),
	})
}

// handleDispatchDecision publishes the human decision as an approval
// event on the bus; the workflow resumes when a worker processes it.
func (s *Server) handleDispatchDecision(w http.ResponseWriter, r *http.Request) {
	dispatchID := mux.Vars(r)["id"]

	var req struct {
		Decision string `json:"decision"`
		Approver string `json:"approver"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_body"})
		return
	}
	if req.Decision != "approved" && req.Decision != "denied" {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "schema_violation", Field: "decision", Reason: "must be approved or denied",
		})
		return
	}
	if req.Approver == "" {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "schema_violation", Field: "approver", Reason: "required",
		})
		return
	}

	d, err := s.rel.GetDispatch(r.Context(), dispatchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if d.Status != model.DispatchPendingApproval {
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error: "invalid_transition", Reason: "dispatch is not awaiting approval",
		})
		return
	}

	eventType := model.EventApprovalGranted
	if req.Decision == "denied" {
		eventType = model.EventApprovalDenied
	}
	ev := &model.CanonicalEvent{
		EventID:      uuid.NewString(),
		Timestamp:    s.now().UTC(),
		BagTag:       d.BagTag,
		Location:     "OPS-APPROVAL-DESK",
		EventType:    eventType,
		SourceSystem: "ops-api",
		Payload: &model.ApprovalPayload{
			DispatchID: dispatchID,
			Approver:   req.Approver,
			Reason:     req.Reason,
		},
	}
	dup, err := s.publishOne(r, ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := "queued"
	if dup {
		status = "duplicate"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": status, "event_id": ev.EventID, "dispatch_id": dispatchID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := map[string]string{"relational": "ok", "eventlog": "ok"}

	if _, err := s.bus.StreamInfo(r.Context()); err != nil {
		components["eventlog"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if s.rel.Saturated() {
		components["relational"] = "saturated"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
