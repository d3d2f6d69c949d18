package model

import (
	"fmt"
	"time"
)

// CasePriority orders exception cases for the operations queue.
type CasePriority string

const (
	PriorityP0 CasePriority = "P0"
	PriorityP1 CasePriority = "P1"
	PriorityP2 CasePriority = "P2"
	PriorityP3 CasePriority = "P3"
)

// Urgent reports whether the priority mandates PIR filing on mishandling.
func (p CasePriority) Urgent() bool { return p == PriorityP0 || p == PriorityP1 }

// CaseStatus is the lifecycle of an ExceptionCase. Reopening is forbidden.
type CaseStatus string

const (
	CaseOpen       CaseStatus = "open"
	CaseInProgress CaseStatus = "in_progress"
	CaseResolved   CaseStatus = "resolved"
	CaseClosed     CaseStatus = "closed"
)

// Terminal reports whether the case can change no further.
func (s CaseStatus) Terminal() bool { return s == CaseResolved || s == CaseClosed }

var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseOpen:       {CaseInProgress},
	CaseInProgress: {CaseResolved, CaseClosed},
}

// ValidCaseTransition reports whether a case may move from one status to
// another in a single update.
func ValidCaseTransition(from, to CaseStatus) bool {
	for _, allowed := range caseTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CaseTimelineEntry is one audit entry on a case.
type CaseTimelineEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// ExceptionCase tracks operational handling of a problem bag. At most one
// open case exists per bag.
type ExceptionCase struct {
	CaseID      string              `json:"case_id"`
	BagTag      string              `json:"bag_tag"`
	CaseType    string              `json:"case_type"`
	Priority    CasePriority        `json:"priority"`
	Status      CaseStatus          `json:"status"`
	Assignee    string              `json:"assignee,omitempty"`
	SLADeadline time.Time           `json:"sla_deadline"`
	Timeline    []CaseTimelineEntry `json:"timeline,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// CasePatch is a partial case update applied through the coordinator.
type CasePatch struct {
	Status   *CaseStatus   `json:"status,omitempty"`
	Priority *CasePriority `json:"priority,omitempty"`
	Assignee *string       `json:"assignee,omitempty"`
	Entry    *CaseTimelineEntry
}

// PriorityForRisk derives the initial case priority from a risk level.
func PriorityForRisk(level RiskLevel) CasePriority {
	switch level {
	case RiskCritical:
		return PriorityP0
	case RiskHigh:
		return PriorityP1
	case RiskMedium:
		return PriorityP2
	default:
		return PriorityP3
	}
}

// SLAFor returns the resolution deadline for a priority, measured from the
// case open time.
func SLAFor(p CasePriority, from time.Time) time.Time {
	switch p {
	case PriorityP0:
		return from.Add(2 * time.Hour)
	case PriorityP1:
		return from.Add(6 * time.Hour)
	case PriorityP2:
		return from.Add(24 * time.Hour)
	default:
		return from.Add(72 * time.Hour)
	}
}

func (c *ExceptionCase) String() string {
	return fmt.Sprintf("case %s bag=%s %s/%s", c.CaseID, c.BagTag, c.Priority, c.Status)
}
