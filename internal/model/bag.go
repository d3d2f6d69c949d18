package model

import (
	"errors"
	"fmt"
	"time"
)

// BagStatus is the lifecycle state of a Bag. Transitions only happen along
// the edges in the transition table below; the dual-write coordinator
// rejects everything else.
type BagStatus string

const (
	StatusCheckedIn  BagStatus = "checked_in"
	StatusInTransit  BagStatus = "in_transit"
	StatusLoaded     BagStatus = "loaded"
	StatusArrived    BagStatus = "arrived"
	StatusClaimed    BagStatus = "claimed"
	StatusDelayed    BagStatus = "delayed"
	StatusMishandled BagStatus = "mishandled"
	StatusOffloaded  BagStatus = "offloaded"
	StatusArchived   BagStatus = "archived"
)

// IsTerminal reports whether no further transitions are possible.
func (s BagStatus) IsTerminal() bool {
	return s == StatusClaimed || s == StatusArchived
}

// Valid reports whether s is a member of the status enum.
func (s BagStatus) Valid() bool {
	switch s {
	case StatusCheckedIn, StatusInTransit, StatusLoaded, StatusArrived,
		StatusClaimed, StatusDelayed, StatusMishandled, StatusOffloaded,
		StatusArchived:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when an event asks for a status change
// outside the transition table. It is a permanent failure: the processor
// dead-letters the event and the ingest API answers 409.
var ErrInvalidTransition = errors.New("invalid_transition")

// statusTransitions maps the event types that move a bag to the statuses
// they may move it from. Event types absent from this table never change
// status (the scan is still recorded).
var statusTransitions = map[EventType]struct {
	from map[BagStatus]bool // nil means any non-terminal status
	to   BagStatus
}{
	EventCheckIn:   {from: map[BagStatus]bool{}, to: StatusCheckedIn}, // creation only
	EventSortation: {from: map[BagStatus]bool{StatusCheckedIn: true}, to: StatusInTransit},
	EventLoad:      {from: map[BagStatus]bool{StatusInTransit: true}, to: StatusLoaded},
	EventArrival:   {from: map[BagStatus]bool{StatusLoaded: true}, to: StatusArrived},
	EventClaim:     {from: map[BagStatus]bool{StatusArrived: true}, to: StatusClaimed},
	EventAnomaly:   {from: nil, to: StatusMishandled},
	EventOffload:   {from: map[BagStatus]bool{StatusInTransit: true, StatusLoaded: true}, to: StatusOffloaded},
}

// NextStatus resolves the status a bag moves to when ev is applied while in
// current. The boolean reports whether a transition occurs; events whose
// type carries no transition rule (manual, transfer, manifest_load,
// approvals) leave the status untouched. Anomaly events below High severity
// are recorded without transitioning. ErrInvalidTransition is returned when
// the rule exists but current is not a permitted origin.
func NextStatus(current BagStatus, ev *CanonicalEvent) (BagStatus, bool, error) {
	rule, ok := statusTransitions[ev.EventType]
	if !ok {
		return current, false, nil
	}

	if ev.EventType == EventAnomaly {
		p, _ := ev.Payload.(*AnomalyPayload)
		if p == nil || !p.Severity.AtLeastHigh() {
			return current, false, nil
		}
	}

	if ev.EventType == EventCheckIn {
		// check_in only creates; a bag that already exists has left (none).
		return current, false, fmt.Errorf("%w: %s -> %s on %s",
			ErrInvalidTransition, current, rule.to, ev.EventType)
	}

	allowed := false
	if rule.from == nil {
		allowed = !current.IsTerminal()
	} else {
		allowed = rule.from[current]
	}
	if !allowed {
		return current, false, fmt.Errorf("%w: %s -> %s on %s",
			ErrInvalidTransition, current, rule.to, ev.EventType)
	}
	return rule.to, true, nil
}

// CreatesBag reports whether an event of type t may create the Bag it
// references. Every other type requires the bag to already exist.
func CreatesBag(t EventType) bool {
	return t == EventCheckIn || t == EventManifestLoad
}

// Locates reports whether an event of type t places the bag physically.
// Approval decisions are recorded against the bag but happen at an ops
// desk, not where the bag is.
func Locates(t EventType) bool {
	return t != EventApprovalGranted && t != EventApprovalDenied
}

// DelayedTransitionAllowed reports whether the scan-gap sweep may move a bag
// in current to delayed.
func DelayedTransitionAllowed(current BagStatus) bool {
	return !current.IsTerminal() && current != StatusDelayed
}

// Bag is the authoritative record for one piece of checked baggage. The
// relational store owns it; the graph store projects it.
type Bag struct {
	BagTag          string    `json:"bag_tag"`
	Routing         []string  `json:"routing,omitempty"`
	Status          BagStatus `json:"status"`
	CurrentLocation string    `json:"current_location"`
	RiskScore       float64   `json:"risk_score"`
	PassengerRef    string    `json:"passenger_ref,omitempty"`
	PNR             string    `json:"pnr,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

// NewBag constructs the record created by a bag's first admissible event.
func NewBag(ev *CanonicalEvent) *Bag {
	b := &Bag{
		BagTag:          ev.BagTag,
		Status:          StatusCheckedIn,
		CurrentLocation: ev.Location,
		CreatedAt:       ev.Timestamp,
		UpdatedAt:       ev.Timestamp,
		Version:         1,
	}
	if p, ok := ev.Payload.(*ManifestPayload); ok && p != nil {
		b.PassengerRef = p.PassengerRef
		if p.Origin != "" {
			b.Routing = append(b.Routing, p.Origin)
		}
		if p.Destination != "" {
			b.Routing = append(b.Routing, p.Destination)
		}
	}
	return b
}
