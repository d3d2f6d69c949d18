package model

import "time"

// DispatchStatus is the lifecycle of a courier dispatch. A dispatch with
// RequiresApproval set may not advance past pending_approval without an
// approval record.
type DispatchStatus string

const (
	DispatchRequested       DispatchStatus = "requested"
	DispatchPendingApproval DispatchStatus = "pending_approval"
	DispatchBooked          DispatchStatus = "booked"
	DispatchDelivered       DispatchStatus = "delivered"
	DispatchCancelled       DispatchStatus = "cancelled"
)

// Terminal reports whether the dispatch can change no further.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchDelivered || s == DispatchCancelled
}

// CourierDispatch is a delivery arrangement for a bag that will not make
// its passenger.
type CourierDispatch struct {
	DispatchID         string         `json:"dispatch_id"`
	BagTag             string         `json:"bag_tag"`
	DestinationAddress string         `json:"destination_address"`
	CostEstimate       float64        `json:"cost_estimate"`
	CompensationRisk   float64        `json:"compensation_risk"`
	Status             DispatchStatus `json:"status"`
	RequiresApproval   bool           `json:"requires_approval"`
	ApprovedBy         string         `json:"approved_by,omitempty"`
	BookingRef         string         `json:"booking_ref,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ApprovalRequest is the durable record awaiting a human decision. The
// workflow suspends on it and resumes when an approval_granted or
// approval_denied event arrives.
type ApprovalRequest struct {
	DispatchID  string    `json:"dispatch_id"`
	BagTag      string    `json:"bag_tag"`
	CostValue   float64   `json:"cost_value"`
	RequestedAt time.Time `json:"requested_at"`
}
