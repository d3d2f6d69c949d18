package model

import "time"

// PIRType is the irregularity report subtype filed with the tracing
// network.
type PIRType string

const (
	PIROnHand   PIRType = "OHD"
	PIRForward  PIRType = "FIR"
	PIRAdvisory PIRType = "AHL"
	PIRGeneric  PIRType = "PIR"
)

// PIRStatus tracks a filed report.
type PIRStatus string

const (
	PIROpen   PIRStatus = "open"
	PIRClosed PIRStatus = "closed"
)

// PIR is a Property Irregularity Report. At most one open PIR exists per
// bag; it is closed on recovery.
type PIR struct {
	PIRNumber         string    `json:"pir_number"`
	BagTag            string    `json:"bag_tag"`
	Type              PIRType   `json:"type"`
	Status            PIRStatus `json:"status"`
	FiledAt           time.Time `json:"filed_at"`
	LastKnownLocation string    `json:"last_known_location"`
	Description       string    `json:"description,omitempty"`
}
