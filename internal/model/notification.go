package model

import "time"

// Channel is an outbound notification transport.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// NotificationStatus tracks delivery.
type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "queued"
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
	NotificationDead   NotificationStatus = "dead"
)

// Notification is one outbound message for one recipient-channel pair.
// Duplicates of the same (bag_tag, template_id, channel) within a ten
// minute window are suppressed before creation.
type Notification struct {
	NotificationID string             `json:"notification_id"`
	BagTag         string             `json:"bag_tag"`
	Channel        Channel            `json:"channel"`
	Recipient      string             `json:"recipient"`
	TemplateID     string             `json:"template_id"`
	Status         NotificationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
}
