package store

import (
	"context"
	"errors"
	"time"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// NotificationDedupWindow suppresses repeats of the same message to the
// same recipient channel.
const NotificationDedupWindow = 10 * time.Minute

// ErrNotificationDeduped is returned when an identical (bag_tag,
// template_id, channel) notification was created inside the dedup window.
var ErrNotificationDeduped = errors.New("notification suppressed by dedup window")

// InsertNotification creates a queued notification unless one with the
// same (bag_tag, template_id, channel) exists inside the dedup window. The
// check and the insert run in one statement so concurrent workers cannot
// both slip through.
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications
			(notification_id, bag_tag, channel, recipient, template_id, status, created_at, sent_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications
			WHERE bag_tag = $2 AND template_id = $5 AND channel = $3
			  AND created_at > $8)
		ON CONFLICT (notification_id) DO NOTHING`,
		n.NotificationID, n.BagTag, string(n.Channel), n.Recipient, n.TemplateID,
		string(n.Status), n.CreatedAt.UTC(), n.CreatedAt.UTC().Add(-NotificationDedupWindow))
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert notification %s: %w", n.NotificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationDeduped
	}
	return nil
}

// MarkNotification records a delivery outcome.
func (s *Store) MarkNotification(ctx context.Context, notificationID string, status model.NotificationStatus, at time.Time) error {
	var sentAt interface{}
	if status == model.NotificationSent {
		sentAt = at.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $2, sent_at = $3 WHERE notification_id = $1`,
		notificationID, string(status), sentAt)
	if err != nil {
		return faults.Wrapf(faults.Transient, "mark notification %s: %w", notificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NotificationsForBag lists a bag's notifications, newest first.
func (s *Store) NotificationsForBag(ctx context.Context, bagTag string) ([]*model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, bag_tag, channel, recipient, template_id, status, created_at, sent_at
		FROM notifications WHERE bag_tag = $1 ORDER BY created_at DESC`, bagTag)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "notifications for %s: %w", bagTag, err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var n model.Notification
		var channel, status string
		if err := rows.Scan(&n.NotificationID, &n.BagTag, &channel, &n.Recipient,
			&n.TemplateID, &status, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, faults.Wrapf(faults.Transient, "scan notification row: %w", err)
		}
		n.Channel = model.Channel(channel)
		n.Status = model.NotificationStatus(status)
		out = append(out, &n)
	}
	return out, rows.Err()
}
