package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/store"
)

const (
	queueDepth      = 1000
	deliverAttempts = 3
	deliverTimeout  = 15 * time.Second
)

// Recipient is one channel-address pair from the passenger's preferences.
type Recipient struct {
	Channel model.Channel
	Address string
}

// Recorder is the notification slice of the relational store.
type Recorder interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
	MarkNotification(ctx context.Context, notificationID string, status model.NotificationStatus, at time.Time) error
}

type job struct {
	notification *model.Notification
	msg          Message
}

// Dispatcher creates notifications through the store's dedup window and
// delivers them asynchronously on a worker pool. Delivery is retried with
// a growing pause; a message that exhausts its attempts is marked dead and
// stays visible in the bag's notification history.
type Dispatcher struct {
	rec     Recorder
	sink    Sink
	catalog *Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue chan job
	wg    sync.WaitGroup
	now   func() time.Time
	sleep func(time.Duration)
}

// NewDispatcher builds the dispatcher and starts its workers.
func NewDispatcher(rec Recorder, sink Sink, catalog *Catalog, m *metrics.Metrics, logger *zap.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		rec:     rec,
		sink:    sink,
		catalog: catalog,
		metrics: m,
		logger:  logger.Named("notify"),
		queue:   make(chan job, queueDepth),
		now:     time.Now,
		sleep:   time.Sleep,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify creates one notification per recipient and queues delivery.
// Recipients suppressed by the dedup window are skipped silently; the
// count of queued messages is returned.
func (d *Dispatcher) Notify(ctx context.Context, bagTag, templateID string, recipients []Recipient, data interface{}) (int, error) {
	msg, err := d.catalog.Render(templateID, data)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, r := range recipients {
		n := &model.Notification{
			NotificationID: uuid.NewString(),
			BagTag:         bagTag,
			Channel:        r.Channel,
			Recipient:      r.Address,
			TemplateID:     templateID,
			Status:         model.NotificationQueued,
			CreatedAt:      d.now().UTC(),
		}
		if err := d.rec.InsertNotification(ctx, n); err != nil {
			if errors.Is(err, store.ErrNotificationDeduped) {
				d.metrics.NotificationResults.WithLabelValues(string(r.Channel), "deduped").Inc()
				continue
			}
			return queued, err
		}

		select {
		case d.queue <- job{notification: n, msg: msg}:
			queued++
		default:
			d.logger.Warn("notification queue full, message stays queued in store",
				zap.String("notification_id", n.NotificationID))
		}
	}
	return queued, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

// deliver runs all attempts for one message inside the worker that picked
// it up. Retries never go back through the queue: Shutdown may have closed
// it by the time an attempt fails.
func (d *Dispatcher) deliver(j job) {
	n := j.notification
	var lastErr error
	for attempt := 1; attempt <= deliverAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.NotificationResults.WithLabelValues(string(n.Channel), "failed").Inc()
			back := attempt - 1
			d.sleep(time.Duration(back*back) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		deliveryID, err := d.sink.Send(ctx, n.Channel, n.Recipient, j.msg)
		if err == nil {
			if mErr := d.rec.MarkNotification(ctx, n.NotificationID, model.NotificationSent, d.now()); mErr != nil {
				d.logger.Warn("mark notification sent", zap.String("notification_id", n.NotificationID), zap.Error(mErr))
			}
			d.metrics.NotificationResults.WithLabelValues(string(n.Channel), "sent").Inc()
			d.logger.Debug("notification delivered",
				zap.String("notification_id", n.NotificationID),
				zap.String("delivery_id", deliveryID))
			cancel()
			return
		}
		cancel()
		lastErr = err
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	d.dead(ctx, n, lastErr)
}

func (d *Dispatcher) dead(ctx context.Context, n *model.Notification, cause error) {
	if err := d.rec.MarkNotification(ctx, n.NotificationID, model.NotificationDead, d.now()); err != nil {
		d.logger.Warn("mark notification dead", zap.String("notification_id", n.NotificationID), zap.Error(err))
	}
	d.metrics.NotificationResults.WithLabelValues(string(n.Channel), "dead").Inc()
	d.logger.Warn("notification dead-lettered",
		zap.String("notification_id", n.NotificationID),
		zap.String("recipient", n.Recipient),
		zap.Error(cause))
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
