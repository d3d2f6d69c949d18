// Package bus is the ingest event log: a durable append-only stream on
// Redis Streams with consumer groups, per-entry acknowledgment, stale-claim
// takeover, a dead-letter stream, replay by ID range, and a TTL-bounded
// deduplication index keyed by content fingerprint.
//
// The dedup index is probabilistic only — a fingerprint recorded without a
// successful append simply expires, and eviction causes at worst a rare
// duplicate that the event_id uniqueness constraint in the relational store
// absorbs.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

const (
	streamKey   = "skytrace:events"
	dlqKey      = "skytrace:events:dlq"
	group       = "processors"
	dedupPrefix = "skytrace:dedup:"
)

// ErrDuplicate is returned by Publish when the event's fingerprint is
// already in the dedup window. The log is left untouched.
var ErrDuplicate = errors.New("duplicate")

// Envelope is one delivered log entry.
type Envelope struct {
	IngestID   string
	Event      model.CanonicalEvent
	IngestedAt time.Time
	Deliveries int64
}

// Info is the operator-facing state of the log, served at
// /events/stream/info.
type Info struct {
	Length    int64       `json:"length"`
	Pending   int64       `json:"pending"`
	DLQLength int64       `json:"dlq_length"`
	Groups    []GroupInfo `json:"groups"`
}

// GroupInfo summarizes one consumer group.
type GroupInfo struct {
	Name      string `json:"name"`
	Consumers int64  `json:"consumers"`
	Pending   int64  `json:"pending"`
	LastID    string `json:"last_delivered_id"`
}

// PublishOutcome is the per-event result of a batch publish.
type PublishOutcome struct {
	EventID   string `json:"event_id"`
	IngestID  string `json:"ingest_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Err       error  `json:"-"`
}

// Options tune the log.
type Options struct {
	DedupTTL time.Duration
	MaxLen   int64
}

// Bus is the Redis Streams event log.
type Bus struct {
	rdb    *redis.Client
	opts   Options
	logger *zap.Logger
}

// New wires the log onto an existing Redis client and ensures the consumer
// group exists.
func New(ctx context.Context, rdb *redis.Client, opts Options, logger *zap.Logger) (*Bus, error) {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 5 * time.Minute
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 100000
	}
	b := &Bus{rdb: rdb, opts: opts, logger: logger.Named("bus")}

	err := rdb.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, faults.Wrapf(faults.Fatal, "create consumer group: %w", err)
	}
	return b, nil
}

// Fingerprint is the content hash the dedup window is keyed on.
func Fingerprint(ev *model.CanonicalEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", ev.BagTag, ev.Location,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.EventType)
	return hex.EncodeToString(h.Sum(nil))
}

// Publish appends one event unless its fingerprint is inside the dedup
// window, in which case ErrDuplicate is returned and the log length is
// unchanged. The returned string is the ingest ID of the appended entry.
func (b *Bus) Publish(ctx context.Context, ev *model.CanonicalEvent) (string, error) {
	fresh, err := b.rdb.SetNX(ctx, dedupPrefix+Fingerprint(ev), ev.EventID, b.opts.DedupTTL).Result()
	if err != nil {
		return "", faults.Wrapf(faults.Transient, "dedup index: %w", err)
	}
	if !fresh {
		return "", ErrDuplicate
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", faults.Wrapf(faults.Permanent, "encode event %s: %w", ev.EventID, err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": data, "type": string(ev.EventType)},
	}).Result()
	if err != nil {
		// The fingerprint stays behind and expires; the producer retries.
		return "", faults.Wrapf(faults.Transient, "append: %w", err)
	}
	return id, nil
}

// PublishBatch publishes each event independently against the dedup index
// and reports a per-event outcome.
func (b *Bus) PublishBatch(ctx context.Context, events []*model.CanonicalEvent) []PublishOutcome {
	outcomes := make([]PublishOutcome, 0, len(events))
	for _, ev := range events {
		out := PublishOutcome{EventID: ev.EventID}
		id, err := b.Publish(ctx, ev)
		switch {
		case errors.Is(err, ErrDuplicate):
			out.Duplicate = true
		case err != nil:
			out.Err = err
		default:
			out.IngestID = id
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Consume blocks up to block waiting for new entries for the named
// consumer. A timeout returns an empty slice, not an error.
func (b *Bus) Consume(ctx context.Context, consumer string, max int64, block time.Duration) ([]Envelope, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "consume: %w", err)
	}

	var envelopes []Envelope
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			env, err := b.envelope(msg, 1)
			if err != nil {
				// Undecodable entries go straight to the dead-letter stream.
				b.logger.Warn("dead-lettering undecodable entry",
					zap.String("ingest_id", msg.ID), zap.Error(err))
				_ = b.MoveToDLQ(ctx, msg.ID, "undecodable: "+err.Error())
				continue
			}
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

// Ack removes an entry from the group's pending set.
func (b *Bus) Ack(ctx context.Context, ingestID string) error {
	if err := b.rdb.XAck(ctx, streamKey, group, ingestID).Err(); err != nil {
		return faults.Wrapf(faults.Transient, "ack %s: %w", ingestID, err)
	}
	return nil
}

// ClaimStale reassigns entries whose previous owner has been idle longer
// than minIdle to the named consumer and returns them for processing. The
// delivery counter on the returned envelopes reflects the redelivery.
func (b *Bus) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration) ([]Envelope, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "claim stale: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	deliveries := b.deliveryCounts(ctx, msgs)
	var envelopes []Envelope
	for _, msg := range msgs {
		count := deliveries[msg.ID]
		if count == 0 {
			count = 2 // claimed at least once after the original delivery
		}
		env, err := b.envelope(msg, count)
		if err != nil {
			_ = b.MoveToDLQ(ctx, msg.ID, "undecodable: "+err.Error())
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (b *Bus) deliveryCounts(ctx context.Context, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		b.logger.Warn("pending lookup failed", zap.Error(err))
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// MoveToDLQ transfers an entry to the dead-letter stream with its original
// payload plus the reason, then acks it on the source stream. The DLQ is
// unbounded; operators drain it manually.
func (b *Bus) MoveToDLQ(ctx context.Context, ingestID, reason string) error {
	entries, err := b.rdb.XRange(ctx, streamKey, ingestID, ingestID).Result()
	if err != nil {
		return faults.Wrapf(faults.Transient, "read %s for dlq: %w", ingestID, err)
	}

	values := map[string]interface{}{
		"original_id": ingestID,
		"reason":      reason,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(entries) > 0 {
		for k, v := range entries[0].Values {
			values[k] = v
		}
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: dlqKey, Values: values}).Err(); err != nil {
		return faults.Wrapf(faults.Transient, "append to dlq: %w", err)
	}
	return b.Ack(ctx, ingestID)
}

// Replay reads entries in [start, end] without consuming or acking them.
// Empty bounds select the whole log.
func (b *Bus) Replay(ctx context.Context, start, end string, max int64) ([]Envelope, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	if max <= 0 {
		max = 100
	}
	entries, err := b.rdb.XRangeN(ctx, streamKey, start, end, max).Result()
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "replay: %w", err)
	}

	envelopes := make([]Envelope, 0, len(entries))
	for _, msg := range entries {
		env, err := b.envelope(msg, 0)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// StreamInfo reports log length, pending counts, and group state.
func (b *Bus) StreamInfo(ctx context.Context) (*Info, error) {
	length, err := b.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "stream info: %w", err)
	}
	dlqLen, _ := b.rdb.XLen(ctx, dlqKey).Result()

	info := &Info{Length: length, DLQLength: dlqLen}
	groups, err := b.rdb.XInfoGroups(ctx, streamKey).Result()
	if err == nil {
		for _, g := range groups {
			info.Groups = append(info.Groups, GroupInfo{
				Name:      g.Name,
				Consumers: g.Consumers,
				Pending:   g.Pending,
				LastID:    g.LastDeliveredID,
			})
			info.Pending += g.Pending
		}
	}
	return info, nil
}

// DLQLength returns the dead-letter stream depth.
func (b *Bus) DLQLength(ctx context.Context) (int64, error) {
	n, err := b.rdb.XLen(ctx, dlqKey).Result()
	if err != nil {
		return 0, faults.Wrapf(faults.Transient, "dlq length: %w", err)
	}
	return n, nil
}

func (b *Bus) envelope(msg redis.XMessage, deliveries int64) (Envelope, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("entry %s has no event field", msg.ID)
	}
	var ev model.CanonicalEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Envelope{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return Envelope{
		IngestID:   msg.ID,
		Event:      ev,
		IngestedAt: ingestTime(msg.ID),
		Deliveries: deliveries,
	}, nil
}

// ingestTime recovers the append time from the millisecond prefix of a
// stream ID.
func ingestTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
