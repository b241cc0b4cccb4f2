package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
)

// DLQRecord is one dead-lettered message: the original envelope plus why,
// who, and when it was rejected.
type DLQRecord struct {
	Envelope      json.RawMessage    `json:"envelope"`
	Reason        string             `json:"reason"`
	RejectedBy    string             `json:"rejected_by"`
	RejectedAt    envelope.Timestamp `json:"rejected_at"`
	DeliveryCount int64              `json:"delivery_count,omitempty"`
}

func appendDLQ(ctx context.Context, rdb *redis.Client, topic string, rec DLQRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}
	err = rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: envelope.DLQTopic(topic),
		Values: map[string]any{"payload": string(data)},
	}).Err()
	if err != nil {
		return errcode.Wrap(errcode.TransportUnavailable, err)
	}
	return nil
}

// DLQ inspects and services dead-letter topics.
type DLQ struct {
	rdb *redis.Client
}

// NewDLQ creates a DLQ helper over an existing Redis client.
func NewDLQ(rdb *redis.Client) *DLQ {
	return &DLQ{rdb: rdb}
}

// Depth returns the number of records on a topic's DLQ.
func (d *DLQ) Depth(ctx context.Context, topic string) (int64, error) {
	n, err := d.rdb.XLen(ctx, envelope.DLQTopic(topic)).Result()
	if err != nil {
		return 0, errcode.Wrap(errcode.TransportUnavailable, err)
	}
	return n, nil
}

// List returns up to limit records from a topic's DLQ, oldest first.
// A limit of 0 returns everything.
func (d *DLQ) List(ctx context.Context, topic string, limit int64) ([]DLQRecord, error) {
	msgs, err := d.rangeDLQ(ctx, envelope.DLQTopic(topic), limit)
	if err != nil {
		return nil, err
	}
	records := make([]DLQRecord, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		var rec DLQRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("corrupt dlq record %s: %w", msg.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Drain removes up to limit records from a topic's DLQ and returns them.
// A limit of 0 drains everything.
func (d *DLQ) Drain(ctx context.Context, topic string, limit int64) ([]DLQRecord, error) {
	dlqTopic := envelope.DLQTopic(topic)
	msgs, err := d.rangeDLQ(ctx, dlqTopic, limit)
	if err != nil {
		return nil, err
	}
	records := make([]DLQRecord, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		var rec DLQRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return records, fmt.Errorf("corrupt dlq record %s: %w", msg.ID, err)
		}
		if err := d.rdb.XDel(ctx, dlqTopic, msg.ID).Err(); err != nil {
			return records, errcode.Wrap(errcode.TransportUnavailable, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Requeue moves up to limit dead-lettered envelopes back onto their origin
// topic and returns how many were requeued. Records whose envelope no longer
// parses are left in place.
func (d *DLQ) Requeue(ctx context.Context, topic string, limit int64) (int, error) {
	dlqTopic := envelope.DLQTopic(topic)
	msgs, err := d.rangeDLQ(ctx, dlqTopic, limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		var rec DLQRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		if _, err := envelope.Decode(rec.Envelope); err != nil {
			continue
		}
		err := d.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]any{"payload": string(rec.Envelope)},
		}).Err()
		if err != nil {
			return requeued, errcode.Wrap(errcode.TransportUnavailable, err)
		}
		if err := d.rdb.XDel(ctx, dlqTopic, msg.ID).Err(); err != nil {
			return requeued, errcode.Wrap(errcode.TransportUnavailable, err)
		}
		requeued++
	}
	return requeued, nil
}

func (d *DLQ) rangeDLQ(ctx context.Context, dlqTopic string, limit int64) ([]redis.XMessage, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = d.rdb.XRangeN(ctx, dlqTopic, "-", "+", limit).Result()
	} else {
		msgs, err = d.rdb.XRange(ctx, dlqTopic, "-", "+").Result()
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportUnavailable, err)
	}
	return msgs, nil
}
