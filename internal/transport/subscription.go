package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/metrics"
)

// Dead-letter reasons the transport emits on its own.
const (
	ReasonSchemaInvalid   = "schema_invalid"
	ReasonMaxRedeliveries = "max_redeliveries"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Group    string
	Consumer string
	// MaxPending is the backpressure ceiling: once this many deliveries are
	// unacked the subscription stops claiming until the count falls below
	// LowWater. Defaults to the transport's DefaultMaxPending.
	MaxPending int
	// LowWater defaults to MaxPending/2.
	LowWater int
	// CheckIdempotency, when set, is consulted with the envelope's
	// idempotency key before the handler runs. A true return means "already
	// processed": the message is silently acked and the handler is skipped.
	CheckIdempotency func(ctx context.Context, key string) (bool, error)
}

// Handler processes one delivery. It must settle the delivery by calling
// exactly one of Ack, Nack or Reject; an unsettled delivery is redelivered
// after the reclaim idle period, like a crashed consumer's.
type Handler func(ctx context.Context, d *Delivery)

// Delivery is one message handed to a Handler.
type Delivery struct {
	Envelope *envelope.Envelope
	Topic    string
	StreamID string
	// DeliveryCount is 1 on first delivery and grows with each reclaim.
	DeliveryCount int64

	sub     *Subscription
	settled atomic.Bool
}

// Ack removes the message from the group's pending set.
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	err := d.sub.t.rdb.XAck(context.Background(), d.Topic, d.sub.opts.Group, d.StreamID).Err()
	d.sub.settle("ack")
	return err
}

// Nack returns the message for later redelivery to any consumer in the
// group. It does not count against the DLQ.
func (d *Delivery) Nack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	// The entry stays in the pending list; it becomes claimable once its
	// idle time exceeds the reclaim threshold.
	d.sub.settle("nack")
	return nil
}

// Reject dead-letters the message with a reason and removes it from the
// pending set.
func (d *Delivery) Reject(reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	raw, err := d.Envelope.Encode()
	if err == nil {
		err = d.sub.deadLetter(context.Background(), raw, reason, d.DeliveryCount)
	}
	if ackErr := d.sub.t.rdb.XAck(context.Background(), d.Topic, d.sub.opts.Group, d.StreamID).Err(); err == nil {
		err = ackErr
	}
	d.sub.settle("reject")
	return err
}

// Subscription is one consumer's attachment to a topic.
type Subscription struct {
	t       *Transport
	topic   string
	opts    SubscribeOptions
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	pending  int
	paused   bool
	resumeCh chan struct{}
}

// Unsubscribe stops fetching, drains in-flight handlers, and releases the
// consumer name when nothing is left pending. Unacked messages reappear for
// the group per at-least-once.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.t.forget(s)

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == 0 {
		// Deleting a consumer drops its pending entries, so only release
		// the name once everything is settled.
		if err := s.t.rdb.XGroupDelConsumer(ctx, s.topic, s.opts.Group, s.opts.Consumer).Err(); err != nil {
			s.t.log.Warn("release consumer name", "topic", s.topic, "consumer", s.opts.Consumer, "error", err)
		}
	}
	metrics.PendingMessages.WithLabelValues(s.topic, s.opts.Group).Set(0)
	s.t.log.Info("unsubscribed", "topic", s.topic, "group", s.opts.Group, "consumer", s.opts.Consumer)
	return nil
}

// run is the fetcher loop: reclaim stale pending entries, then read new
// ones, respecting the backpressure window. On backend errors it stays in a
// reconnecting state and resumes from the group's last position.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		slots := s.waitCapacity(ctx)
		if slots <= 0 {
			return
		}

		delivered := s.reclaim(ctx, slots)

		if delivered < slots {
			streams, err := s.t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    s.opts.Group,
				Consumer: s.opts.Consumer,
				Streams:  []string{s.topic, ">"},
				Count:    int64(slots - delivered),
				Block:    -1,
			}).Result()
			switch {
			case err == redis.Nil:
				// nothing new
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				s.t.log.Warn("fetch failed, retrying", "topic", s.topic, "error", err)
			default:
				for _, stream := range streams {
					for _, msg := range stream.Messages {
						s.dispatch(ctx, msg, 1)
						delivered++
					}
				}
			}
		}

		if delivered == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.t.clk.After(s.t.opts.PollInterval):
			}
		}
	}
}

// reclaim redelivers messages other consumers (or a prior run of this one)
// left unacked beyond the idle threshold. Returns how many were dispatched.
func (s *Subscription) reclaim(ctx context.Context, slots int) int {
	pend, err := s.t.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.topic,
		Group:  s.opts.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(slots),
	}).Result()
	if err != nil || len(pend) == 0 {
		return 0
	}

	counts := make(map[string]int64, len(pend))
	var ids []string
	for _, p := range pend {
		if p.Idle < s.t.opts.ReclaimMinIdle {
			continue
		}
		counts[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return 0
	}

	claimed, err := s.t.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.topic,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.t.opts.ReclaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.t.log.Warn("reclaim failed", "topic", s.topic, "error", err)
		}
		return 0
	}

	for _, msg := range claimed {
		// The claim itself is a fresh delivery on top of the recorded count.
		s.dispatch(ctx, msg, counts[msg.ID]+1)
	}
	return len(claimed)
}

// dispatch validates, deduplicates, and hands one message to the handler.
func (s *Subscription) dispatch(ctx context.Context, msg redis.XMessage, deliveryCount int64) {
	payload, _ := msg.Values["payload"].(string)

	var env *envelope.Envelope
	if s.t.opts.ValidateOnSubscribe {
		e, res := s.t.validator.ValidateBytes([]byte(payload))
		if !res.Valid {
			s.rejectStored(ctx, msg.ID, []byte(payload), ReasonSchemaInvalid, deliveryCount)
			return
		}
		env = e
	} else {
		e, err := envelope.Decode([]byte(payload))
		if err != nil {
			s.rejectStored(ctx, msg.ID, []byte(payload), ReasonSchemaInvalid, deliveryCount)
			return
		}
		env = e
	}

	if s.t.opts.MaxRedeliveries > 0 && deliveryCount > s.t.opts.MaxRedeliveries {
		s.rejectStored(ctx, msg.ID, []byte(payload), ReasonMaxRedeliveries, deliveryCount)
		return
	}

	if s.opts.CheckIdempotency != nil {
		dup, err := s.opts.CheckIdempotency(ctx, env.DedupKey())
		if err != nil {
			s.t.log.Warn("idempotency check failed, delivering anyway", "topic", s.topic, "error", err)
		} else if dup {
			s.t.log.Debug("duplicate suppressed",
				"topic", s.topic,
				"code", string(errcode.Duplicate),
				"message_id", env.Meta.MessageID)
			if err := s.t.rdb.XAck(ctx, s.topic, s.opts.Group, msg.ID).Err(); err != nil {
				s.t.log.Warn("ack duplicate", "topic", s.topic, "error", err)
			}
			metrics.DuplicatesTotal.WithLabelValues(s.topic).Inc()
			return
		}
	}

	s.addPending()
	d := &Delivery{
		Envelope:      env,
		Topic:         s.topic,
		StreamID:      msg.ID,
		DeliveryCount: deliveryCount,
		sub:           s,
	}
	metrics.DeliveriesTotal.WithLabelValues(s.topic).Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handler(ctx, d)
	}()
}

// rejectStored dead-letters a message the handler never saw (schema failure
// or redelivery ceiling) straight from its stored bytes.
func (s *Subscription) rejectStored(ctx context.Context, streamID string, raw []byte, reason string, deliveryCount int64) {
	if err := s.deadLetter(ctx, raw, reason, deliveryCount); err != nil {
		s.t.log.Error("dead-letter failed", "topic", s.topic, "reason", reason, "error", err)
		return
	}
	if err := s.t.rdb.XAck(ctx, s.topic, s.opts.Group, streamID).Err(); err != nil {
		s.t.log.Warn("ack after dead-letter", "topic", s.topic, "error", err)
	}
	metrics.AcksTotal.WithLabelValues(s.topic, "reject").Inc()
}

func (s *Subscription) deadLetter(ctx context.Context, raw []byte, reason string, deliveryCount int64) error {
	rec := DLQRecord{
		Envelope:      raw,
		Reason:        reason,
		RejectedBy:    s.opts.Consumer,
		RejectedAt:    envelope.At(s.t.clk.Now()),
		DeliveryCount: deliveryCount,
	}
	if err := appendDLQ(ctx, s.t.rdb, s.topic, rec); err != nil {
		return err
	}
	metrics.DLQTotal.WithLabelValues(s.topic, reason).Inc()
	return nil
}

func (s *Subscription) addPending() {
	s.mu.Lock()
	s.pending++
	metrics.PendingMessages.WithLabelValues(s.topic, s.opts.Group).Set(float64(s.pending))
	s.mu.Unlock()
}

// settle releases a pending slot and wakes the fetcher once the count drops
// below the low-water mark.
func (s *Subscription) settle(kind string) {
	s.mu.Lock()
	s.pending--
	metrics.PendingMessages.WithLabelValues(s.topic, s.opts.Group).Set(float64(s.pending))
	if s.resumeCh != nil && s.pending < s.opts.LowWater {
		close(s.resumeCh)
		s.resumeCh = nil
	}
	s.mu.Unlock()
	metrics.AcksTotal.WithLabelValues(s.topic, kind).Inc()
}

// waitCapacity blocks while the pending count sits at or above MaxPending.
// Returns the number of claimable slots, or 0 when the subscription is
// shutting down.
func (s *Subscription) waitCapacity(ctx context.Context) int {
	for {
		s.mu.Lock()
		if s.pending < s.opts.MaxPending {
			if s.paused {
				s.paused = false
				metrics.SubscriptionPaused.WithLabelValues(s.topic, s.opts.Group).Set(0)
			}
			slots := s.opts.MaxPending - s.pending
			s.mu.Unlock()
			return slots
		}
		if s.resumeCh == nil {
			s.resumeCh = make(chan struct{})
		}
		ch := s.resumeCh
		if !s.paused {
			s.paused = true
			metrics.SubscriptionPaused.WithLabelValues(s.topic, s.opts.Group).Set(1)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0
		case <-ch:
		}
	}
}
