// Package transport implements durable, at-least-once envelope delivery on
// named topics with consumer-group semantics, explicit acknowledgement, a
// dead-letter queue, and subscriber-side backpressure. Topics are Redis
// streams; each entry carries the serialized envelope in a single "payload"
// field.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/metrics"
)

// Options configures a Transport.
type Options struct {
	// ValidateOnPublish rejects invalid envelopes before append.
	ValidateOnPublish bool
	// ValidateOnSubscribe dead-letters stored bytes that fail validation
	// instead of delivering them.
	ValidateOnSubscribe bool
	// DefaultMaxPending is the per-subscription backpressure ceiling used
	// when SubscribeOptions does not set one. Defaults to 64.
	DefaultMaxPending int
	// MaxRedeliveries auto-rejects a message to the DLQ once its delivery
	// count exceeds this ceiling. Zero disables the ceiling.
	MaxRedeliveries int64
	// ReclaimMinIdle is how long a pending message must sit unacked before
	// another consumer may claim it for redelivery. Defaults to 5s.
	ReclaimMinIdle time.Duration
	// PollInterval is the idle sleep between fetch attempts. Defaults to 100ms.
	PollInterval time.Duration
	// Validator overrides the envelope validator. Defaults to a validator
	// with default options.
	Validator *envelope.Validator
	// Clock overrides the time source. Defaults to the real clock.
	Clock clock.Clock
}

// Transport publishes and subscribes envelopes over a Redis connection.
// Safe for concurrent use; the connection is shared by all publishers, and
// each subscription runs one fetcher goroutine.
type Transport struct {
	rdb       *redis.Client
	log       *logging.Logger
	opts      Options
	validator *envelope.Validator
	clk       clock.Clock

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Transport over an existing Redis client. The caller owns the
// client's lifecycle.
func New(rdb *redis.Client, log *logging.Logger, opts Options) *Transport {
	if opts.DefaultMaxPending <= 0 {
		opts.DefaultMaxPending = 64
	}
	if opts.ReclaimMinIdle <= 0 {
		opts.ReclaimMinIdle = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	v := opts.Validator
	if v == nil {
		v = envelope.NewValidator(envelope.Options{})
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Transport{
		rdb:       rdb,
		log:       log.Component("transport"),
		opts:      opts,
		validator: v,
		clk:       clk,
		subs:      make(map[*Subscription]struct{}),
	}
}

// PublishOptions tunes a single publish.
type PublishOptions struct {
	// PartitionKey is recorded alongside the payload for backends and
	// tooling that shard by key. Redis streams are single-partition, so it
	// does not affect ordering here.
	PartitionKey string
}

// Publish durably appends an envelope to a topic and returns its message_id.
// On any failure nothing is appended. Backend failures surface as
// E_TRANSPORT_UNAVAILABLE; the caller owns retries.
func (t *Transport) Publish(ctx context.Context, topic string, e *envelope.Envelope, opts ...PublishOptions) (string, error) {
	if err := envelope.CheckTopicName(topic); err != nil {
		return "", errcode.Wrap(errcode.ValidationFailed, err)
	}
	if t.opts.ValidateOnPublish {
		if res := t.validator.Validate(e); !res.Valid {
			metrics.PublishesTotal.WithLabelValues(topic, "invalid").Inc()
			return "", res.Err()
		}
	}
	data, err := e.Encode()
	if err != nil {
		return "", errcode.Wrap(errcode.ValidationFailed, err)
	}

	values := map[string]any{"payload": string(data)}
	if len(opts) > 0 && opts[0].PartitionKey != "" {
		values["partition_key"] = opts[0].PartitionKey
	}
	if err := t.rdb.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
		metrics.PublishesTotal.WithLabelValues(topic, "error").Inc()
		return "", errcode.Wrap(errcode.TransportUnavailable, err)
	}

	metrics.PublishesTotal.WithLabelValues(topic, "ok").Inc()
	return e.Meta.MessageID, nil
}

// Subscribe attaches a consumer to a topic. The consumer group is created on
// first use. The provided ctx bounds setup only; the subscription runs until
// Unsubscribe is called.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if err := envelope.CheckTopicName(topic); err != nil {
		return nil, errcode.Wrap(errcode.ValidationFailed, err)
	}
	if opts.Group == "" || opts.Consumer == "" {
		return nil, errcode.New(errcode.ValidationFailed, "consumer group and consumer name are required")
	}
	if handler == nil {
		return nil, errcode.New(errcode.ValidationFailed, "handler is required")
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = t.opts.DefaultMaxPending
	}
	if opts.LowWater <= 0 || opts.LowWater >= opts.MaxPending {
		opts.LowWater = opts.MaxPending / 2
	}
	if opts.LowWater < 1 {
		opts.LowWater = 1
	}

	// Group creation is idempotent; BUSYGROUP means it already exists.
	// Starting at "0" lets the group consume entries appended before the
	// first subscriber arrived.
	err := t.rdb.XGroupCreateMkStream(ctx, topic, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, errcode.Wrap(errcode.TransportUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		t:       t,
		topic:   topic,
		opts:    opts,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, errcode.New(errcode.TransportUnavailable, "transport closed")
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(runCtx)
	t.log.Info("subscribed", "topic", topic, "group", opts.Group, "consumer", opts.Consumer)
	return s, nil
}

// Close drains and detaches every live subscription. The Redis client itself
// is left open for its owner.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) forget(s *Subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}
