package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_publishes_total",
		Help: "Total envelopes published, by topic and outcome.",
	}, []string{"topic", "outcome"})
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_deliveries_total",
		Help: "Total envelope deliveries to handlers, by topic.",
	}, []string{"topic"})
	AcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_acks_total",
		Help: "Total message acknowledgements, by topic and kind (ack, nack, reject).",
	}, []string{"topic", "kind"})
	DLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_dlq_total",
		Help: "Total messages dead-lettered, by topic and reason.",
	}, []string{"topic", "reason"})
	PendingMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "a2a_pending_messages",
		Help: "Delivered-but-unacked messages per subscription.",
	}, []string{"topic", "group"})
	SubscriptionPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "a2a_subscription_paused",
		Help: "1 while a subscription is paused for backpressure.",
	}, []string{"topic", "group"})
	DuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_duplicates_total",
		Help: "Envelopes silently acked by the idempotency hook.",
	}, []string{"topic"})
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_policy_decisions_total",
		Help: "Policy gate decisions, by stage and decision.",
	}, []string{"stage", "decision"})
	SecurityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_security_rejections_total",
		Help: "Messages rejected by the security layer, by error code.",
	}, []string{"code"})
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "a2a_registered_agents",
		Help: "Agents currently live in the registry.",
	})
	ExpiredLeases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "a2a_expired_leases_total",
		Help: "Leases reaped by the expiry sweeper.",
	})
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_heartbeats_total",
		Help: "Heartbeats sent, by outcome.",
	}, []string{"outcome"})
	PolicyEngineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "a2a_policy_engine_duration_seconds",
		Help:    "Latency of policy engine evaluations.",
		Buckets: prometheus.DefBuckets,
	})
)
