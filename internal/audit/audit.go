// Package audit records policy decisions and security rejections. Entries go
// to the structured log keyed by trace_id so a message's path through the
// fabric can be reconstructed.
package audit

import (
	"strings"

	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/metrics"
)

// Stages a policy decision can belong to.
const (
	StagePreSend     = "pre_send"
	StagePostReceive = "post_receive"
)

// Log writes audit entries.
type Log struct {
	log *logging.Logger
}

// New creates an audit log on top of the process logger.
func New(log *logging.Logger) *Log {
	return &Log{log: log.Component("audit")}
}

// Decision records one policy gate outcome.
func (l *Log) Decision(stage, traceID string, allow bool, reasons []string) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	metrics.PolicyDecisions.WithLabelValues(stage, decision).Inc()
	l.log.Info("policy decision",
		"stage", stage,
		"trace_id", traceID,
		"decision", decision,
		"reasons", strings.Join(reasons, "; "))
}

// Rejection records a message refused by the security layer.
func (l *Log) Rejection(traceID string, code errcode.Code, reason string) {
	metrics.SecurityRejections.WithLabelValues(string(code)).Inc()
	l.log.Warn("message rejected",
		"trace_id", traceID,
		"code", string(code),
		"reason", reason)
}
