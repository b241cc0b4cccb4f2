package policy

import (
	"context"
	"strings"

	"github.com/wesign/a2a-fabric/internal/audit"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/security"
)

// Gate runs the pre-send and post-receive policy checks. Failure mode is
// closed: when the engine cannot answer, the message does not pass.
type Gate struct {
	client   *Client
	audit    *audit.Log
	disabled bool
}

// GateOptions configures a Gate.
type GateOptions struct {
	// Disabled bypasses the engine entirely; every check allows.
	Disabled bool
}

// NewGate creates a Gate. The client may be nil only when Disabled is set.
func NewGate(client *Client, auditLog *audit.Log, opts GateOptions) *Gate {
	return &Gate{client: client, audit: auditLog, disabled: opts.Disabled}
}

// CheckPreSend gates an envelope before it is published. A nil return means
// the send may proceed.
func (g *Gate) CheckPreSend(ctx context.Context, e *envelope.Envelope) error {
	return g.check(ctx, audit.StagePreSend, e.Meta.TraceID, map[string]any{"envelope": e})
}

// CheckPostReceive gates a received envelope together with the sender's
// verified claims, before the handler runs.
func (g *Gate) CheckPostReceive(ctx context.Context, e *envelope.Envelope, claims *security.Claims) error {
	return g.check(ctx, audit.StagePostReceive, e.Meta.TraceID, map[string]any{
		"envelope": e,
		"claims":   claims,
	})
}

func (g *Gate) check(ctx context.Context, stage, traceID string, input map[string]any) error {
	if g.disabled {
		g.audit.Decision(stage, traceID, true, []string{"policy disabled"})
		return nil
	}
	input["stage"] = stage

	dec, err := g.client.Evaluate(ctx, input)
	if err != nil {
		g.audit.Decision(stage, traceID, false, []string{"policy engine unavailable"})
		return err
	}
	g.audit.Decision(stage, traceID, dec.Allow, dec.Reasons)
	if !dec.Allow {
		reason := strings.Join(dec.Reasons, "; ")
		if reason == "" {
			reason = "denied by policy"
		}
		return errcode.New(errcode.PolicyDeny, reason)
	}
	return nil
}
