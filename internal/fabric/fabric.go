// Package fabric wires the layers into one client: envelopes are validated,
// signed and policy-gated on the way out; received messages pass token,
// signature, replay and policy checks before any handler sees them.
package fabric

import (
	"context"
	"time"

	"github.com/wesign/a2a-fabric/internal/audit"
	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/idempotency"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/policy"
	"github.com/wesign/a2a-fabric/internal/registry"
	"github.com/wesign/a2a-fabric/internal/security"
	"github.com/wesign/a2a-fabric/internal/transport"
)

// DefaultIdempotencyTTL keeps seen-keys at least as long as the default
// replay freshness window.
const DefaultIdempotencyTTL = 10 * time.Minute

// Options configures a fabric client.
type Options struct {
	// Identity of the agent this client sends as.
	AgentID      string
	AgentType    string
	AgentVersion string
	Tenant       string
	Project      string

	// Signing is the HMAC configuration for outbound and inbound envelopes.
	Signing security.SigningConfig
	// Tokens verifies inbound bearer credentials.
	Tokens security.TokenConfig
	// BearerToken is attached to outbound envelopes as meta.credential.
	BearerToken string
	// Replay bounds accepted envelope timestamps on receive.
	Replay security.ReplayConfig

	// IdempotencyTTL is how long processed keys stay in the seen-set.
	IdempotencyTTL time.Duration

	Clock clock.Clock
}

// Client is the assembled fabric: one agent's handle for sending and
// receiving messages with the full check chain applied.
type Client struct {
	transport *transport.Transport
	reg       registry.Store
	gate      *policy.Gate
	idem      idempotency.Store
	audit     *audit.Log
	validator *envelope.Validator
	log       *logging.Logger
	opts      Options
	clk       clock.Clock
}

// New assembles a client. The registry handle may be nil for agents that
// never discover peers.
func New(t *transport.Transport, reg registry.Store, gate *policy.Gate, idem idempotency.Store, auditLog *audit.Log, log *logging.Logger, opts Options) *Client {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultIdempotencyTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		transport: t,
		reg:       reg,
		gate:      gate,
		idem:      idem,
		audit:     auditLog,
		validator: envelope.NewValidator(envelope.Options{}),
		log:       log.Component("fabric"),
		opts:      opts,
		clk:       clk,
	}
}

// NewEnvelope builds an envelope from this client's identity.
func (c *Client) NewEnvelope(typ envelope.Type, to []envelope.Recipient, payload map[string]any) *envelope.Envelope {
	return envelope.New(typ, c.self(), to, c.opts.Tenant, c.opts.Project, payload, c.clk.Now())
}

// NewReply builds a response correlated to req, with reply_to and trace_id
// carried over.
func (c *Client) NewReply(req *envelope.Envelope, typ envelope.Type, payload map[string]any) *envelope.Envelope {
	return envelope.Reply(req, typ, c.self(), payload, c.clk.Now())
}

func (c *Client) self() envelope.AgentRef {
	return envelope.AgentRef{ID: c.opts.AgentID, Type: c.opts.AgentType, Version: c.opts.AgentVersion}
}

// Send validates, signs, attaches the bearer credential, passes the pre-send
// policy gate, and publishes. On any failure nothing reaches the topic.
func (c *Client) Send(ctx context.Context, topic string, e *envelope.Envelope) (string, error) {
	if res := c.validator.Validate(e); !res.Valid {
		return "", res.Err()
	}

	sig, err := security.SignEnvelope(e, c.opts.Signing)
	if err != nil {
		return "", err
	}
	e.Meta.Signature = sig
	if c.opts.BearerToken != "" {
		e.Meta.Credential = c.opts.BearerToken
	}

	if err := c.gate.CheckPreSend(ctx, e); err != nil {
		c.log.Warn("send blocked", "topic", topic, "trace_id", e.Meta.TraceID, "error", err)
		return "", err
	}
	return c.transport.Publish(ctx, topic, e)
}

// Handler processes one verified envelope. A non-nil error nacks the
// delivery for redelivery; nil acks it and marks the key processed.
type Handler func(ctx context.Context, e *envelope.Envelope) error

// SubscribeOptions configures a fabric subscription.
type SubscribeOptions struct {
	Group    string
	Consumer string
	// MaxPending caps unacked deliveries; zero uses the transport default.
	MaxPending int
	// RequiredScope must be granted by the sender's bearer token. Empty
	// requires only a valid token.
	RequiredScope string
}

// Subscribe attaches a handler behind the full inbound check chain: bearer
// token, scope, signature, replay window, post-receive policy, idempotency.
// Rejected messages go to the DLQ under their error code; policy-engine
// outages nack for redelivery instead.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (*transport.Subscription, error) {
	return c.transport.Subscribe(ctx, topic, func(ctx context.Context, d *transport.Delivery) {
		c.receive(ctx, d, handler, opts)
	}, transport.SubscribeOptions{
		Group:            opts.Group,
		Consumer:         opts.Consumer,
		MaxPending:       opts.MaxPending,
		CheckIdempotency: c.idem.Seen,
	})
}

func (c *Client) receive(ctx context.Context, d *transport.Delivery, handler Handler, opts SubscribeOptions) {
	e := d.Envelope

	claims, err := c.verifyInbound(e, opts.RequiredScope)
	if err != nil {
		code := errcode.CodeOf(err)
		c.audit.Rejection(e.Meta.TraceID, code, err.Error())
		d.Reject(string(code))
		return
	}

	if err := c.gate.CheckPostReceive(ctx, e, claims); err != nil {
		code := errcode.CodeOf(err)
		c.audit.Rejection(e.Meta.TraceID, code, err.Error())
		if errcode.Retriable(err) {
			// The engine may come back; keep the message redeliverable.
			d.Nack()
			return
		}
		d.Reject(string(code))
		return
	}

	if err := handler(ctx, e); err != nil {
		c.log.Warn("handler failed, message will be redelivered",
			"topic", d.Topic, "trace_id", e.Meta.TraceID, "error", err)
		d.Nack()
		return
	}

	if err := c.idem.MarkSeen(ctx, e.DedupKey(), c.opts.IdempotencyTTL); err != nil {
		c.log.Warn("mark seen failed", "trace_id", e.Meta.TraceID, "error", err)
	}
	d.Ack()
}

// verifyInbound runs the security checks in order: credential, scope,
// signature, replay window.
func (c *Client) verifyInbound(e *envelope.Envelope, requiredScope string) (*security.Claims, error) {
	if e.Meta.Credential == "" {
		return nil, errcode.New(errcode.JWTInvalid, "envelope carries no credential")
	}
	claims, err := security.VerifyBearer(e.Meta.Credential, c.opts.Tokens)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !security.HasScope(claims.Scopes, requiredScope) {
		return nil, errcode.Newf(errcode.JWTInvalidClaims, "token lacks scope %q", requiredScope)
	}

	if err := security.VerifyEnvelope(e, e.Meta.Signature, c.opts.Signing); err != nil {
		return nil, err
	}
	if err := security.CheckReplayProtection(e, c.opts.Replay); err != nil {
		return nil, err
	}
	return claims, nil
}

// Discover delegates to the registry.
func (c *Client) Discover(ctx context.Context, f registry.Filters) (registry.Page, error) {
	if c.reg == nil {
		return registry.Page{}, errcode.New(errcode.RegistryUnavailable, "no registry configured")
	}
	return c.reg.Discover(ctx, f)
}

// Close releases the client's subscriptions and the idempotency store.
func (c *Client) Close(ctx context.Context) error {
	if err := c.transport.Close(ctx); err != nil {
		return err
	}
	return c.idem.Close()
}
