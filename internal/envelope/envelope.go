// Package envelope defines the canonical A2A message shape, its closed type
// set, wire validation, and the canonical JSON form used for signing.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only accepted a2a_version value.
const Version = "1.0"

// Type identifies the payload schema of an envelope.
type Type string

const (
	TypeTaskRequest                  Type = "TaskRequest"
	TypeTaskResult                   Type = "TaskResult"
	TypeMemoryEvent                  Type = "MemoryEvent"
	TypeContextRequest               Type = "ContextRequest"
	TypeContextResult                Type = "ContextResult"
	TypeSpecialistInvocationRequest  Type = "SpecialistInvocationRequest"
	TypeSpecialistInvocationResult   Type = "SpecialistInvocationResult"
	TypeRegistryHeartbeat            Type = "RegistryHeartbeat"
	TypeRegistryDiscoveryRequest     Type = "RegistryDiscoveryRequest"
	TypeRegistryDiscoveryResponse    Type = "RegistryDiscoveryResponse"
	TypeSystemEvent                  Type = "SystemEvent"
	TypeSpecialistEventNotification  Type = "SpecialistEventNotification"
)

// Priority orders envelopes for handlers that care. Advisory only.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// wireTimeFormat is ISO-8601 UTC with millisecond precision.
const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp is a wire timestamp. It marshals as ISO-8601 UTC with exactly
// millisecond precision and accepts any RFC 3339 input.
type Timestamp struct {
	time.Time
}

// At truncates t to the wire precision.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(wireTimeFormat) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(wireTimeFormat)
}

// AgentRef identifies a sender or direct recipient agent.
type AgentRef struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// RecipientTopic is the recipient type marking a topic reference.
const RecipientTopic = "topic"

// Recipient is one entry of meta.to: either a direct agent reference
// {id, type, version} or a topic reference {type:"topic", name}.
type Recipient struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IsTopic reports whether the recipient is a topic reference.
func (r Recipient) IsTopic() bool { return r.Type == RecipientTopic }

// ToAgent builds a direct recipient.
func ToAgent(id, typ, version string) Recipient {
	return Recipient{ID: id, Type: typ, Version: version}
}

// ToTopic builds a topic recipient.
func ToTopic(name string) Recipient {
	return Recipient{Type: RecipientTopic, Name: name}
}

// Meta is the envelope header common to all types.
type Meta struct {
	A2AVersion     string         `json:"a2a_version" validate:"required,eq=1.0"`
	MessageID      string         `json:"message_id" validate:"required,msgid"`
	TraceID        string         `json:"trace_id" validate:"required"`
	TS             Timestamp      `json:"ts" validate:"-"`
	From           AgentRef       `json:"from" validate:"-"`
	To             []Recipient    `json:"to" validate:"-"`
	Tenant         string         `json:"tenant" validate:"required"`
	Project        string         `json:"project" validate:"required"`
	Type           Type           `json:"type" validate:"-"`
	ReplyTo        string         `json:"reply_to,omitempty" validate:"-"`
	CorrelationID  string         `json:"correlation_id,omitempty" validate:"-"`
	Priority       Priority       `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"-"`
	Deadline       *Timestamp     `json:"deadline,omitempty" validate:"-"`
	RetryPolicy    map[string]any `json:"retry_policy,omitempty" validate:"-"`

	// Credential carries the sender's bearer token; Signature the HMAC over
	// the canonical form. Both are attached after signing and excluded from
	// the signed bytes.
	Credential string `json:"credential,omitempty" validate:"-"`
	Signature  string `json:"signature,omitempty" validate:"-"`
}

// Envelope is the outer message structure exchanged between agents.
type Envelope struct {
	Meta    Meta           `json:"meta"`
	Payload map[string]any `json:"payload"`
}

// NewMessageID returns a fresh 32-char lowercase hex message id.
func NewMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// New builds an envelope with version, message id and timestamp filled in.
// trace_id defaults to the message id when empty.
func New(typ Type, from AgentRef, to []Recipient, tenant, project string, payload map[string]any, now time.Time) *Envelope {
	id := NewMessageID()
	return &Envelope{
		Meta: Meta{
			A2AVersion: Version,
			MessageID:  id,
			TraceID:    id,
			TS:         At(now),
			From:       from,
			To:         to,
			Tenant:     tenant,
			Project:    project,
			Type:       typ,
		},
		Payload: payload,
	}
}

// Reply builds a response envelope correlated to req: reply_to is the
// request's message_id and trace_id is copied verbatim.
func Reply(req *Envelope, typ Type, from AgentRef, payload map[string]any, now time.Time) *Envelope {
	resp := New(typ, from, []Recipient{ToAgent(req.Meta.From.ID, req.Meta.From.Type, req.Meta.From.Version)},
		req.Meta.Tenant, req.Meta.Project, payload, now)
	resp.Meta.ReplyTo = req.Meta.MessageID
	resp.Meta.TraceID = req.Meta.TraceID
	resp.Meta.CorrelationID = req.Meta.CorrelationID
	return resp
}

// DedupKey returns the idempotency key for the envelope: the sender-supplied
// key when present, otherwise SHA-256(message_id || trace_id || ts || from.id)
// hex-encoded. Stable across retries of the same logical message.
func (e *Envelope) DedupKey() string {
	if e.Meta.IdempotencyKey != "" {
		return e.Meta.IdempotencyKey
	}
	h := sha256.Sum256([]byte(e.Meta.MessageID + e.Meta.TraceID + e.Meta.TS.String() + e.Meta.From.ID))
	return hex.EncodeToString(h[:])
}

// Encode serializes the envelope to wire JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses wire JSON into an envelope. It does not validate; callers
// that need validation run the decoded envelope through a Validator.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// knownTypes is the closed envelope type set.
var knownTypes = map[Type]bool{
	TypeTaskRequest:                 true,
	TypeTaskResult:                  true,
	TypeMemoryEvent:                 true,
	TypeContextRequest:              true,
	TypeContextResult:               true,
	TypeSpecialistInvocationRequest: true,
	TypeSpecialistInvocationResult:  true,
	TypeRegistryHeartbeat:           true,
	TypeRegistryDiscoveryRequest:    true,
	TypeRegistryDiscoveryResponse:   true,
	TypeSystemEvent:                 true,
	TypeSpecialistEventNotification: true,
}

// KnownType reports whether t belongs to the closed type set.
func KnownType(t Type) bool { return knownTypes[t] }
