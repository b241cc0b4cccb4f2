package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/wesign/a2a-fabric/internal/errcode"
)

func testEnvelope() *Envelope {
	return &Envelope{
		Meta: Meta{
			A2AVersion: Version,
			MessageID:  strings.Repeat("a", 32),
			TraceID:    "trace-1",
			TS:         At(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)),
			From:       AgentRef{ID: "agent-1", Type: "coordinator", Version: "1"},
			To:         []Recipient{ToAgent("agent-2", "specialist", "1")},
			Tenant:     "wesign",
			Project:    "cmo",
			Type:       TypeTaskRequest,
		},
		Payload: map[string]any{
			"task":   "review",
			"inputs": map[string]any{},
		},
	}
}

func TestValidateTaskRequest(t *testing.T) {
	v := NewValidator(Options{})
	res := v.Validate(testEnvelope())
	if !res.Valid {
		t.Fatalf("Valid = false, want true; errors: %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %+v, want none", res.Errors)
	}
}

func TestValidateEmptyTo(t *testing.T) {
	v := NewValidator(Options{})
	e := testEnvelope()
	e.Meta.To = nil

	res := v.Validate(e)
	if res.Valid {
		t.Fatal("Valid = true, want false for empty to")
	}
	if got := errcode.CodeOf(res.Err()); got != errcode.ValidationFailed {
		t.Errorf("code = %q, want %q", got, errcode.ValidationFailed)
	}
	if res.Errors[0].Path != "meta.to" {
		t.Errorf("path = %q, want %q", res.Errors[0].Path, "meta.to")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(e *Envelope)
		path   string
	}{
		{"wrong version", func(e *Envelope) { e.Meta.A2AVersion = "2.0" }, "meta.a2a_version"},
		{"short message id", func(e *Envelope) { e.Meta.MessageID = "abc123" }, "meta.message_id"},
		{"uppercase message id", func(e *Envelope) { e.Meta.MessageID = strings.Repeat("A", 32) }, "meta.message_id"},
		{"missing trace id", func(e *Envelope) { e.Meta.TraceID = "" }, "meta.trace_id"},
		{"zero timestamp", func(e *Envelope) { e.Meta.TS = Timestamp{} }, "meta.ts"},
		{"missing sender id", func(e *Envelope) { e.Meta.From.ID = "" }, "meta.from.id"},
		{"missing tenant", func(e *Envelope) { e.Meta.Tenant = "" }, "meta.tenant"},
		{"missing project", func(e *Envelope) { e.Meta.Project = "" }, "meta.project"},
		{"unknown type", func(e *Envelope) { e.Meta.Type = "Bogus" }, "meta.type"},
		{"bad priority", func(e *Envelope) { e.Meta.Priority = "asap" }, "meta.priority"},
		{"recipient missing id", func(e *Envelope) { e.Meta.To = []Recipient{{Type: "specialist", Version: "1"}} }, "meta.to[0].id"},
		{"topic recipient missing name", func(e *Envelope) { e.Meta.To = []Recipient{{Type: "topic"}} }, "meta.to[0].name"},
		{"missing task field", func(e *Envelope) { delete(e.Payload, "task") }, "payload.task"},
		{"inputs not object", func(e *Envelope) { e.Payload["inputs"] = "nope" }, "payload.inputs"},
	}

	v := NewValidator(Options{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := testEnvelope()
			tc.mutate(e)
			res := v.Validate(e)
			if res.Valid {
				t.Fatal("Valid = true, want false")
			}
			found := false
			for _, fe := range res.Errors {
				if fe.Path == tc.path {
					found = true
				}
			}
			if !found {
				t.Errorf("no error at path %q; got %+v", tc.path, res.Errors)
			}
		})
	}
}

func TestValidateAllTypes(t *testing.T) {
	payloads := map[Type]map[string]any{
		TypeTaskRequest:                 {"task": "review", "inputs": map[string]any{}},
		TypeTaskResult:                  {"status": "success", "outputs": map[string]any{"n": 1}},
		TypeMemoryEvent:                 {"op": "store", "key": "ctx/1"},
		TypeContextRequest:              {"query": "recent failures", "limit": 10},
		TypeContextResult:               {"items": []any{}},
		TypeSpecialistInvocationRequest: {"specialist": "self-healing", "action": "diagnose"},
		TypeSpecialistInvocationResult:  {"specialist": "self-healing", "status": "success"},
		TypeRegistryHeartbeat:           {"agent_id": "agent-1", "status": "HEALTHY"},
		TypeRegistryDiscoveryRequest:    {"filters": map[string]any{"capability": "self-healing"}},
		TypeRegistryDiscoveryResponse:   {"agents": []any{}, "total_count": 0},
		TypeSystemEvent:                 {"event": "startup", "severity": "info"},
		TypeSpecialistEventNotification: {"specialist": "self-healing", "event": "repair_done"},
	}
	if len(payloads) != len(payloadChecks) {
		t.Fatalf("test covers %d types, validator table has %d", len(payloads), len(payloadChecks))
	}

	v := NewValidator(Options{})
	for typ, payload := range payloads {
		e := testEnvelope()
		e.Meta.Type = typ
		e.Payload = payload
		if res := v.Validate(e); !res.Valid {
			t.Errorf("%s: Valid = false; errors: %+v", typ, res.Errors)
		}
	}
}

func TestValidateDepthCap(t *testing.T) {
	v := NewValidator(Options{MaxDepth: 4})
	e := testEnvelope()
	deep := map[string]any{}
	cur := deep
	for range 10 {
		next := map[string]any{}
		cur["nested"] = next
		cur = next
	}
	e.Payload = map[string]any{"task": "review", "inputs": deep}

	res := v.Validate(e)
	if res.Valid {
		t.Fatal("Valid = true, want false for over-deep payload")
	}
	if got := errcode.CodeOf(res.Err()); got != errcode.PayloadTooLarge {
		t.Errorf("code = %q, want %q", got, errcode.PayloadTooLarge)
	}
}

func TestValidateBytesMalformed(t *testing.T) {
	v := NewValidator(Options{})
	_, res := v.ValidateBytes([]byte("{not json"))
	if res.Valid {
		t.Fatal("Valid = true, want false for malformed JSON")
	}
	if res.Errors[0].Reason != "malformed_json" {
		t.Errorf("reason = %q, want %q", res.Errors[0].Reason, "malformed_json")
	}
}

func TestValidateNeverPanics(t *testing.T) {
	v := NewValidator(Options{})
	// Nil envelope and nil payload must both yield decisions, not panics.
	if res := v.Validate(nil); res.Valid {
		t.Error("nil envelope reported valid")
	}
	e := testEnvelope()
	e.Payload = nil
	if res := v.Validate(e); res.Valid {
		t.Error("nil payload reported valid for TaskRequest")
	}
}

func TestReplyCorrelation(t *testing.T) {
	req := testEnvelope()
	req.Meta.TraceID = "trace-original"
	resp := Reply(req, TypeTaskResult, AgentRef{ID: "agent-2", Type: "specialist", Version: "1"},
		map[string]any{"status": "success"}, time.Now())

	if resp.Meta.ReplyTo != req.Meta.MessageID {
		t.Errorf("reply_to = %q, want %q", resp.Meta.ReplyTo, req.Meta.MessageID)
	}
	if resp.Meta.TraceID != "trace-original" {
		t.Errorf("trace_id = %q, want %q", resp.Meta.TraceID, "trace-original")
	}
	if got := resp.Meta.To[0].ID; got != "agent-1" {
		t.Errorf("to[0].id = %q, want %q", got, "agent-1")
	}
}

func TestDedupKeyStability(t *testing.T) {
	e1 := testEnvelope()
	e2 := testEnvelope()
	if e1.DedupKey() != e2.DedupKey() {
		t.Error("identical envelopes derived different dedup keys")
	}

	e2.Meta.TraceID = "other-trace"
	if e1.DedupKey() == e2.DedupKey() {
		t.Error("different trace ids derived the same dedup key")
	}

	e3 := testEnvelope()
	e3.Meta.IdempotencyKey = "k-1"
	if e3.DedupKey() != "k-1" {
		t.Errorf("DedupKey = %q, want sender-supplied %q", e3.DedupKey(), "k-1")
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	if len(id) != 32 {
		t.Fatalf("len = %d, want 32", len(id))
	}
	if !messageIDPattern.MatchString(id) {
		t.Errorf("id %q does not match [a-f0-9]{32,}", id)
	}
}
