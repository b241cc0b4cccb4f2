package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesign/a2a-fabric/internal/audit"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
)

func policyServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newGate(srv *httptest.Server) *Gate {
	client := NewClient(logging.Discard(), ClientOptions{
		BaseURL: srv.URL,
		Path:    "a2a/wire_gates",
	})
	return NewGate(client, audit.New(logging.Discard()), GateOptions{})
}

func gateEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Meta: envelope.Meta{
			A2AVersion: envelope.Version,
			MessageID:  strings.Repeat("a", 32),
			TraceID:    "trace-1",
			TS:         envelope.At(time.Now()),
			From:       envelope.AgentRef{ID: "agent-1", Type: "coordinator", Version: "1"},
			To:         []envelope.Recipient{envelope.ToTopic("wesign.cmo.a2a.tasks.request")},
			Tenant:     "wesign",
			Project:    "cmo",
			Type:       envelope.TypeTaskRequest,
		},
		Payload: map[string]any{"task": "review", "inputs": map[string]any{}},
	}
}

func TestPreSendAllow(t *testing.T) {
	var gotPath atomic.Value
	srv := policyServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Input["stage"] != audit.StagePreSend {
			t.Errorf("stage = %v, want %q", body.Input["stage"], audit.StagePreSend)
		}
		if _, ok := body.Input["envelope"]; !ok {
			t.Error("request input has no envelope")
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"allow": true}})
	})

	if err := newGate(srv).CheckPreSend(context.Background(), gateEnvelope()); err != nil {
		t.Fatalf("CheckPreSend: %v", err)
	}
	if p := gotPath.Load(); p != "/v1/data/a2a/wire_gates" {
		t.Errorf("path = %v, want /v1/data/a2a/wire_gates", p)
	}
}

func TestDenyCarriesReasons(t *testing.T) {
	srv := policyServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"allow": false, "reasons": []string{"tenant mismatch"}},
		})
	})

	err := newGate(srv).CheckPreSend(context.Background(), gateEnvelope())
	if got := errcode.CodeOf(err); got != errcode.PolicyDeny {
		t.Fatalf("code = %q, want %q", got, errcode.PolicyDeny)
	}
	if !strings.Contains(err.Error(), "tenant mismatch") {
		t.Errorf("error %q does not carry the deny reason", err)
	}
}

func TestMalformedResponseDenies(t *testing.T) {
	srv := policyServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"unexpected": 42}`))
	})

	err := newGate(srv).CheckPreSend(context.Background(), gateEnvelope())
	if got := errcode.CodeOf(err); got != errcode.PolicyDeny {
		t.Errorf("code = %q, want %q (malformed response is a deny, not an outage)", got, errcode.PolicyDeny)
	}
}

func TestEngineErrorFailsClosed(t *testing.T) {
	srv := policyServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := newGate(srv).CheckPreSend(context.Background(), gateEnvelope())
	if got := errcode.CodeOf(err); got != errcode.PolicyUnavailable {
		t.Errorf("code = %q, want %q", got, errcode.PolicyUnavailable)
	}
}

func TestEngineUnreachableFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening

	err := newGate(srv).CheckPreSend(context.Background(), gateEnvelope())
	if got := errcode.CodeOf(err); got != errcode.PolicyUnavailable {
		t.Errorf("code = %q, want %q", got, errcode.PolicyUnavailable)
	}
}

func TestDisabledGateAlwaysAllows(t *testing.T) {
	var calls atomic.Int64
	srv := policyServer(t, func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	})

	client := NewClient(logging.Discard(), ClientOptions{BaseURL: srv.URL, Path: "a2a/wire_gates"})
	gate := NewGate(client, audit.New(logging.Discard()), GateOptions{Disabled: true})

	if err := gate.CheckPreSend(context.Background(), gateEnvelope()); err != nil {
		t.Fatalf("CheckPreSend: %v", err)
	}
	if err := gate.CheckPostReceive(context.Background(), gateEnvelope(), nil); err != nil {
		t.Fatalf("CheckPostReceive: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("engine called %d times while disabled, want 0", n)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	srv := policyServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	gate := newGate(srv)
	for range 5 {
		err := gate.CheckPreSend(context.Background(), gateEnvelope())
		if got := errcode.CodeOf(err); got != errcode.PolicyUnavailable {
			t.Fatalf("code = %q, want %q", got, errcode.PolicyUnavailable)
		}
	}
	// The breaker trips after three consecutive failures; the remaining
	// checks never reach the engine.
	if n := calls.Load(); n != 3 {
		t.Errorf("engine called %d times, want 3", n)
	}
}
