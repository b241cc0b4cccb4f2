package envelope

import (
	"bytes"
	"testing"
)

func TestCanonicalSortsKeysAtEveryDepth(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": []any{"x", "y"}},
	})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":{"m":["x","y"],"z":true},"b":1}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalStableAcrossRepresentations(t *testing.T) {
	// A struct and an equivalent map must canonicalize identically.
	type inner struct {
		Z bool   `json:"z"`
		A string `json:"a"`
	}
	fromStruct, err := CanonicalJSON(inner{Z: true, A: "v"})
	if err != nil {
		t.Fatalf("CanonicalJSON(struct): %v", err)
	}
	fromMap, err := CanonicalJSON(map[string]any{"a": "v", "z": true})
	if err != nil {
		t.Fatalf("CanonicalJSON(map): %v", err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct canonical %s != map canonical %s", fromStruct, fromMap)
	}
}

func TestCanonicalUnicodePassthrough(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"msg": "héllo 世界 🚀"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"msg":"héllo 世界 🚀"}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalEscapesControlChars(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"s": "a\"b\\c\nd\x01"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"s":"a\"b\\c\nd\u0001"}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestSignedBytesExcludesSignatureAndCredential(t *testing.T) {
	e := testEnvelope()
	bare, err := e.SignedBytes()
	if err != nil {
		t.Fatalf("SignedBytes: %v", err)
	}

	e.Meta.Signature = "deadbeef"
	e.Meta.Credential = "token"
	withFields, err := e.SignedBytes()
	if err != nil {
		t.Fatalf("SignedBytes: %v", err)
	}

	if !bytes.Equal(bare, withFields) {
		t.Errorf("signed bytes changed when signature/credential attached:\n%s\n%s", bare, withFields)
	}
	if bytes.Contains(withFields, []byte("deadbeef")) {
		t.Error("signed bytes contain the signature itself")
	}
}

func TestSignedBytesChangeWithPayload(t *testing.T) {
	e := testEnvelope()
	before, _ := e.SignedBytes()
	e.Payload["task"] = "tampered"
	after, _ := e.SignedBytes()
	if bytes.Equal(before, after) {
		t.Error("payload mutation did not change signed bytes")
	}
}

func TestTimestampWireFormat(t *testing.T) {
	e := testEnvelope()
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(data, []byte(`"ts":"2026-08-24T12:00:00.000Z"`)) {
		t.Errorf("wire ts not millisecond ISO-8601: %s", data)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.Meta.TS.Equal(e.Meta.TS.Time) {
		t.Errorf("ts round-trip: got %v, want %v", decoded.Meta.TS, e.Meta.TS)
	}
}

func TestCheckTopicName(t *testing.T) {
	valid := []string{
		"wesign.cmo.a2a.tasks.request",
		"wesign.cmo.a2a.tasks.request:dlq",
		"t1.p-2.some_domain.sub.verb",
	}
	for _, topic := range valid {
		if err := CheckTopicName(topic); err != nil {
			t.Errorf("CheckTopicName(%q) = %v, want nil", topic, err)
		}
	}

	invalid := []string{
		"",
		"wesign.cmo.a2a.tasks",            // 4 segments
		"wesign.cmo.a2a.tasks.req.extra",  // 6 segments
		"Wesign.cmo.a2a.tasks.request",    // uppercase
		"wesign..a2a.tasks.request",       // empty segment
		"wesign.cmo.a2a.tasks.req uest",   // space
	}
	for _, topic := range invalid {
		if err := CheckTopicName(topic); err == nil {
			t.Errorf("CheckTopicName(%q) = nil, want error", topic)
		}
	}
}
