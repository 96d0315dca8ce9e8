package agent

import "testing"

func TestExtractJSONObject_Pure(t *testing.T) {
	obj, err := extractJSONObject(`{"sm": 0.2, "fGHz": [1.4]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["sm"] != 0.2 {
		t.Fatalf("expected sm=0.2, got %v", obj["sm"])
	}
}

func TestExtractJSONObject_CodeFence(t *testing.T) {
	obj, err := extractJSONObject("```json\n{\"depth\": 1.5}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["depth"] != 1.5 {
		t.Fatalf("expected depth=1.5, got %v", obj["depth"])
	}
}

func TestExtractJSONObject_RolePrefix(t *testing.T) {
	obj, err := extractJSONObject("assistant\n{\"angle\": 40}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["angle"] != float64(40) {
		t.Fatalf("expected angle=40, got %v", obj["angle"])
	}
}

func TestExtractJSONObject_EmbeddedInProse(t *testing.T) {
	in := "Here are the parameters.\n{\"note\": \"uses {braces}\", \"rho\": 0.3}\nLet me know."
	obj, err := extractJSONObject(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["note"] != "uses {braces}" || obj["rho"] != 0.3 {
		t.Fatalf("unexpected object: %v", obj)
	}
}

func TestExtractJSONObject_InvalidEscape(t *testing.T) {
	obj, err := extractJSONObject(`{"desc": "50\% wet"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["desc"] != "50% wet" {
		t.Fatalf("expected sanitized escape, got %q", obj["desc"])
	}
}

func TestExtractJSONObject_NoObject(t *testing.T) {
	for _, in := range []string{"", "plain text", "[1, 2, 3]", "{broken"} {
		if _, err := extractJSONObject(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestStripRolePrefix(t *testing.T) {
	if got := stripRolePrefix("Assistant: hello"); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
	if got := stripRolePrefix("hello"); got != "hello" {
		t.Fatalf("expected unchanged, got %q", got)
	}
}

func TestStripRolePrefix_KeepsOrdinaryWords(t *testing.T) {
	in := "Assistants often ask for soil moisture."
	if got := stripRolePrefix(in); got != in {
		t.Fatalf("expected unchanged, got %q", got)
	}
}

func TestExtractJSONObject_SkipsBrokenCandidate(t *testing.T) {
	obj, err := extractJSONObject("first {not json} then {\"sm\": 0.25}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["sm"] != 0.25 {
		t.Fatalf("unexpected object: %v", obj)
	}
}
