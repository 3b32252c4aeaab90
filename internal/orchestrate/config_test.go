package orchestrate

import (
	"strings"
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate, got %v", err)
	}
}

func TestConfig_ValidateJoinsMultipleErrors(t *testing.T) {
	cfg := Config{MaxIterations: 0, UnproductiveLimit: 0, MaxParallelTools: 0}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	for _, want := range []string{"max_iterations", "unproductive_limit", "max_parallel_tools"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %q, got %q", want, msg)
		}
	}
}

func TestConfig_ReadOnlyAndAllowedSets(t *testing.T) {
	cfg := Config{ReadOnlyTools: []string{"Grep", "Read"}, AllowedTools: []string{"Edit"}}

	ro := cfg.readOnlySet()
	if _, ok := ro["Grep"]; !ok {
		t.Error("expected Grep in read-only set")
	}
	if _, ok := ro["Edit"]; ok {
		t.Error("expected Edit not in read-only set")
	}

	allowed := cfg.allowedSet()
	if _, ok := allowed["Edit"]; !ok {
		t.Error("expected Edit in allowed set")
	}
	if len(allowed) != 1 {
		t.Errorf("got %d allowed entries, want 1", len(allowed))
	}
}
