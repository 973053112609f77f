package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID("eval")
		if !strings.HasPrefix(id, "eval_") {
			t.Fatalf("expected eval_ prefix, got %q", id)
		}
		if len(id) != len("eval_")+32 {
			t.Fatalf("unexpected id length %d for %q", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("expected unprefixed id without separator")
	}
}
