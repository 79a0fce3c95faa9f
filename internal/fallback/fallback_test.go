package fallback

import (
	"testing"
)

func TestResolver_AlternatesFor(t *testing.T) {
	r := New(map[string][]string{
		"openai/gpt-4":             {"anthropic/claude-3-opus", "google/gemini-pro"},
		"slack":                    {"mattermost"},
		"gateway/meta/llama-3-70b": {"gateway/mistral/mixtral"},
		"greedy":                   {"a", "b", "c", "d"},
	})

	t.Run("pair match", func(t *testing.T) {
		alts := r.AlternatesFor("openai", "gpt-4")
		if len(alts) != 2 {
			t.Fatalf("Expected 2 alternates, got %d", len(alts))
		}
		if alts[0].Provider != "anthropic" || alts[0].Target != "claude-3-opus" {
			t.Errorf("Expected anthropic/claude-3-opus first, got %+v", alts[0])
		}
		if alts[1].Provider != "google" || alts[1].Target != "gemini-pro" {
			t.Errorf("Expected google/gemini-pro second, got %+v", alts[1])
		}
	})

	t.Run("provider-wide chain applies to any target", func(t *testing.T) {
		alts := r.AlternatesFor("slack", "some-channel")
		if len(alts) != 1 || alts[0].Provider != "mattermost" {
			t.Fatalf("Expected mattermost, got %+v", alts)
		}
	})

	t.Run("specific pair shadows provider-wide chain", func(t *testing.T) {
		r2 := New(map[string][]string{
			"p":        {"wide"},
			"p/narrow": {"specific"},
		})
		alts := r2.AlternatesFor("p", "narrow")
		if len(alts) != 1 || alts[0].Provider != "specific" {
			t.Fatalf("Expected specific, got %+v", alts)
		}
	})

	t.Run("target containing slashes", func(t *testing.T) {
		alts := r.AlternatesFor("gateway", "meta/llama-3-70b")
		if len(alts) != 1 {
			t.Fatalf("Expected 1 alternate, got %d", len(alts))
		}
		if alts[0].Provider != "gateway" || alts[0].Target != "mistral/mixtral" {
			t.Errorf("Expected gateway/mistral/mixtral, got %+v", alts[0])
		}
	})

	t.Run("chain capped", func(t *testing.T) {
		alts := r.AlternatesFor("greedy", "")
		if len(alts) != MaxAlternates {
			t.Fatalf("Expected cap at %d, got %d", MaxAlternates, len(alts))
		}
		if alts[0].Provider != "a" || alts[1].Provider != "b" {
			t.Errorf("Cap must keep the head of the chain, got %+v", alts)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if alts := r.AlternatesFor("nobody", "x"); len(alts) != 0 {
			t.Fatalf("Expected no alternates, got %+v", alts)
		}
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		alts := r.AlternatesFor("slack", "")
		alts[0].Provider = "mutated"
		again := r.AlternatesFor("slack", "")
		if again[0].Provider != "mattermost" {
			t.Error("Resolver state mutated through returned slice")
		}
	})
}

func TestNew_SkipsMalformedEntries(t *testing.T) {
	r := New(map[string][]string{
		"":      {"a"},
		"valid": {"", "   ", "b"},
		"empty": {},
	})

	if alts := r.AlternatesFor("valid", ""); len(alts) != 1 || alts[0].Provider != "b" {
		t.Errorf("Expected only b to survive, got %+v", alts)
	}
	if alts := r.AlternatesFor("empty", ""); len(alts) != 0 {
		t.Errorf("Expected empty chain dropped, got %+v", alts)
	}
}
