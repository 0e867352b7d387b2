package translate

import "testing"

func TestResolveModelKnown(t *testing.T) {
	id, err := resolveModel("claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("resolveModel: %v", err)
	}
	if id != "CLAUDE_SONNET_4_20250514_V1_0" {
		t.Fatalf("unexpected kiro model id: %s", id)
	}
}

func TestResolveModelUnknown(t *testing.T) {
	if _, err := resolveModel("gpt-5"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestModelCatalogNonEmpty(t *testing.T) {
	catalog := ModelCatalog()
	if len(catalog) == 0 {
		t.Fatal("expected non-empty model catalog")
	}
	for _, m := range catalog {
		if m.Type != "model" {
			t.Fatalf("expected type model, got %s", m.Type)
		}
	}
}
