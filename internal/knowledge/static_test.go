package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenAgent-Launchpad/internal/tokens"
)

func TestFromTokensScopesByChain(t *testing.T) {
	provider := FromTokens(tokens.Default())

	snippets := provider.Query("buy usdc every hour", "polygon")
	var titles []string
	for _, s := range snippets {
		titles = append(titles, s.Title)
	}
	joined := strings.Join(titles, ",")
	if !strings.Contains(joined, "polygon tokens") || !strings.Contains(joined, "schedule format") {
		t.Fatalf("unexpected snippets %v", titles)
	}
	if strings.Contains(joined, "ethereum tokens") {
		t.Fatalf("other chains should be filtered out: %v", titles)
	}
}

func TestLoadStaticProviderKeywords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	content := `[{"title":"dca","content":"dollar cost averaging","keywords":["dca","average"]}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Query("weekly DCA into usdc", "polygon"); len(got) != 1 {
		t.Fatalf("expected keyword match, got %v", got)
	}
	if got := provider.Query("swap once", "polygon"); len(got) != 0 {
		t.Fatalf("expected no match, got %v", got)
	}
	merged := Merge{provider, FromTokens(tokens.Default())}
	if got := merged.Query("dca", "polygon"); len(got) < 3 {
		t.Fatalf("merge should combine providers, got %d", len(got))
	}
}
