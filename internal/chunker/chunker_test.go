package chunker

import (
	"strings"
	"testing"
)

func TestChunkArticleEmpty(t *testing.T) {
	if got := ChunkArticle("", "light/help-docs/docs/empty.md"); got != nil {
		t.Fatalf("expected nil for empty content, got %v", got)
	}
	if got := ChunkArticle("   \n\t  ", "light/help-docs/docs/empty.md"); got != nil {
		t.Fatalf("expected nil for whitespace-only content, got %v", got)
	}
}

func TestChunkArticleTrailingNewlineIsStable(t *testing.T) {
	content := "# Billing\n\nHow refunds work.\n\nRefunds post within five business days."
	a := ChunkArticle(content, "light/help-docs/docs/billing.md")
	b := ChunkArticle(content+"\n", "light/help-docs/docs/billing.md")

	if len(a) != len(b) {
		t.Fatalf("chunk count differs across trailing newline: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Content != b[i].Content {
			t.Errorf("chunk %d content differs: %q vs %q", i, a[i].Content, b[i].Content)
		}
	}
}

func TestChunkArticleRespectsSizeInvariants(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Guide\n\n")
	for i := 0; i < 400; i++ {
		sb.WriteString("This sentence is here to build up a very long paragraph that exceeds the maximum chunk size by a wide margin. ")
	}

	chunks := ChunkArticle(sb.String(), "light/help-docs/docs/guide.md")
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if n := len([]rune(c.Content)); n < TMin {
			t.Errorf("chunk %d below TMin: %d runes", c.Ordinal, n)
		}
		if n := len([]rune(c.Content)); n > HardMax {
			t.Errorf("chunk %d above HardMax: %d runes", c.Ordinal, n)
		}
	}
}

func TestChunkArticleOrdinalsAreDenseAndSequential(t *testing.T) {
	content := "# Topic\n\nFirst paragraph of reasonable length here.\n\n## Sub\n\nSecond paragraph under a subheading."
	chunks := ChunkArticle(content, "light/help-docs/docs/topic.md")
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d, want %d", i, c.Ordinal, i)
		}
	}
}

func TestChunkArticleAttachesTitleAndSectionHeading(t *testing.T) {
	content := "# Payments Overview\n\nIntro paragraph describing the payments system in general terms.\n\n" +
		"## Refund Policy\n\nRefunds are issued automatically within five business days of cancellation."
	chunks := ChunkArticle(content, "light/help-docs/docs/payments.md")
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for _, c := range chunks {
		if c.Title != "Payments Overview" {
			t.Errorf("chunk %d title = %q, want %q", c.Ordinal, c.Title, "Payments Overview")
		}
	}
	found := false
	for _, c := range chunks {
		if c.SectionHeading == "Refund Policy" {
			found = true
		}
	}
	if !found {
		t.Error("expected at least one chunk carrying the Refund Policy section heading")
	}
}

func TestChunkArticleHeadinglessFirstSection(t *testing.T) {
	content := "This article opens with plain prose before any heading appears at all.\n\n# Later Heading\n\nMore content here."
	chunks := ChunkArticle(content, "light/help-docs/docs/prose.md")
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if chunks[0].SectionHeading != "" {
		t.Errorf("expected first section to be heading-less, got %q", chunks[0].SectionHeading)
	}
}

func TestExtractFilePath(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"light/help-docs/docs/billing.md", "docs/billing.md"},
		{"light/help-docs/README.md", "README.md"},
		{"a/b/c/d.md", "c/d.md"},
		{"onlytwo/segments", "onlytwo/segments"},
		{"single", "single"},
	}
	for _, c := range cases {
		if got := ExtractFilePath(c.source); got != c.want {
			t.Errorf("ExtractFilePath(%q) = %q, want %q", c.source, got, c.want)
		}
	}
}

func TestPackUnitsSeedsOverlap(t *testing.T) {
	paragraphs := []string{
		strings.Repeat("a", 480),
		strings.Repeat("b", 480),
	}
	packed := packUnits(paragraphs, "\n\n", func(s string) []string { return hardCut(s, TMax) })
	if len(packed) < 2 {
		t.Fatalf("expected packing to split across the TMax boundary, got %d chunk(s)", len(packed))
	}
	if !strings.HasPrefix(packed[1], strings.Repeat("a", Overlap)) {
		t.Errorf("expected second chunk to be seeded with the trailing overlap of the first")
	}
}
