package answer

import (
	"testing"

	"github.com/light/lightopedia/internal/agent"
	"github.com/light/lightopedia/pkg/models"
)

func TestAssembleConfirmedWithValidCitations(t *testing.T) {
	result := agent.Result{
		DraftAnswer: "Light supports invoice export [[1]](docs/guide.md).",
		FetchedArticles: []agent.FetchedArticle{
			{URL: "docs/guide.md", Title: "Invoice Export Guide", Content: "..."},
		},
	}
	a := Assemble("req-1", result)

	if a.Confidence != models.ConfidenceConfirmed {
		t.Errorf("Confidence = %q, want confirmed", a.Confidence)
	}
	if len(a.Sources) != 1 || a.Sources[0].URL != "docs/guide.md" {
		t.Errorf("Sources = %+v", a.Sources)
	}
	if a.RequestID != "req-1" {
		t.Errorf("RequestID = %q", a.RequestID)
	}
}

func TestAssembleIncludesFetchedArticlesNeverCitedInline(t *testing.T) {
	result := agent.Result{
		DraftAnswer: "Light supports invoice export [[1]](docs/guide.md).",
		FetchedArticles: []agent.FetchedArticle{
			{URL: "docs/guide.md", Title: "Invoice Export Guide", Content: "..."},
			{URL: "docs/background.md", Title: "Billing Background", Content: "..."},
		},
	}
	a := Assemble("req-5", result)

	if len(a.Sources) != 2 {
		t.Fatalf("Sources = %+v, want 2 entries (one cited, one fetched-only)", a.Sources)
	}
	if a.Sources[0].URL != "docs/guide.md" {
		t.Errorf("Sources[0] = %+v, want the inline-cited article numbered first", a.Sources[0])
	}
	if a.Sources[1].URL != "docs/background.md" || a.Sources[1].Title != "Billing Background" {
		t.Errorf("Sources[1] = %+v, want the fetched-but-uncited article appended", a.Sources[1])
	}
}

func TestAssembleDowngradesOnInvalidCitation(t *testing.T) {
	result := agent.Result{
		DraftAnswer: "Light supports invoice export [[1]](docs/missing.md).",
		FetchedArticles: []agent.FetchedArticle{
			{URL: "docs/guide.md", Title: "Invoice Export Guide", Content: "..."},
		},
	}
	a := Assemble("req-2", result)

	if a.Confidence != models.ConfidenceNeedsClarification {
		t.Errorf("Confidence = %q, want needs_clarification", a.Confidence)
	}
}

func TestAssembleMissingContextWhenNothingFetched(t *testing.T) {
	a := Assemble("req-3", agent.Result{})

	if a.Confidence != models.ConfidenceNeedsClarification {
		t.Errorf("Confidence = %q, want needs_clarification", a.Confidence)
	}
	if a.Summary == "" {
		t.Error("expected a canned missing-context summary")
	}
}

func TestAssemblePreservesEscalationDraft(t *testing.T) {
	esc := &models.EscalationDraft{Title: "x", RequestType: models.RequestTypeFeatureRequest, ProblemStatement: "y"}
	a := Assemble("req-4", agent.Result{Escalation: esc})

	if a.Escalation == nil || a.Escalation.Title != "x" {
		t.Errorf("Escalation = %+v", a.Escalation)
	}
}
