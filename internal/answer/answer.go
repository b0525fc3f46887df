// Package answer assembles the final guardrailed Answer from synthesised
// text and the loop's accumulated state. Spec-literal: no pack repo
// assembles a citation-numbered, confidence-annotated final response in
// this shape.
package answer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/light/lightopedia/internal/agent"
	"github.com/light/lightopedia/internal/guardrail"
	"github.com/light/lightopedia/pkg/models"
)

var citationRe = regexp.MustCompile(`\[\[(\d+)\]\]\(([^)]+)\)`)

// Assemble builds the final Answer from the agent loop's result, after
// running it through the guardrail pass.
func Assemble(requestID string, loopResult agent.Result) models.Answer {
	fetchedURLs := make(map[string]bool, len(loopResult.FetchedArticles))
	titleByURL := make(map[string]string, len(loopResult.FetchedArticles))
	for _, a := range loopResult.FetchedArticles {
		fetchedURLs[a.URL] = true
		titleByURL[a.URL] = a.Title
	}

	draft := strings.TrimSpace(loopResult.DraftAnswer)
	if draft == "" && len(loopResult.FetchedArticles) == 0 {
		return missingContextAnswer(requestID, loopResult.Escalation)
	}

	result := guardrail.Run(draft, fetchedURLs)

	sources, bullets := buildSourcesAndBullets(result.Text, titleByURL, loopResult.FetchedArticles)

	confidence := models.ConfidenceNeedsClarification
	if len(loopResult.FetchedArticles) > 0 && !result.InvalidCitations {
		confidence = models.ConfidenceConfirmed
	}

	return models.Answer{
		Summary:    result.Text,
		Bullets:    bullets,
		Sources:    sources,
		Confidence: confidence,
		RequestID:  requestID,
		Escalation: loopResult.Escalation,
	}
}

// buildSourcesAndBullets numbers sources by first appearance in the
// text's citation order, then appends one entry for every fetched article
// that citation order never mentioned, so sources always covers the full
// fetched set — not just the subset the draft happened to cite. It also
// splits the text into one bullet per line, attaching the citations each
// line references.
func buildSourcesAndBullets(text string, titleByURL map[string]string, fetchedArticles []agent.FetchedArticle) ([]models.Source, []models.Bullet) {
	var sources []models.Source
	seen := make(map[string]int)

	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		url := m[2]
		if _, ok := seen[url]; ok {
			continue
		}
		id := len(sources) + 1
		seen[url] = id
		sources = append(sources, models.Source{ID: id, Title: titleByURL[url], URL: url})
	}

	for _, a := range fetchedArticles {
		if _, ok := seen[a.URL]; ok {
			continue
		}
		id := len(sources) + 1
		seen[a.URL] = id
		sources = append(sources, models.Source{ID: id, Title: a.Title, URL: a.URL})
	}

	var bullets []models.Bullet
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		var citations []models.Citation
		for _, m := range citationRe.FindAllStringSubmatch(line, -1) {
			if id, ok := seen[m[2]]; ok {
				citations = append(citations, models.Citation{Index: id, URL: m[2]})
			}
		}
		bullets = append(bullets, models.Bullet{Text: line, Citations: citations})
	}

	return sources, bullets
}

func missingContextAnswer(requestID string, escalation *models.EscalationDraft) models.Answer {
	return models.Answer{
		Summary: fmt.Sprintf(
			"I couldn't find documented evidence to answer this confidently (request %s). "+
				"If this is a capability Light should document or support, please submit a feature request referencing this request id.",
			requestID,
		),
		Confidence: models.ConfidenceNeedsClarification,
		RequestID:  requestID,
		Escalation: escalation,
	}
}
