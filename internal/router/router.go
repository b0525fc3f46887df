// Package router classifies an incoming question into a handling mode
// before retrieval or synthesis run. Heuristic pattern matching does the
// common case cheaply; a model classifier is only consulted when no
// heuristic clears the confidence bar. Spec-literal: no pack repo ships a
// comparable intent router, so the heuristic tables and the model-fallback
// prompt are built directly against spec.md §4.7, reusing ai.Client.Complete
// the same way internal/ai/openai.go's Summarize issues a constrained
// completion.
package router

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/light/lightopedia/internal/ai"
)

// Mode is the fixed, exhaustive set of routing outcomes.
type Mode string

const (
	ModeCapabilityDocs  Mode = "capability_docs"
	ModeEnablementSales Mode = "enablement_sales"
	ModeOnboardingHowto Mode = "onboarding_howto"
	ModeFollowup        Mode = "followup"
	ModeClarify         Mode = "clarify"
	ModeOutOfScope      Mode = "out_of_scope"
)

// Confidence is the router's self-assessed certainty in its Mode.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Version is logged on every request and bumped whenever the heuristic
// tables or classifier prompt change meaning.
const Version = "router.v1.0"

// Request is the routing input.
type Request struct {
	Question        string
	ChannelType     string
	ThreadHistory   []string
	AttachmentHints []string
}

// Decision is the routing output.
type Decision struct {
	Mode            Mode
	Confidence      Confidence
	QueryHints      []string
	MissingInfo     []string
	FollowupContext string
	Version         string
}

var modePatterns = map[Mode][]string{
	ModeCapabilityDocs: {
		"does light support", "can light", "is it possible to", "how does light handle",
		"what fields", "what data", "api support", "integration with", "does it support",
	},
	ModeEnablementSales: {
		"pitch", "objection", "competitor", "vs competitor", "why should a customer",
		"selling point", "deal", "prospect", "roi", "pricing tier",
	},
	ModeOnboardingHowto: {
		"how do i set up", "how do i configure", "getting started", "step by step",
		"walk me through", "onboard", "first time setup", "how to connect",
	},
}

var outOfScopePatterns = []string{
	"what happens when", "retry logic", "why did this specific", "under the hood",
	"internal implementation", "source code for", "exact algorithm",
}

var followupPatterns = []string{
	"it", "that", "this", "why", "what about", "and then", "also", "what if",
}

var domainTerms = []string{
	"invoice", "invoices", "contract", "contracts", "bill", "bills", "salesforce",
	"stripe", "webhook", "ledger", "reconciliation", "payout", "dispute",
}

var (
	quotedPhraseRe = regexp.MustCompile(`"([^"]{2,})"`)
	identifierRe   = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]*[A-Z][a-zA-Z0-9]*|[a-z][a-z0-9]*(?:_[a-z0-9]+)+)\b`)
	interrogativeRe = regexp.MustCompile(`(?i)\b(what|why|how|when|where|who|which|can|does|is|are|do)\b`)
)

// classifierModes is the set of modes the fallback model's JSON output is
// checked against.
var classifierModes = []Mode{
	ModeCapabilityDocs, ModeEnablementSales, ModeOnboardingHowto,
	ModeFollowup, ModeClarify, ModeOutOfScope,
}

// Route classifies req into a Decision. It never errors: a classifier
// failure degrades to a low-confidence capability_docs guess rather than
// failing the request.
func Route(ctx context.Context, client ai.Client, req Request) Decision {
	question := strings.TrimSpace(req.Question)
	lower := strings.ToLower(question)
	hints := extractQueryHints(question)

	if len(question) < 30 && len(req.ThreadHistory) > 0 && matchesAny(lower, followupPatterns) {
		return Decision{Mode: ModeFollowup, Confidence: ConfidenceHigh, QueryHints: hints, Version: Version}
	}

	if countMatches(lower, outOfScopePatterns) >= 2 {
		return Decision{Mode: ModeOutOfScope, Confidence: ConfidenceHigh, QueryHints: hints, Version: Version}
	}

	if len(question) < 15 || !interrogativeRe.MatchString(question) || isUnresolvableOr(question) {
		return Decision{
			Mode:        ModeClarify,
			Confidence:  ConfidenceHigh,
			QueryHints:  hints,
			MissingInfo: []string{"question is too short or ambiguous to route confidently"},
			Version:     Version,
		}
	}

	mode, confidence, ok := heuristicBest(lower)
	if ok {
		return Decision{Mode: mode, Confidence: confidence, QueryHints: hints, Version: Version}
	}

	mode, confidence = classify(ctx, client, question)
	return Decision{Mode: mode, Confidence: confidence, QueryHints: hints, Version: Version}
}

func heuristicBest(lower string) (Mode, Confidence, bool) {
	type scored struct {
		mode  Mode
		count int
	}
	var scores []scored
	for mode, patterns := range modePatterns {
		scores = append(scores, scored{mode, countMatches(lower, patterns)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].count > scores[j].count })

	if len(scores) == 0 || scores[0].count == 0 {
		return "", "", false
	}
	best := scores[0].count
	runnerUp := 0
	if len(scores) > 1 {
		runnerUp = scores[1].count
	}
	margin := best - runnerUp

	switch {
	case margin >= 2:
		return scores[0].mode, ConfidenceHigh, true
	case margin == 1:
		return scores[0].mode, ConfidenceMedium, true
	default:
		// Tied with the runner-up: not confident enough to skip the
		// classifier fallback.
		return "", "", false
	}
}

func classify(ctx context.Context, client ai.Client, question string) (Mode, Confidence) {
	if client == nil {
		return ModeCapabilityDocs, ConfidenceLow
	}

	prompt := "Classify the following support question into exactly one mode: " +
		strings.Join(modeStrings(), ", ") + ". " +
		"You must classify only; never answer the question. " +
		`Respond with strict JSON: {"mode": "<one of the modes above>"}.` +
		"\n\nQuestion: " + question

	result, err := client.Complete(ctx, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You are a routing classifier for a support assistant. Output only JSON."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   64,
	})
	if err != nil {
		return ModeCapabilityDocs, ConfidenceLow
	}

	var parsed struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		return ModeCapabilityDocs, ConfidenceLow
	}

	for _, m := range classifierModes {
		if string(m) == parsed.Mode {
			return m, ConfidenceMedium
		}
	}
	return ModeCapabilityDocs, ConfidenceLow
}

func modeStrings() []string {
	out := make([]string, len(classifierModes))
	for i, m := range classifierModes {
		out[i] = string(m)
	}
	return out
}

// extractJSONObject trims any prose surrounding a model's JSON reply down
// to the outermost {...} span, so a classifier that ignores "output only
// JSON" still parses.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "{}"
	}
	return s[start : end+1]
}

func extractQueryHints(question string) []string {
	var hints []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		hints = append(hints, s)
	}

	for _, m := range quotedPhraseRe.FindAllStringSubmatch(question, -1) {
		add(m[1])
	}
	for _, m := range identifierRe.FindAllString(question, -1) {
		add(m)
	}
	lower := strings.ToLower(question)
	for _, term := range domainTerms {
		if strings.Contains(lower, term) {
			add(term)
		}
	}
	return hints
}

func isUnresolvableOr(question string) bool {
	lower := strings.ToLower(question)
	return strings.Contains(lower, " or ") && strings.HasSuffix(strings.TrimSpace(question), "?") &&
		!strings.Contains(lower, "or not")
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func countMatches(lower string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			n++
		}
	}
	return n
}
