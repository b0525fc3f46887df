// Package guardrail runs the three sequential scrubs a synthesised answer
// must pass before it reaches a caller: markdown bold normalisation,
// forbidden-phrase substitution, and citation validation. Spec-literal —
// no pack repo does citation-gate/forbidden-phrase scrubbing, so this is
// built directly from the answer-quality rules using only
// regexp/strings, which serve a fixed substitution table and a citation
// regex at least as well as any third-party library would.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding records one scrub's observation, for logging and replay.
type Finding struct {
	Stage  string
	Detail string
}

// Result is the scrubbed text plus what each stage found.
type Result struct {
	Text             string
	Findings         []Finding
	InvalidCitations bool
}

var boldRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// forbiddenPhrases maps an over-promising phrase to a safer canonical
// alternative. Matching is case-insensitive; replacement preserves the
// surrounding text verbatim.
var forbiddenPhrases = map[string]string{
	"automatically":       "in most configurations",
	"out of the box":      "with standard configuration",
	"seamlessly":          "smoothly in typical setups",
	"guaranteed":          "expected",
	"zero configuration":  "minimal configuration",
	"always works":        "is designed to work in supported scenarios",
	"supports all":        "supports many",
}

var citationRe = regexp.MustCompile(`\[\[(\d+)\]\]\(([^)]+)\)`)

// Run applies all three scrubs in order and returns the final text, the
// accumulated findings, and whether any citation referenced a URL outside
// fetchedURLs.
func Run(text string, fetchedURLs map[string]bool) Result {
	var findings []Finding

	text, boldFindings := normalizeBold(text)
	findings = append(findings, boldFindings...)

	text, phraseFindings := substituteForbiddenPhrases(text)
	findings = append(findings, phraseFindings...)

	invalid, citationFindings := validateCitations(text, fetchedURLs)
	findings = append(findings, citationFindings...)

	return Result{Text: text, Findings: findings, InvalidCitations: invalid}
}

func normalizeBold(text string) (string, []Finding) {
	var findings []Finding
	out := boldRe.ReplaceAllStringFunc(text, func(match string) string {
		findings = append(findings, Finding{Stage: "markdown_normalization", Detail: "replaced double-asterisk bold"})
		inner := boldRe.FindStringSubmatch(match)[1]
		return "*" + inner + "*"
	})
	return out, findings
}

func substituteForbiddenPhrases(text string) (string, []Finding) {
	var findings []Finding
	lower := strings.ToLower(text)
	for phrase, alt := range forbiddenPhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx == -1 {
				break
			}
			text = text[:idx] + alt + text[idx+len(phrase):]
			lower = strings.ToLower(text)
			findings = append(findings, Finding{
				Stage:  "forbidden_phrase",
				Detail: fmt.Sprintf("replaced %q with %q", phrase, alt),
			})
		}
	}
	return text, findings
}

func validateCitations(text string, fetchedURLs map[string]bool) (bool, []Finding) {
	var findings []Finding
	invalid := false
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		url := m[2]
		if !fetchedURLs[url] {
			invalid = true
			findings = append(findings, Finding{
				Stage:  "citation_validation",
				Detail: fmt.Sprintf("citation [[%s]](%s) references a URL outside the fetched set", m[1], url),
			})
		}
	}
	return invalid, findings
}
