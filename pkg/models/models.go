// Package models holds the data types shared across Lightopedia's
// ingestion and retrieval packages.
package models

import "time"

// Article is an immutable markdown help document at a specific revision.
type Article struct {
	Repository string    `json:"repository"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Revision   string    `json:"revision"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// IndexedRepoSummary is one allowlisted repository's indexing state, used
// by GET /debug/version and the indexer CLI's --list flag.
type IndexedRepoSummary struct {
	Repository    string    `json:"repository"`
	ArticleCount  int       `json:"article_count"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
}

// SourceTypeArticle is the only sourceType this spec's chunker emits.
const SourceTypeArticle = "article"

// Chunk is a bounded, section-scoped slice of an Article's content.
type Chunk struct {
	ID                      string    `json:"id"`
	Repository              string    `json:"repository"`
	Path                    string    `json:"path"`
	Title                   string    `json:"title"`
	SectionHeading          string    `json:"section_heading,omitempty"`
	Content                 string    `json:"content"`
	Ordinal                 int       `json:"ordinal"`
	SourceType              string    `json:"source_type"`
	Revision                string    `json:"commit_sha"`
	IndexRunID              string    `json:"index_run_id"`
	RetrievalProgramVersion string    `json:"retrieval_program_version"`
	CreatedAt               time.Time `json:"created_at"`
}

// Embedding is the fixed-dimension vector representation of a Chunk.
type Embedding struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Dim       int       `json:"dim"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult pairs a stored chunk with its similarity to some query.
type SearchResult struct {
	ID         string  `json:"id"`
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// RetrievalMeta records what a single retrieval attempt actually did, for
// telemetry and replay (spec.md §4.12).
type RetrievalMeta struct {
	ProgramVersion  string    `json:"program_version"`
	QueriesUsed     []string  `json:"queries_used"`
	K               int       `json:"k"`
	CandidatesSeen  int       `json:"candidates_seen"`
	TimedOut        int       `json:"timed_out"`
	VectorDegraded  bool      `json:"vector_degraded"`
	TopSimilarities []float64 `json:"top_similarities"`
}

// EvidencePack is the ephemeral, per-request set of candidate evidence a
// request's synthesis phase may draw on.
type EvidencePack struct {
	Candidates []SearchResult `json:"candidates"`
	Meta       RetrievalMeta  `json:"meta"`
	Confident  bool           `json:"confident"`
}

// Confidence is the sum type for an Answer's confidence level.
type Confidence string

const (
	ConfidenceConfirmed          Confidence = "confirmed"
	ConfidenceNeedsClarification Confidence = "needs_clarification"
)

// Citation is a single inline citation reference within an Answer's bullets.
type Citation struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Bullet is one claim in the synthesised answer, carrying zero or more
// citation references.
type Bullet struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
}

// Source is one entry in an Answer's source list, numbered by first
// appearance in the text's citation order.
type Source struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Escalation request types, fixed and exhaustive per spec.md §4.9.
const (
	RequestTypeFeatureRequest   = "feature_request"
	RequestTypeBugReport        = "bug_report"
	RequestTypeSupportNeeded    = "support_needed"
	RequestTypeDocumentationGap = "documentation_gap"
)

// EscalationDraft is the optional record produced by the escalate_to_human
// tool during the agentic loop (spec.md §4.9).
type EscalationDraft struct {
	Title            string `json:"title"`
	RequestType      string `json:"request_type"`
	ProblemStatement string `json:"problem_statement"`
}

// Answer is the synthesised, guardrailed response handed back to a caller.
type Answer struct {
	Summary    string           `json:"summary"`
	Bullets    []Bullet         `json:"bullets"`
	Sources    []Source         `json:"sources"`
	Confidence Confidence       `json:"confidence"`
	Notes      string           `json:"notes,omitempty"`
	RequestID  string           `json:"request_id"`
	Escalation *EscalationDraft `json:"escalation,omitempty"`
}

// Feedback source, fixed and exhaustive per spec.md §3.
const (
	FeedbackSourceButton   = "button"
	FeedbackSourceReaction = "reaction"
)

// Feedback label, fixed and exhaustive per spec.md §3.
const (
	FeedbackLabelHelpful      = "helpful"
	FeedbackLabelNotHelpful   = "not_helpful"
	FeedbackLabelNeedsContext = "needs_context"
)

// Feedback records a user's reaction to a past Answer.
type Feedback struct {
	RequestID string    `json:"request_id"`
	Label     string    `json:"label"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}
