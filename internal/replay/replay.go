// Package replay persists per-request telemetry and reconstructs a past
// request's routing and retrieval outcome. Grounded on
// internal/store/store.go's pgxpool query patterns; QALogStore narrows
// internal/store.Store down to the qa_logs read/write path the same way
// internal/indexer.ArticleStore narrows it for ingestion.
package replay

import (
	"context"
	"time"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/retrieval"
	"github.com/light/lightopedia/internal/router"
	"github.com/light/lightopedia/internal/store"
	"github.com/light/lightopedia/pkg/models"
)

// QALogStore is the subset of internal/store.Store replay needs.
type QALogStore interface {
	InsertQALog(ctx context.Context, l store.QALog) error
	GetQALog(ctx context.Context, requestID string) (store.QALog, bool, error)
}

// Telemetry is everything one request's handling produced, ready to
// persist.
type Telemetry struct {
	RequestID         string
	Question          string
	Route             router.Decision
	Evidence          models.EvidencePack
	FetchedURLs       []string
	PreGuardrailText  string
	PostGuardrailText string
	Confidence        string
	Escalation        *models.EscalationDraft
	Latency           time.Duration
}

// Logger records request telemetry for replay.
type Logger struct {
	Store QALogStore
}

// NewLogger creates a Logger.
func NewLogger(s QALogStore) *Logger {
	return &Logger{Store: s}
}

// Record persists one request's telemetry. A logging failure is reported
// to the caller but never changes the response already sent to the user —
// callers should log-and-continue on error, not fail the request.
func (l *Logger) Record(ctx context.Context, t Telemetry) error {
	candidateIDs := make([]string, 0, len(t.Evidence.Candidates))
	for _, c := range t.Evidence.Candidates {
		candidateIDs = append(candidateIDs, c.ID)
	}

	var escTitle, escType, escProblem string
	if t.Escalation != nil {
		escTitle = t.Escalation.Title
		escType = t.Escalation.RequestType
		escProblem = t.Escalation.ProblemStatement
	}

	return l.Store.InsertQALog(ctx, store.QALog{
		RequestID:         t.RequestID,
		Question:          t.Question,
		RouterVersion:     t.Route.Version,
		RouterMode:        string(t.Route.Mode),
		RouterConfidence:  string(t.Route.Confidence),
		RouterHints:       t.Route.QueryHints,
		RetrievalVersion:  t.Evidence.Meta.ProgramVersion,
		QueriesUsed:       t.Evidence.Meta.QueriesUsed,
		RetrievalK:        t.Evidence.Meta.K,
		CandidateIDs:      candidateIDs,
		TopSimilarities:   t.Evidence.Meta.TopSimilarities,
		FetchedURLs:       t.FetchedURLs,
		PreGuardrailText:  t.PreGuardrailText,
		PostGuardrailText: t.PostGuardrailText,
		Confidence:        t.Confidence,
		EscalationTitle:   escTitle,
		EscalationType:    escType,
		EscalationProblem: escProblem,
		LatencyMS:         t.Latency.Milliseconds(),
	})
}

// Outcome is what Replay reconstructs: the route decision and evidence
// pack a request would have produced against the store's current state.
type Outcome struct {
	Route    router.Decision
	Evidence models.EvidencePack
	Found    bool
}

// Replay re-runs routing and retrieval for a persisted request's
// question, using the router/retrieval engines' current pinned versions.
// Routing and retrieval are reproducible to within the store's current
// state; only the heuristic pass is guaranteed deterministic — if the
// original request fell through to the model classifier, a replay may
// classify differently, since the classifier is not seeded.
func Replay(ctx context.Context, logStore QALogStore, eng *retrieval.Engine, client ai.Client, requestID, repository string) (Outcome, error) {
	logged, found, err := logStore.GetQALog(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{}, nil
	}

	decision := router.Route(ctx, client, router.Request{Question: logged.Question})
	evidence := eng.Retrieve(ctx, logged.Question, decision.QueryHints, repository)

	return Outcome{Route: decision, Evidence: evidence, Found: true}, nil
}
