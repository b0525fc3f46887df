package replay

import (
	"context"
	"testing"
	"time"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/retrieval"
	"github.com/light/lightopedia/internal/router"
	"github.com/light/lightopedia/internal/store"
	"github.com/light/lightopedia/pkg/models"
)

type fakeQALogStore struct {
	logs map[string]store.QALog
}

func newFakeQALogStore() *fakeQALogStore {
	return &fakeQALogStore{logs: make(map[string]store.QALog)}
}

func (f *fakeQALogStore) InsertQALog(ctx context.Context, l store.QALog) error {
	f.logs[l.RequestID] = l
	return nil
}

func (f *fakeQALogStore) GetQALog(ctx context.Context, requestID string) (store.QALog, bool, error) {
	l, ok := f.logs[requestID]
	return l, ok, nil
}

type fakeVectorSearcher struct{}

func (fakeVectorSearcher) VectorSearch(ctx context.Context, queryVec []float32, k int, repository string) ([]models.SearchResult, error) {
	return []models.SearchResult{
		{ID: "a1", Chunk: models.Chunk{Content: "invoice export steps"}, Similarity: 0.9},
	}, nil
}

type fakeKeywordSearcher struct{}

func (fakeKeywordSearcher) KeywordSearch(ctx context.Context, queryText string, k int, repository string) ([]models.SearchResult, error) {
	return nil, nil
}

func TestLoggerRecordPersistsFullTelemetry(t *testing.T) {
	fs := newFakeQALogStore()
	logger := NewLogger(fs)

	esc := &models.EscalationDraft{Title: "add CSV export", RequestType: models.RequestTypeFeatureRequest, ProblemStatement: "no CSV option"}

	err := logger.Record(context.Background(), Telemetry{
		RequestID: "req-1",
		Question:  "does Light support CSV export",
		Route: router.Decision{
			Mode:       "capability_docs",
			Confidence: "high",
			Version:    "router.v1.0",
			QueryHints: []string{"CSV export"},
		},
		Evidence: models.EvidencePack{
			Candidates: []models.SearchResult{{ID: "a1", Similarity: 0.9}},
			Meta: models.RetrievalMeta{
				ProgramVersion:  "retrieval.v1",
				QueriesUsed:     []string{"does Light support CSV export"},
				K:               8,
				TopSimilarities: []float64{0.9},
			},
		},
		FetchedURLs:       []string{"docs/export.md"},
		PreGuardrailText:  "raw draft",
		PostGuardrailText: "scrubbed draft",
		Confidence:        "confirmed",
		Escalation:        esc,
		Latency:           250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	logged, ok, err := fs.GetQALog(context.Background(), "req-1")
	if err != nil || !ok {
		t.Fatalf("GetQALog() = %v, %v, %v", logged, ok, err)
	}
	if logged.Question != "does Light support CSV export" {
		t.Errorf("Question = %q", logged.Question)
	}
	if logged.CandidateIDs[0] != "a1" {
		t.Errorf("CandidateIDs = %v", logged.CandidateIDs)
	}
	if logged.EscalationTitle != "add CSV export" {
		t.Errorf("EscalationTitle = %q", logged.EscalationTitle)
	}
	if logged.LatencyMS != 250 {
		t.Errorf("LatencyMS = %d, want 250", logged.LatencyMS)
	}
}

func TestReplayReturnsNotFoundWhenRequestUnknown(t *testing.T) {
	fs := newFakeQALogStore()
	eng := retrieval.New(fakeVectorSearcher{}, fakeKeywordSearcher{}, ai.NewStubClient(16), 0.2, "retrieval.v1")

	outcome, err := Replay(context.Background(), fs, eng, ai.NewStubClient(16), "missing", "light/docs")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if outcome.Found {
		t.Error("expected Found = false for an unlogged request id")
	}
}

func TestReplayReconstructsRouteAndEvidence(t *testing.T) {
	fs := newFakeQALogStore()
	fs.logs["req-2"] = store.QALog{RequestID: "req-2", Question: "how do I export invoices as CSV"}

	eng := retrieval.New(fakeVectorSearcher{}, fakeKeywordSearcher{}, ai.NewStubClient(16), 0.2, "retrieval.v1")

	outcome, err := Replay(context.Background(), fs, eng, ai.NewStubClient(16), "req-2", "light/docs")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !outcome.Found {
		t.Fatal("expected Found = true")
	}
	if len(outcome.Evidence.Candidates) == 0 {
		t.Error("expected replayed retrieval to surface candidates")
	}
}
