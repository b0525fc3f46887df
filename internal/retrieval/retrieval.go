// Package retrieval turns a routed question into an EvidencePack: an
// ordered list of article chunks likely to ground an answer. Grounded on
// other_examples' RAGbox retriever.go — the errgroup-based parallel
// vector+BM25 fan-out, weighted merge, and dedup-by-id-keep-best-
// similarity shape is reused directly; query expansion, the keyword-term
// boost, and the LLM rerank stage are spec-literal additions on top.
package retrieval

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/pkg/models"
)

const (
	// MaxQueries bounds the original question plus its expansions.
	MaxQueries = 7
	// KVec/KKw are the per-query candidate counts for each search leg.
	KVec = 8
	KKw  = 8
	// PerCallTimeout bounds each individual vector/keyword RPC.
	PerCallTimeout = 5 * time.Second

	vectorWeight  = 0.7
	keywordWeight = 0.3

	// keywordBoostPerTerm is added per matched question term, capped so
	// the boosted score never exceeds 1.0.
	keywordBoostPerTerm  = 0.05
	keywordBoostMinTerms = 2

	// rerankWeight blends the LLM relevance score (normalized to [0,1])
	// with the merged vector+keyword score into the final ranking score.
	rerankWeight = 0.5

	// TTokMin is the minimum total evidence token count (approximated by
	// whitespace-delimited words) for a pack to count as confident.
	TTokMin = 120
	// RMin is the minimum average rerank score (1-10 scale) for a pack to
	// count as confident.
	RMin = 4.0
)

// VectorSearcher abstracts store.Store.VectorSearch for testability.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, k int, repository string) ([]models.SearchResult, error)
}

// KeywordSearcher abstracts store.Store.KeywordSearch for testability.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, queryText string, k int, repository string) ([]models.SearchResult, error)
}

// Engine runs the multi-leg hybrid retrieval algorithm.
type Engine struct {
	Vector      VectorSearcher
	Keyword     KeywordSearcher
	Client      ai.Client
	MinSimilarity float64
	Version     string
}

// New creates an Engine.
func New(vector VectorSearcher, keyword KeywordSearcher, client ai.Client, minSimilarity float64, version string) *Engine {
	return &Engine{Vector: vector, Keyword: keyword, Client: client, MinSimilarity: minSimilarity, Version: version}
}

type candidate struct {
	result        models.SearchResult
	vectorScore   float64
	keywordScore  float64
	combinedScore float64
}

type scored struct {
	models.SearchResult
	combined float64
	rerank   float64
	final    float64
}

// Retrieve runs query expansion, parallel hybrid search, merge, filtering,
// keyword boosting, reranking, and confidence scoring. It never returns an
// error: every external failure degrades the pack instead.
func (e *Engine) Retrieve(ctx context.Context, question string, queryHints []string, repository string) models.EvidencePack {
	queries := e.expandQueries(ctx, question, queryHints)

	vectorResults, keywordResults, vectorOK := e.searchAll(ctx, queries, repository)

	vectorDegraded := !vectorOK
	merged := mergeResults(vectorResults, keywordResults, vectorDegraded, e.MinSimilarity)

	kept := make([]scored, 0, len(merged))
	for _, c := range merged {
		if c.combined < e.MinSimilarity {
			continue
		}
		kept = append(kept, scored{SearchResult: c.result, combined: c.combined})
	}

	kept = applyKeywordBoost(kept, question)

	kept = e.rerank(ctx, question, kept)

	sort.Slice(kept, func(i, j int) bool { return kept[i].final > kept[j].final })

	meta := models.RetrievalMeta{
		ProgramVersion: e.Version,
		QueriesUsed:    queries,
		K:              KVec,
		CandidatesSeen: len(merged),
		VectorDegraded: vectorDegraded,
	}

	candidates := make([]models.SearchResult, 0, len(kept))
	for _, c := range kept {
		candidates = append(candidates, c.SearchResult)
		meta.TopSimilarities = append(meta.TopSimilarities, c.final)
	}
	if len(meta.TopSimilarities) > KVec {
		meta.TopSimilarities = meta.TopSimilarities[:KVec]
	}

	pack := models.EvidencePack{Candidates: candidates, Meta: meta}
	pack.Confident = isConfident(kept, e.MinSimilarity)
	return pack
}

// expandQueries asks a cheap completion model for up to MaxQueries-1
// additional short keyword queries using Light's domain synonyms. The
// original question is always first.
func (e *Engine) expandQueries(ctx context.Context, question string, hints []string) []string {
	queries := []string{question}
	if e.Client == nil {
		return queries
	}

	prompt := "Given this support question, suggest up to 3 short alternative keyword " +
		"search queries using domain synonyms (e.g. contracts/bills, invoice/billing). " +
		`Respond with strict JSON: {"queries": ["...", "..."]}.` +
		"\n\nQuestion: " + question
	if len(hints) > 0 {
		prompt += "\nKnown hints: " + strings.Join(hints, ", ")
	}

	result, err := e.Client.Complete(ctx, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You expand search queries. Output only JSON."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   150,
	})
	if err != nil {
		log.Warn().Err(err).Msg("query expansion failed, using original question only")
		return queries
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		return queries
	}
	for _, q := range parsed.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		queries = append(queries, q)
		if len(queries) >= MaxQueries {
			break
		}
	}
	return queries
}

// searchAll fans every query out across the vector and keyword legs in
// parallel, bounding each call with PerCallTimeout. Failures and timeouts
// are logged but never abort the other calls; they are not counted, and
// RetrievalMeta.TimedOut is left at zero.
func (e *Engine) searchAll(ctx context.Context, queries []string, repository string) (vectorResults, keywordResults []models.SearchResult, vectorOK bool) {
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	anyVectorSucceeded := false

	for _, q := range queries {
		q := q
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gCtx, PerCallTimeout)
			defer cancel()

			vec, err := e.Client.Embed(callCtx, q)
			if err != nil {
				log.Warn().Err(err).Str("query", q).Msg("embedding failed for retrieval query")
				return nil
			}
			res, err := e.Vector.VectorSearch(callCtx, vec, KVec, repository)
			if err != nil {
				log.Warn().Err(err).Str("query", q).Msg("vector search failed")
				return nil
			}
			mu.Lock()
			vectorResults = append(vectorResults, res...)
			anyVectorSucceeded = true
			mu.Unlock()
			return nil
		})

		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gCtx, PerCallTimeout)
			defer cancel()

			res, err := e.Keyword.KeywordSearch(callCtx, q, KKw, repository)
			if err != nil {
				log.Warn().Err(err).Str("query", q).Msg("keyword search failed")
				return nil
			}
			mu.Lock()
			keywordResults = append(keywordResults, res...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return vectorResults, keywordResults, anyVectorSucceeded
}

// minSimilarityEpsilon is added on top of the configured MinSimilarity
// floor so a degraded-mode boosted score clears the gate strictly, not by
// a margin that floating-point rounding could erase.
const minSimilarityEpsilon = 0.01

// mergeResults unions vector and keyword hits by chunk id, keeping the
// highest vector similarity per id, and combines the two legs with fixed
// weights. In degraded mode (vector entirely unavailable) keyword scores
// are boosted to clear minSimilarity — the caller's configured
// minimum-similarity gate — so they aren't filtered out by the downstream
// gate that a constant offset alone can't be relied on to clear.
func mergeResults(vectorResults, keywordResults []models.SearchResult, degraded bool, minSimilarity float64) []candidate {
	byID := make(map[string]*candidate)
	order := make([]string, 0, len(vectorResults)+len(keywordResults))

	for _, r := range vectorResults {
		c, ok := byID[r.ID]
		if !ok {
			c = &candidate{result: r}
			byID[r.ID] = c
			order = append(order, r.ID)
		}
		if r.Similarity > c.vectorScore {
			c.vectorScore = r.Similarity
			c.result = r
		}
	}
	for _, r := range keywordResults {
		c, ok := byID[r.ID]
		if !ok {
			c = &candidate{result: r}
			byID[r.ID] = c
			order = append(order, r.ID)
		}
		if r.Similarity > c.keywordScore {
			c.keywordScore = r.Similarity
		}
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		if degraded {
			c.combinedScore = math.Max(c.keywordScore+0.3, minSimilarity+minSimilarityEpsilon)
			if c.combinedScore > 1.0 {
				c.combinedScore = 1.0
			}
		} else {
			c.combinedScore = vectorWeight*c.vectorScore + keywordWeight*c.keywordScore
		}
		out = append(out, *c)
	}
	return out
}

// applyKeywordBoost adds a small constant to each candidate whose content
// contains at least keywordBoostMinTerms distinct terms from the
// question, capped so the combined score never exceeds 1.0.
func applyKeywordBoost(kept []scored, question string) []scored {
	terms := questionTerms(question)
	for i := range kept {
		content := strings.ToLower(kept[i].Chunk.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if matched >= keywordBoostMinTerms {
			boost := keywordBoostPerTerm * float64(matched)
			kept[i].combined += boost
			if kept[i].combined > 1.0 {
				kept[i].combined = 1.0
			}
		}
	}
	return kept
}

func questionTerms(question string) []string {
	fields := strings.Fields(strings.ToLower(question))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,?!;:\"'()")
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

// rerank invokes an LLM reranker over the surviving candidates and blends
// its 1-10 relevance score with the merged vector+keyword score. On any
// reranker failure it skips reranking and preserves the vector+keyword
// ordering, per spec's "never throws" failure semantics.
func (e *Engine) rerank(ctx context.Context, question string, kept []scored) []scored {
	if e.Client == nil || len(kept) == 0 {
		for i := range kept {
			kept[i].final = kept[i].combined
		}
		return kept
	}

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nScore each candidate's relevance to the question from 1 (irrelevant) to 10 (directly answers it).\n")
	for i, c := range kept {
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(truncate(c.Chunk.Content, 500))
		sb.WriteString("\n")
	}
	sb.WriteString(`\nRespond with strict JSON: {"scores": [<score for candidate 1>, <score for candidate 2>, ...]}`)

	result, err := e.Client.Complete(ctx, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You are a relevance reranker. Output only JSON."},
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		log.Warn().Err(err).Msg("rerank failed, preserving vector+keyword ordering")
		for i := range kept {
			kept[i].final = kept[i].combined
		}
		return kept
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil || len(parsed.Scores) != len(kept) {
		for i := range kept {
			kept[i].final = kept[i].combined
		}
		return kept
	}

	for i := range kept {
		kept[i].rerank = parsed.Scores[i]
		normalized := parsed.Scores[i] / 10.0
		kept[i].final = (1-rerankWeight)*kept[i].combined + rerankWeight*normalized
	}
	return kept
}

// isConfident implements spec's pack confidence predicate.
func isConfident(kept []scored, minSimilarity float64) bool {
	if len(kept) == 0 {
		return false
	}
	totalTokens := 0
	var sumCombined, sumRerank float64
	for _, c := range kept {
		totalTokens += len(strings.Fields(c.Chunk.Content))
		sumCombined += c.combined
		sumRerank += c.rerank
	}
	avgCombined := sumCombined / float64(len(kept))
	avgRerank := sumRerank / float64(len(kept))

	return totalTokens >= TTokMin && avgCombined >= minSimilarity && avgRerank >= RMin
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "{}"
	}
	return s[start : end+1]
}
