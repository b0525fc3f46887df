// Package store is Lightopedia's Postgres-backed persistence layer: article
// revisions, their chunks and embeddings, and per-request QA/feedback logs.
// Adapted from seanblong-reposearch/internal/store/store.go — same pgxpool
// connection handling and migration-as-one-exec-string shape, with separate
// vector (VectorSearch) and lexical (KeywordSearch) queries, retargeted at
// help articles instead of code.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/light/lightopedia/internal/apperrors"
	"github.com/light/lightopedia/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, apperrors.Validation("invalid database url", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.UpstreamFailure("connecting to database", err)
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies necessary database migrations and schema setup. dim is
// the embedding vector dimension, which is fixed per deployment.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS articles (
  repository  TEXT NOT NULL,
  path        TEXT NOT NULL,
  title       TEXT NOT NULL DEFAULT '',
  revision    TEXT NOT NULL,
  indexed_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  PRIMARY KEY (repository, path)
);

CREATE TABLE IF NOT EXISTS chunks (
  id                        TEXT PRIMARY KEY,
  repository                TEXT NOT NULL,
  path                      TEXT NOT NULL,
  title                     TEXT NOT NULL DEFAULT '',
  section_heading           TEXT NOT NULL DEFAULT '',
  content                   TEXT NOT NULL,
  ordinal                   INT NOT NULL,
  source_type               TEXT NOT NULL DEFAULT 'article',
  commit_sha                TEXT NOT NULL DEFAULT '',
  index_run_id              TEXT NOT NULL DEFAULT '',
  retrieval_program_version TEXT NOT NULL DEFAULT '',
  embedding                 vector(%d),
  created_at                TIMESTAMP WITH TIME ZONE DEFAULT now(),
  ts_fielded tsvector GENERATED ALWAYS AS (
    setweight(to_tsvector('english', coalesce(title,'')), 'A') ||
    setweight(to_tsvector('english', coalesce(section_heading,'')), 'B') ||
    setweight(to_tsvector('english', coalesce(content,'')), 'C')
  ) STORED
);

CREATE INDEX IF NOT EXISTS chunks_repo_path_idx ON chunks (repository, path);
CREATE INDEX IF NOT EXISTS chunks_ts_fielded_gin ON chunks USING GIN (ts_fielded);
CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS chunks_path_trgm_idx ON chunks USING GIN (path gin_trgm_ops);

CREATE TABLE IF NOT EXISTS qa_logs (
  request_id          TEXT PRIMARY KEY,
  question            TEXT NOT NULL,
  router_version       TEXT NOT NULL DEFAULT '',
  router_mode          TEXT NOT NULL DEFAULT '',
  router_confidence    TEXT NOT NULL DEFAULT '',
  router_hints        TEXT[] NOT NULL DEFAULT '{}',
  retrieval_version    TEXT NOT NULL DEFAULT '',
  queries_used        TEXT[] NOT NULL DEFAULT '{}',
  retrieval_k         INT NOT NULL DEFAULT 0,
  candidate_ids       TEXT[] NOT NULL DEFAULT '{}',
  top_similarities    DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
  fetched_urls        TEXT[] NOT NULL DEFAULT '{}',
  pre_guardrail_text   TEXT NOT NULL DEFAULT '',
  post_guardrail_text  TEXT NOT NULL DEFAULT '',
  confidence          TEXT NOT NULL DEFAULT '',
  escalation_title     TEXT NOT NULL DEFAULT '',
  escalation_type      TEXT NOT NULL DEFAULT '',
  escalation_problem   TEXT NOT NULL DEFAULT '',
  latency_ms          BIGINT NOT NULL DEFAULT 0,
  created_at          TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS feedback (
  id          BIGSERIAL PRIMARY KEY,
  request_id  TEXT NOT NULL REFERENCES qa_logs(request_id),
  label       TEXT NOT NULL,
  user_id     TEXT NOT NULL DEFAULT '',
  source      TEXT NOT NULL,
  created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS feedback_request_idx ON feedback (request_id);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	if err != nil {
		return apperrors.Internal("running migration", err)
	}
	return nil
}

// ReplaceArticleChunks atomically swaps an article's chunk set: the
// article row is upserted, all of its existing chunks are deleted, and the
// new chunks (already embedded) are inserted, all within one transaction —
// so concurrent readers never observe a partially replaced article.
func (s *Store) ReplaceArticleChunks(ctx context.Context, article models.Article, chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return apperrors.Internal("chunk/embedding count mismatch", nil)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.UpstreamFailure("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertArticle = `
		INSERT INTO articles (repository, path, title, revision, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (repository, path) DO UPDATE SET
			title = EXCLUDED.title,
			revision = EXCLUDED.revision,
			indexed_at = EXCLUDED.indexed_at`
	if _, err := tx.Exec(ctx, upsertArticle, article.Repository, article.Path, article.Title, article.Revision); err != nil {
		return apperrors.UpstreamFailure("upserting article", err)
	}

	const deleteChunks = `DELETE FROM chunks WHERE repository = $1 AND path = $2`
	if _, err := tx.Exec(ctx, deleteChunks, article.Repository, article.Path); err != nil {
		return apperrors.UpstreamFailure("deleting stale chunks", err)
	}

	const insertChunk = `
		INSERT INTO chunks (
			id, repository, path, title, section_heading, content, ordinal,
			source_type, commit_sha, index_run_id, retrieval_program_version, embedding, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())`
	for i, c := range chunks {
		sv := pgvector.NewVector(embeddings[i])
		if _, err := tx.Exec(ctx, insertChunk,
			c.ID, c.Repository, c.Path, c.Title, c.SectionHeading, c.Content, c.Ordinal,
			c.SourceType, c.Revision, c.IndexRunID, c.RetrievalProgramVersion, sv,
		); err != nil {
			return apperrors.UpstreamFailure("inserting chunk", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.UpstreamFailure("committing transaction", err)
	}
	return nil
}

// DeleteArticle removes an article and all of its chunks, for use when a
// file is deleted or moved out of the allowlist.
func (s *Store) DeleteArticle(ctx context.Context, repository, path string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.UpstreamFailure("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE repository = $1 AND path = $2`, repository, path); err != nil {
		return apperrors.UpstreamFailure("deleting chunks", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM articles WHERE repository = $1 AND path = $2`, repository, path); err != nil {
		return apperrors.UpstreamFailure("deleting article", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.UpstreamFailure("committing transaction", err)
	}
	return nil
}

// DeleteByRun removes every chunk (and, via the embedding column on that
// same row, its embedding) written during one indexing invocation, and
// returns how many chunks were removed. Used to garbage-collect a run that
// was superseded or aborted without touching chunks any other run wrote.
func (s *Store) DeleteByRun(ctx context.Context, runID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE index_run_id = $1`, runID)
	if err != nil {
		return 0, apperrors.UpstreamFailure("deleting chunks by run", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetArticle returns the stored article row, if present.
func (s *Store) GetArticle(ctx context.Context, repository, path string) (models.Article, bool, error) {
	const q = `SELECT repository, path, title, revision, indexed_at FROM articles WHERE repository = $1 AND path = $2`
	var a models.Article
	err := s.pool.QueryRow(ctx, q, repository, path).Scan(&a.Repository, &a.Path, &a.Title, &a.Revision, &a.IndexedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Article{}, false, nil
		}
		return models.Article{}, false, apperrors.UpstreamFailure("fetching article", err)
	}
	return a, true, nil
}

// GetArticleChunks returns an article's stored chunks in reading order.
// Article content lives only at the chunk level, so reconstructing a full
// article (e.g. for the fetch_articles tool) means concatenating these in
// ordinal order.
func (s *Store) GetArticleChunks(ctx context.Context, repository, path string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, repository, path, title, section_heading, content, ordinal,
		       source_type, commit_sha, index_run_id, retrieval_program_version, created_at
		FROM chunks
		WHERE repository = $1 AND path = $2
		ORDER BY ordinal`, repository, path)
	if err != nil {
		return nil, apperrors.UpstreamFailure("listing article chunks", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(
			&c.ID, &c.Repository, &c.Path, &c.Title, &c.SectionHeading, &c.Content, &c.Ordinal,
			&c.SourceType, &c.Revision, &c.IndexRunID, &c.RetrievalProgramVersion, &c.CreatedAt,
		); err != nil {
			return nil, apperrors.Parse("scanning article chunk", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListArticlePaths returns every indexed path for a repository, used by the
// indexer to detect files removed upstream since the last run.
func (s *Store) ListArticlePaths(ctx context.Context, repository string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT path FROM articles WHERE repository = $1`, repository)
	if err != nil {
		return nil, apperrors.UpstreamFailure("listing article paths", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apperrors.Parse("scanning article path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ListIndexedRepos summarizes every repository with at least one indexed
// article, for GET /debug/version and the indexer CLI's --list flag.
func (s *Store) ListIndexedRepos(ctx context.Context) ([]models.IndexedRepoSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT repository, COUNT(*), MAX(indexed_at)
		FROM articles
		GROUP BY repository
		ORDER BY repository`)
	if err != nil {
		return nil, apperrors.UpstreamFailure("listing indexed repositories", err)
	}
	defer rows.Close()

	var out []models.IndexedRepoSummary
	for rows.Next() {
		var r models.IndexedRepoSummary
		if err := rows.Scan(&r.Repository, &r.ArticleCount, &r.LastIndexedAt); err != nil {
			return nil, apperrors.Parse("scanning indexed repo summary", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VectorSearch returns the k nearest chunks to queryVec by cosine similarity.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, k int, repository string) ([]models.SearchResult, error) {
	args := []any{pgvector.NewVector(queryVec)}
	where := "embedding IS NOT NULL"
	if repository != "" {
		where += " AND repository = $2"
		args = append(args, repository)
	}
	args = append(args, k)
	limitIdx := len(args)

	q := fmt.Sprintf(`
		SELECT id, repository, path, title, section_heading, content, ordinal,
		       source_type, commit_sha, index_run_id, retrieval_program_version, created_at,
		       LEAST(GREATEST(1.0 - (embedding <=> $1), 0), 1) AS similarity
		FROM chunks
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, where, limitIdx)

	return s.scanSearchResults(ctx, q, args...)
}

// KeywordSearch returns the k best chunks by ts_rank_cd against queryText.
// When the text query produces no lexemes it returns no results; there is
// no trigram path-similarity fallback.
func (s *Store) KeywordSearch(ctx context.Context, queryText string, k int, repository string) ([]models.SearchResult, error) {
	qtext := strings.TrimSpace(queryText)
	if qtext == "" {
		return nil, nil
	}

	args := []any{qtext}
	where := "TRUE"
	if repository != "" {
		where += " AND repository = $2"
		args = append(args, repository)
	}
	args = append(args, k)
	limitIdx := len(args)

	q := fmt.Sprintf(`
		WITH parsed AS (
		  SELECT lower(x) AS lx
		  FROM ts_debug('english', $1) d, unnest(d.lexemes) AS x
		  WHERE d.alias NOT IN ('StopWord','Space','Blank','Punct','Num')
		),
		terms AS (
		  SELECT COALESCE(ARRAY_AGG(DISTINCT lx), ARRAY[]::text[]) AS all_terms FROM parsed
		),
		q AS (
		  SELECT
		    to_tsquery('english',
		      (SELECT CASE WHEN cardinality(all_terms) > 0 THEN array_to_string(all_terms, ' | ') ELSE NULL END FROM terms)
		    ) AS tq_any
		)
		SELECT id, repository, path, title, section_heading, content, ordinal,
		       source_type, commit_sha, index_run_id, retrieval_program_version, created_at,
		       LEAST(GREATEST(ts_rank_cd(ts_fielded, (SELECT tq_any FROM q)), 0), 1) AS similarity
		FROM chunks
		WHERE %s AND (SELECT tq_any FROM q) IS NOT NULL AND ts_fielded @@ (SELECT tq_any FROM q)
		ORDER BY similarity DESC
		LIMIT $%d`, where, limitIdx)

	return s.scanSearchResults(ctx, q, args...)
}

func (s *Store) scanSearchResults(ctx context.Context, q string, args ...any) ([]models.SearchResult, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.UpstreamFailure("executing search query", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var c models.Chunk
		var sim float64
		if err := rows.Scan(
			&c.ID, &c.Repository, &c.Path, &c.Title, &c.SectionHeading, &c.Content, &c.Ordinal,
			&c.SourceType, &c.Revision, &c.IndexRunID, &c.RetrievalProgramVersion, &c.CreatedAt,
			&sim,
		); err != nil {
			return nil, apperrors.Parse("scanning search result", err)
		}
		out = append(out, models.SearchResult{ID: c.ID, Chunk: c, Similarity: sim})
	}
	return out, rows.Err()
}

// QALog is one persisted request's full telemetry record: the route
// decision, retrieval metadata, fetched evidence, the synthesised text
// both before and after the guardrail pass, the final confidence and
// escalation draft, and end-to-end latency. A replay re-runs routing and
// retrieval from the persisted question and pinned versions.
type QALog struct {
	RequestID           string
	Question            string
	RouterVersion       string
	RouterMode          string
	RouterConfidence    string
	RouterHints         []string
	RetrievalVersion    string
	QueriesUsed         []string
	RetrievalK          int
	CandidateIDs        []string
	TopSimilarities     []float64
	FetchedURLs         []string
	PreGuardrailText    string
	PostGuardrailText   string
	Confidence          string
	EscalationTitle     string
	EscalationType      string
	EscalationProblem   string
	LatencyMS           int64
	CreatedAt           time.Time
}

// InsertQALog persists the per-request telemetry a replay needs to
// reproduce routing and retrieval deterministically.
func (s *Store) InsertQALog(ctx context.Context, l QALog) error {
	const q = `
		INSERT INTO qa_logs (
			request_id, question, router_version, router_mode, router_confidence, router_hints,
			retrieval_version, queries_used, retrieval_k, candidate_ids, top_similarities, fetched_urls,
			pre_guardrail_text, post_guardrail_text, confidence,
			escalation_title, escalation_type, escalation_problem, latency_ms, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19, now())
		ON CONFLICT (request_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q,
		l.RequestID, l.Question, l.RouterVersion, l.RouterMode, l.RouterConfidence, l.RouterHints,
		l.RetrievalVersion, l.QueriesUsed, l.RetrievalK, l.CandidateIDs, l.TopSimilarities, l.FetchedURLs,
		l.PreGuardrailText, l.PostGuardrailText, l.Confidence,
		l.EscalationTitle, l.EscalationType, l.EscalationProblem, l.LatencyMS,
	)
	if err != nil {
		return apperrors.UpstreamFailure("inserting qa log", err)
	}
	return nil
}

// GetQALog fetches a persisted request by id, for replay.
func (s *Store) GetQALog(ctx context.Context, requestID string) (QALog, bool, error) {
	const q = `
		SELECT request_id, question, router_version, router_mode, router_confidence, router_hints,
			retrieval_version, queries_used, retrieval_k, candidate_ids, top_similarities, fetched_urls,
			pre_guardrail_text, post_guardrail_text, confidence,
			escalation_title, escalation_type, escalation_problem, latency_ms, created_at
		FROM qa_logs WHERE request_id = $1`
	var l QALog
	err := s.pool.QueryRow(ctx, q, requestID).Scan(
		&l.RequestID, &l.Question, &l.RouterVersion, &l.RouterMode, &l.RouterConfidence, &l.RouterHints,
		&l.RetrievalVersion, &l.QueriesUsed, &l.RetrievalK, &l.CandidateIDs, &l.TopSimilarities, &l.FetchedURLs,
		&l.PreGuardrailText, &l.PostGuardrailText, &l.Confidence,
		&l.EscalationTitle, &l.EscalationType, &l.EscalationProblem, &l.LatencyMS, &l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QALog{}, false, nil
		}
		return QALog{}, false, apperrors.UpstreamFailure("fetching qa log", err)
	}
	return l, true, nil
}

// InsertFeedback records a user's reaction to a past answer.
func (s *Store) InsertFeedback(ctx context.Context, f models.Feedback) error {
	const q = `
		INSERT INTO feedback (request_id, label, user_id, source, created_at)
		VALUES ($1,$2,$3,$4, now())`
	_, err := s.pool.Exec(ctx, q, f.RequestID, f.Label, f.UserID, f.Source)
	if err != nil {
		return apperrors.UpstreamFailure("inserting feedback", err)
	}
	return nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
