// Command api is Lightopedia's HTTP composition root: it wires the
// routing, retrieval, agentic synthesis, guardrail, and replay packages
// together behind POST /api/v1/ask, the debug endpoints, and the push
// webhook. Server construction (pflag-backed config, zerolog, hlog
// request-id/access-log wiring, http.ServeMux) is kept from
// seanblong-reposearch/cmd/api/main.go.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/light/lightopedia/internal/agent"
	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/answer"
	"github.com/light/lightopedia/internal/apperrors"
	"github.com/light/lightopedia/internal/auth"
	"github.com/light/lightopedia/internal/config"
	"github.com/light/lightopedia/internal/fetcher"
	"github.com/light/lightopedia/internal/indexer"
	"github.com/light/lightopedia/internal/policy"
	"github.com/light/lightopedia/internal/replay"
	"github.com/light/lightopedia/internal/retrieval"
	"github.com/light/lightopedia/internal/router"
	"github.com/light/lightopedia/internal/store"
	"github.com/light/lightopedia/pkg/models"
)

// articleURLSep separates a repository slug from a path within the
// article URLs handed to the agent loop's tools, since both halves may
// themselves contain "/".
const articleURLSep = "::"

func articleURL(repository, path string) string { return repository + articleURLSep + path }

func splitArticleURL(url string) (repository, path string, ok bool) {
	i := strings.Index(url, articleURLSep)
	if i < 0 {
		return "", "", false
	}
	return url[:i], url[i+len(articleURLSep):], true
}

// knowledgeBaseAdapter satisfies agent.KnowledgeBase over the store.
type knowledgeBaseAdapter struct{ store *store.Store }

func (k knowledgeBaseAdapter) Manifest(ctx context.Context) (string, error) {
	repos, err := k.store.ListIndexedRepos(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range repos {
		paths, err := k.store.ListArticlePaths(ctx, r.Repository)
		if err != nil {
			log.Printf("knowledge_base: listing paths for %s: %v", r.Repository, err)
			continue
		}
		sb.WriteString(r.Repository)
		sb.WriteString(":\n")
		for _, p := range paths {
			sb.WriteString("  - ")
			sb.WriteString(p)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// articleFetcherAdapter satisfies agent.ArticleFetcher over the store,
// reconstructing an article's full content from its stored chunks.
type articleFetcherAdapter struct{ store *store.Store }

func (f articleFetcherAdapter) FetchArticle(ctx context.Context, url string) (title, content string, err error) {
	repository, path, ok := splitArticleURL(url)
	if !ok {
		return "", "", apperrors.Validation("malformed article url "+url, nil)
	}
	article, found, err := f.store.GetArticle(ctx, repository, path)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", apperrors.NotFound("article not found: "+url, nil)
	}
	chunks, err := f.store.GetArticleChunks(ctx, repository, path)
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Content)
		sb.WriteString("\n\n")
	}
	return article.Title, strings.TrimSpace(sb.String()), nil
}

// articleSearcherAdapter satisfies agent.ArticleSearcher by reusing the
// same hybrid retrieval engine the router's evidence pass uses, but
// unconstrained by a query-hint list or repository filter.
type articleSearcherAdapter struct{ engine *retrieval.Engine }

func (s articleSearcherAdapter) SearchArticles(ctx context.Context, query string) ([]agent.FetchedArticle, error) {
	pack := s.engine.Retrieve(ctx, query, nil, "")
	out := make([]agent.FetchedArticle, 0, len(pack.Candidates))
	for _, c := range pack.Candidates {
		out = append(out, agent.FetchedArticle{
			URL:     articleURL(c.Chunk.Repository, c.Chunk.Path),
			Title:   c.Chunk.Title,
			Content: c.Chunk.Content,
		})
	}
	return out, nil
}

type askRequest struct {
	Question      string            `json:"question"`
	ThreadHistory []string          `json:"thread_history,omitempty"`
	UserContext   map[string]string `json:"user_context,omitempty"`
}

type replayRequest struct {
	RequestID     string   `json:"request_id,omitempty"`
	Question      string   `json:"question,omitempty"`
	ThreadHistory []string `json:"thread_history,omitempty"`
}

type replayResponse struct {
	Route      router.Decision      `json:"route"`
	Candidates []models.SearchResult `json:"candidates"`
	Found      bool                 `json:"found"`
}

type versionResponse struct {
	RouterVersion    string                     `json:"router_version"`
	RetrievalVersion string                     `json:"retrieval_version"`
	IndexedRepos     []models.IndexedRepoSummary `json:"indexed_repos"`
	DebugToken       string                     `json:"debug_token,omitempty"`
}

type server struct {
	store     *store.Store
	engine    *retrieval.Engine
	client    ai.Client
	auth      *auth.Authenticator
	logger    *replay.Logger
	indexer   *indexer.Indexer
	kb        knowledgeBaseAdapter
	fetcher   articleFetcherAdapter
	searcher  articleSearcherAdapter
}

func main() {
	fs := pflag.NewFlagSet("lightopedia-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting lightopedia api")

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer st.Close()

	clientConfig := &ai.ClientConfig{
		APIKey:       cfg.APIKey,
		EmbedModel:   cfg.EmbedModel,
		SummaryModel: cfg.SummaryModel,
		RouterModel:  cfg.RouterModel,
		RerankModel:  cfg.RerankModel,
		Dim:          cfg.Dim,
		ProjectID:    cfg.ProjectID,
		Location:     cfg.Location,
		Provider:     ai.Provider(strings.ToLower(cfg.Provider)),
	}
	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("failed to build ai client: %v", err)
	}

	if err := st.Migrate(ctx, client.Dim()); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	engine := retrieval.New(st, st, client, cfg.MinSimilarity, cfg.RetrievalVersion)
	fc := fetcher.New(cfg.GithubToken)
	ix := indexer.New(st, fc, client, cfg.RetrievalVersion)

	authenticator := auth.New(auth.Config{
		APIKeys:       apiKeyMap(cfg.APIKeys),
		JWTSecret:     []byte(cfg.Auth.JwtSecret),
		RatePerSecond: rate.Limit(cfg.RateLimitRPS),
		RateBurst:     cfg.RateLimitRPS,
	})

	srv := &server{
		store:    st,
		engine:   engine,
		client:   client,
		auth:     authenticator,
		logger:   replay.NewLogger(st),
		indexer:  ix,
		kb:       knowledgeBaseAdapter{store: st},
		fetcher:  articleFetcherAdapter{store: st},
		searcher: articleSearcherAdapter{engine: engine},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/debug/version", authenticator.Middleware(srv.handleDebugVersion))
	mux.HandleFunc("/debug/replay", authenticator.DebugMiddleware(srv.handleDebugReplay))
	mux.HandleFunc("/api/v1/ask", authenticator.Middleware(srv.handleAsk))
	mux.HandleFunc("/webhooks/push", srv.handleWebhookPush)

	handler := hlog.NewHandler(logger)(
		hlog.RequestIDHandler("request_id", "X-Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).
					Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
			})(mux),
		),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: addr, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

// apiKeyMap derives a loggable key id for each configured bearer token, as
// "key-" followed by the first 8 hex characters of its sha256 digest, so the raw token is
// never written to logs or telemetry.
func apiKeyMap(tokens []string) map[string]string {
	out := make(map[string]string, len(tokens))
	for _, t := range tokens {
		sum := sha256.Sum256([]byte(t))
		out[t] = "key-" + hex.EncodeToString(sum[:])[:8]
	}
	return out
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleDebugVersion reports the pinned component versions an operator
// needs to interpret a qa_log row, and issues a short-lived debug session
// token scoped to the authenticated key so the caller can then reach
// /debug/replay.
func (s *server) handleDebugVersion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	repos, err := s.store.ListIndexedRepos(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := versionResponse{
		RouterVersion:    router.Version,
		RetrievalVersion: s.engine.Version,
		IndexedRepos:     repos,
	}
	if token, err := s.auth.IssueDebugToken(auth.KeyIDFromContext(r)); err == nil {
		resp.DebugToken = token
	} else {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to issue debug token")
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleDebugReplay either replays a previously logged request by id
// (reproducing routing and retrieval from its persisted inputs) or, when
// given a bare question instead, runs routing and retrieval fresh. Either
// way it never runs synthesis.
func (s *server) handleDebugReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("malformed request body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if strings.TrimSpace(req.RequestID) != "" {
		outcome, err := replay.Replay(ctx, s.store, s.engine, s.client, req.RequestID, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, replayResponse{Route: outcome.Route, Candidates: outcome.Evidence.Candidates, Found: outcome.Found})
		return
	}

	if strings.TrimSpace(req.Question) == "" {
		writeError(w, apperrors.Validation("either request_id or question is required", nil))
		return
	}

	decision := router.Route(ctx, s.client, router.Request{Question: req.Question, ThreadHistory: req.ThreadHistory})
	pack := s.engine.Retrieve(ctx, req.Question, decision.QueryHints, "")
	writeJSON(w, http.StatusOK, replayResponse{Route: decision, Candidates: pack.Candidates, Found: true})
}

// handleAsk is the main entry point: route, retrieve, run the agentic
// synthesis loop, guardrail and assemble the final answer, then persist
// the request's full telemetry for later replay.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("malformed request body", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, apperrors.Validation("question is required", nil))
		return
	}

	requestID := requestIDFor(r)
	ctx := r.Context()

	decision := router.Route(ctx, s.client, router.Request{Question: req.Question, ThreadHistory: req.ThreadHistory})
	pack := s.engine.Retrieve(ctx, req.Question, decision.QueryHints, "")

	deps := agent.Deps{
		Client:        s.client,
		KnowledgeBase: s.kb,
		Fetcher:       s.fetcher,
		Searcher:      s.searcher,
	}

	loopResult, err := agent.Run(ctx, deps, req.Question, decision, req.ThreadHistory, nil)
	if err != nil {
		writeError(w, apperrors.UpstreamFailure("agent loop failed", err))
		return
	}

	preGuardrail := loopResult.DraftAnswer
	result := answer.Assemble(requestID, loopResult)

	fetchedURLs := make([]string, 0, len(loopResult.FetchedArticles))
	for _, a := range loopResult.FetchedArticles {
		fetchedURLs = append(fetchedURLs, a.URL)
	}

	if err := s.logger.Record(ctx, replay.Telemetry{
		RequestID:         requestID,
		Question:          req.Question,
		Route:             decision,
		Evidence:          pack,
		FetchedURLs:       fetchedURLs,
		PreGuardrailText:  preGuardrail,
		PostGuardrailText: result.Summary,
		Confidence:        string(result.Confidence),
		Escalation:        result.Escalation,
		Latency:           time.Since(start),
	}); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("request_id", requestID).Msg("failed to persist qa log")
	}

	writeJSON(w, http.StatusOK, result)
}

// requestIDFor prefers the hlog-assigned request id so server logs,
// qa_logs rows, and the caller's request_id all agree.
func requestIDFor(r *http.Request) string {
	if id, ok := hlog.IDFromRequest(r); ok {
		return id.String()
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}

// githubPushPayload is the subset of a GitHub push webhook body the
// indexer acts on. Signature verification is out of scope; this handler
// only trusts payloads reaching it over an already-secured channel.
type githubPushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

func (s *server) handleWebhookPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload githubPushPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 5<<20)).Decode(&payload); err != nil {
		writeError(w, apperrors.Validation("malformed webhook payload", err))
		return
	}

	ev := indexer.PushEvent{
		Repository: payload.Repository.FullName,
		Ref:        payload.Ref,
		After:      payload.After,
	}
	for _, c := range payload.Commits {
		ev.Added = append(ev.Added, c.Added...)
		ev.Modified = append(ev.Modified, c.Modified...)
		ev.Removed = append(ev.Removed, c.Removed...)
	}

	if !policy.IsAllowedRepo(ev.Repository) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := s.indexer.HandleWebhookPush(ctx, ev); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(apperrors.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
