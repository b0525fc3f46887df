// Package agent implements the bounded tool-calling state machine that
// orchestrates an external conversational model to answer a routed
// question. Tool{Name,Description,Parameters,Execute} contract and its
// defensive map[string]any argument parsing are grounded on
// blib-picoclaw/pkg/tools/rag_search.go; the two-phase tool-loop/clean-
// synthesis split is spec-literal.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rs/zerolog/log"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/router"
	"github.com/light/lightopedia/pkg/models"
)

// MaxIter bounds the tool-calling loop's iterations.
const MaxIter = 5

const (
	toolKnowledgeBase   = "knowledge_base"
	toolFetchArticles   = "fetch_articles"
	toolSearchArticles  = "search_articles"
	toolEscalateToHuman = "escalate_to_human"

	maxFetchURLs        = 15
	maxSearchHits       = 8
	threadHistoryLimit  = 4
	threadTruncateChars = 300
	attachmentTruncate  = 2000
)

// FetchedArticle is one article the loop pulled into evidence, either via
// fetch_articles or search_articles.
type FetchedArticle struct {
	URL     string
	Title   string
	Content string
}

// KnowledgeBase supplies the curated table-of-contents manifest the
// knowledge_base tool returns.
type KnowledgeBase interface {
	Manifest(ctx context.Context) (string, error)
}

// ArticleFetcher fetches one article's full content by URL, trying a
// primary live fetch before a secondary fallback.
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, url string) (title, content string, err error)
}

// ArticleSearcher runs a natural-language query over the article corpus,
// reusing retrieval's core.
type ArticleSearcher interface {
	SearchArticles(ctx context.Context, query string) ([]FetchedArticle, error)
}

// Deps wires the loop's tool implementations.
type Deps struct {
	Client        ai.Client
	KnowledgeBase KnowledgeBase
	Fetcher       ArticleFetcher
	Searcher      ArticleSearcher
}

// Result is what the loop hands back to the answer assembler.
type Result struct {
	DraftAnswer     string
	FetchedArticles []FetchedArticle
	Escalation      *models.EscalationDraft
}

type state struct {
	messages        []ai.Message
	fetchedURLs     map[string]bool
	fetchedArticles []FetchedArticle
	escalation      *models.EscalationDraft
	iteration       int
}

// Run executes the bounded tool loop (phase 1) followed by clean
// synthesis (phase 2).
func Run(ctx context.Context, deps Deps, question string, route router.Decision, threadHistory, attachments []string) (Result, error) {
	st := &state{
		messages:    buildInitialMessages(question, threadHistory, attachments),
		fetchedURLs: make(map[string]bool),
	}

	tools := toolCatalog()

	for st.iteration < MaxIter {
		result, err := deps.Client.Complete(ctx, ai.CompletionRequest{
			Messages:    st.messages,
			Tools:       tools,
			Temperature: 0.3,
			MaxTokens:   1024,
		})
		if err != nil {
			return Result{}, fmt.Errorf("agent loop completion: %w", err)
		}

		if len(result.ToolCalls) == 0 {
			st.messages = append(st.messages, ai.Message{Role: "assistant", Content: result.Content})
			break
		}

		st.messages = append(st.messages, ai.Message{Role: "assistant", Content: result.Content})
		for _, call := range result.ToolCalls {
			output := executeTool(ctx, deps, st, call)
			st.messages = append(st.messages, ai.Message{Role: "tool", Content: output})
		}
		st.iteration++
	}

	draft, err := synthesize(ctx, deps, st, question, threadHistory)
	if err != nil {
		return Result{}, err
	}

	return Result{
		DraftAnswer:     draft,
		FetchedArticles: st.fetchedArticles,
		Escalation:      st.escalation,
	}, nil
}

func buildInitialMessages(question string, threadHistory, attachments []string) []ai.Message {
	messages := []ai.Message{{Role: "system", Content: toolLoopSystemPrompt}}
	if block := threadHistoryBlock(threadHistory); block != "" {
		messages = append(messages, ai.Message{Role: "system", Content: block})
	}

	user := question
	for _, a := range attachments {
		user += "\n\n" + truncate(a, attachmentTruncate)
	}
	messages = append(messages, ai.Message{Role: "user", Content: user})
	return messages
}

func threadHistoryBlock(history []string) string {
	if len(history) == 0 {
		return ""
	}
	last := history
	if len(last) > threadHistoryLimit {
		last = last[len(last)-threadHistoryLimit:]
	}
	var sb strings.Builder
	sb.WriteString("Recent thread history:\n")
	for _, m := range last {
		sb.WriteString("- ")
		sb.WriteString(truncate(m, threadTruncateChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

func executeTool(ctx context.Context, deps Deps, st *state, call ai.ToolCall) string {
	args := parseToolArgs(call.Name, call.Arguments)

	switch call.Name {
	case toolKnowledgeBase:
		manifest, err := deps.KnowledgeBase.Manifest(ctx)
		if err != nil {
			return fmt.Sprintf("knowledge_base failed: %v", err)
		}
		return manifest

	case toolFetchArticles:
		return executeFetchArticles(ctx, deps, st, args)

	case toolSearchArticles:
		return executeSearchArticles(ctx, deps, st, args)

	case toolEscalateToHuman:
		return executeEscalate(st, args)

	default:
		return fmt.Sprintf("unknown tool %q", call.Name)
	}
}

func parseToolArgs(toolName, raw string) map[string]any {
	var args map[string]any
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Warn().Err(err).Str("tool", toolName).Str("raw", raw).Msg("failed to parse tool call arguments, using empty object")
		return map[string]any{}
	}
	return args
}

func executeFetchArticles(ctx context.Context, deps Deps, st *state, args map[string]any) string {
	rawURLs, _ := args["urls"].([]any)
	var urls []string
	for _, u := range rawURLs {
		if s, ok := u.(string); ok {
			urls = append(urls, s)
		}
	}
	if len(urls) > maxFetchURLs {
		urls = urls[:maxFetchURLs]
	}

	var sb strings.Builder
	fetchedAny := false
	for _, url := range urls {
		if st.fetchedURLs[url] {
			continue
		}
		title, content, err := deps.Fetcher.FetchArticle(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("fetch_articles: fetch failed")
			continue
		}
		st.fetchedURLs[url] = true
		st.fetchedArticles = append(st.fetchedArticles, FetchedArticle{URL: url, Title: title, Content: content})
		sb.WriteString(fmt.Sprintf("=== %s (%s) ===\n%s\n\n", title, url, content))
		fetchedAny = true
	}
	if !fetchedAny {
		return "no articles could be fetched"
	}
	return sb.String()
}

func executeSearchArticles(ctx context.Context, deps Deps, st *state, args map[string]any) string {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "query is required"
	}

	hits, err := deps.Searcher.SearchArticles(ctx, query)
	if err != nil {
		return fmt.Sprintf("search_articles failed: %v", err)
	}
	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
	}

	var sb strings.Builder
	for _, h := range hits {
		if !st.fetchedURLs[h.URL] {
			st.fetchedURLs[h.URL] = true
			st.fetchedArticles = append(st.fetchedArticles, h)
		}
		sb.WriteString(fmt.Sprintf("=== %s (%s) ===\n%s\n\n", h.Title, h.URL, h.Content))
	}
	if sb.Len() == 0 {
		return "no matching articles found"
	}
	return sb.String()
}

func executeEscalate(st *state, args map[string]any) string {
	title, _ := args["title"].(string)
	requestType, _ := args["request_type"].(string)
	problem, _ := args["problem_statement"].(string)

	switch requestType {
	case models.RequestTypeFeatureRequest, models.RequestTypeBugReport,
		models.RequestTypeSupportNeeded, models.RequestTypeDocumentationGap:
	default:
		requestType = models.RequestTypeSupportNeeded
	}

	st.escalation = &models.EscalationDraft{
		Title:            title,
		RequestType:      requestType,
		ProblemStatement: problem,
	}
	return "Escalation recorded: a documented request has been drafted for the support team to review."
}

// synthesize is phase 2: a fresh, tool-free completion isolated from the
// bulky phase-1 tool history.
func synthesize(ctx context.Context, deps Deps, st *state, question string, threadHistory []string) (string, error) {
	if len(st.fetchedArticles) > 0 {
		messages := []ai.Message{{Role: "system", Content: synthesisSystemPrompt}}
		if block := compressedThreadHistory(threadHistory); block != "" {
			messages = append(messages, ai.Message{Role: "system", Content: block})
		}

		var sb strings.Builder
		for i, a := range st.fetchedArticles {
			sb.WriteString(fmt.Sprintf("[[%d]](%s) %s\n%s\n\n", i+1, a.URL, a.Title, a.Content))
		}
		sb.WriteString("\nQuestion: ")
		sb.WriteString(question)
		messages = append(messages, ai.Message{Role: "user", Content: sb.String()})

		result, err := deps.Client.Complete(ctx, ai.CompletionRequest{
			Messages:    messages,
			Temperature: 0.3,
			MaxTokens:   1024,
		})
		if err != nil {
			return "", fmt.Errorf("synthesis completion: %w", err)
		}
		return result.Content, nil
	}

	if st.escalation != nil {
		return lastAssistantMessage(st.messages), nil
	}

	result, err := deps.Client.Complete(ctx, ai.CompletionRequest{
		Messages:    st.messages,
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", fmt.Errorf("fallback synthesis completion: %w", err)
	}
	return result.Content, nil
}

func lastAssistantMessage(messages []ai.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

// compressedThreadHistory always keeps the thread parent (first message)
// plus the last 3 messages.
func compressedThreadHistory(history []string) string {
	if len(history) == 0 {
		return ""
	}
	kept := []string{history[0]}
	tail := history[1:]
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	kept = append(kept, tail...)

	var sb strings.Builder
	sb.WriteString("Thread history:\n")
	for _, m := range kept {
		sb.WriteString("- ")
		sb.WriteString(truncate(m, threadTruncateChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

const toolLoopSystemPrompt = `You are Lightopedia, an internal assistant that answers questions about the Light platform using its documented knowledge base. You may call tools to look up the knowledge base table of contents, fetch specific articles, search articles semantically, or escalate to a human when the knowledge base cannot answer. Do not invent capabilities Light does not document.`

const synthesisSystemPrompt = `You are Lightopedia, synthesizing a final answer from the evidence already gathered. Cite every factual claim inline as [[n]](url) where n refers to the numbered evidence below. Explicitly distinguish what Light does from what Light does not do. Use a plain-language, enablement tone. Use single asterisks for emphasis, never double asterisks. Do not call any tools.`

// toolCatalog is the tool set exposed to the model. Schemas are built with
// google/jsonschema-go and sent to the model as each tool's parameter
// definition; tool-call arguments are not validated against them before
// execution (parseToolArgs only decodes the JSON).
func toolCatalog() []ai.ToolSpec {
	return []ai.ToolSpec{
		{
			Name:        toolKnowledgeBase,
			Description: "Returns a curated hierarchical table of contents of all indexed articles.",
			Schema:      schemaToMap(&jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}),
		},
		{
			Name:        toolFetchArticles,
			Description: "Fetches full content for up to 15 article URLs.",
			Schema: schemaToMap(&jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"urls": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
				},
				Required: []string{"urls"},
			}),
		},
		{
			Name:        toolSearchArticles,
			Description: "Searches articles by semantic similarity to a natural-language query.",
			Schema: schemaToMap(&jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string"},
				},
				Required: []string{"query"},
			}),
		},
		{
			Name:        toolEscalateToHuman,
			Description: "Records an escalation draft for a human to review; does not end the conversation.",
			Schema: schemaToMap(&jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"title": {Type: "string"},
					"request_type": {
						Type: "string",
						Enum: []any{
							models.RequestTypeFeatureRequest, models.RequestTypeBugReport,
							models.RequestTypeSupportNeeded, models.RequestTypeDocumentationGap,
						},
					},
					"problem_statement": {Type: "string"},
				},
				Required: []string{"title", "request_type", "problem_statement"},
			}),
		},
	}
}

// schemaToMap round-trips a typed jsonschema.Schema through JSON into the
// map[string]any shape ai.ToolSpec carries across provider boundaries.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
