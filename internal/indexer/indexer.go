// Package indexer drives the ingestion pipeline: fetch an article's
// content from its VCS host, chunk it, embed each chunk, and replace the
// article's stored chunks atomically. Concurrency shape (worker pool over
// a buffered channel, wait group, best-effort error channel) is kept from
// internal/indexer/indexer.go's original local-filesystem Run loop.
package indexer

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/apperrors"
	"github.com/light/lightopedia/internal/chunker"
	"github.com/light/lightopedia/internal/fetcher"
	"github.com/light/lightopedia/internal/policy"
	"github.com/light/lightopedia/pkg/models"
)

// ArticleStore is the subset of internal/store.Store the indexer needs;
// narrowed to an interface so tests can substitute an in-memory fake.
type ArticleStore interface {
	GetArticle(ctx context.Context, repository, path string) (models.Article, bool, error)
	ReplaceArticleChunks(ctx context.Context, article models.Article, chunks []models.Chunk, embeddings [][]float32) error
	DeleteArticle(ctx context.Context, repository, path string) error
	ListArticlePaths(ctx context.Context, repository string) ([]string, error)
}

// TreeFetcher is the subset of internal/fetcher.Fetcher the indexer needs.
type TreeFetcher interface {
	ListTree(ctx context.Context, repo, ref string) ([]fetcher.TreeEntry, error)
	FetchBlob(ctx context.Context, repo, path, ref string) (fetcher.Blob, error)
	ResolveRef(ctx context.Context, repo, ref string) (string, error)
}

// Indexer indexes articles from allowlisted repositories into an
// ArticleStore.
type Indexer struct {
	Store            ArticleStore
	Fetcher          TreeFetcher
	Client           ai.Client
	RetrievalVersion string
}

// New creates an Indexer wired to a live store, fetcher, and AI client.
func New(s ArticleStore, f TreeFetcher, client ai.Client, retrievalVersion string) *Indexer {
	return &Indexer{Store: s, Fetcher: f, Client: client, RetrievalVersion: retrievalVersion}
}

// workItem is one article to fetch, chunk, embed, and store.
type workItem struct {
	repository string
	path       string
	ref        string
	force      bool
	runID      string
}

// IndexFile fetches one article, re-chunks it, re-embeds every chunk, and
// replaces its stored chunks transactionally. Returns (false, nil) when the
// path is denied by policy, rather than an error: policy denial is routine,
// not exceptional. When force is false and the store already has this
// article at the same revision, IndexFile is a no-op — this is what keeps
// a nightly full backfill idempotent against the webhook deltas that
// already handled the same revision. runID is stamped onto every chunk this
// call writes, identifying the indexing invocation it belongs to so a later
// DeleteByRun can roll the write back.
func (ix *Indexer) IndexFile(ctx context.Context, repository, path, ref string, force bool, runID string) (bool, error) {
	decision := policy.ValidateIndex(repository, path)
	if !decision.Allowed {
		log.Debug().Str("repo", repository).Str("path", path).Str("reason", decision.Reason).Msg("skipping path")
		return false, nil
	}

	if !force {
		if existing, ok, err := ix.Store.GetArticle(ctx, repository, path); err == nil && ok && existing.Revision == ref {
			log.Debug().Str("repo", repository).Str("path", path).Str("revision", ref).Msg("already indexed at this revision, skipping")
			return false, nil
		}
	}

	blob, err := ix.Fetcher.FetchBlob(ctx, repository, path, ref)
	if err != nil {
		return false, fmt.Errorf("fetching %s/%s@%s: %w", repository, path, ref, err)
	}

	chunks := chunker.ChunkArticle(blob.Content, repository+"/"+path)
	if len(chunks) == 0 {
		log.Warn().Str("repo", repository).Str("path", path).Msg("article produced zero chunks, deleting any existing entry")
		if err := ix.Store.DeleteArticle(ctx, repository, path); err != nil {
			return false, fmt.Errorf("deleting empty article %s/%s: %w", repository, path, err)
		}
		return true, nil
	}

	title := chunks[0].Title
	article := models.Article{
		Repository: repository,
		Path:       path,
		Title:      title,
		Content:    blob.Content,
		Revision:   ref,
	}

	storedChunks := make([]models.Chunk, 0, len(chunks))
	embeddings := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		vec, err := ix.Client.Embed(ctx, embedInput(c))
		if err != nil {
			return false, fmt.Errorf("embedding chunk %d of %s/%s: %w", c.Ordinal, repository, path, err)
		}
		storedChunks = append(storedChunks, models.Chunk{
			Repository:              repository,
			Path:                    path,
			Title:                   c.Title,
			SectionHeading:          c.SectionHeading,
			Content:                 c.Content,
			Ordinal:                 c.Ordinal,
			SourceType:              models.SourceTypeArticle,
			Revision:                ref,
			IndexRunID:              runID,
			RetrievalProgramVersion: ix.RetrievalVersion,
		})
		embeddings = append(embeddings, vec)
	}

	if err := ix.Store.ReplaceArticleChunks(ctx, article, storedChunks, embeddings); err != nil {
		return false, fmt.Errorf("replacing chunks for %s/%s: %w", repository, path, err)
	}

	log.Info().Str("repo", repository).Str("path", path).Int("chunks", len(storedChunks)).Msg("indexed article")
	return true, nil
}

// IndexRepo resolves ref to a commit SHA, lists every allowlisted path in
// the tree, and indexes each one concurrently. Paths present in the store
// but absent from the tree are deleted, so a shrunk repository converges
// to the correct set of stored articles.
func (ix *Indexer) IndexRepo(ctx context.Context, repository, ref string, force bool) error {
	if !policy.IsAllowedRepo(repository) {
		return apperrors.Validation(fmt.Sprintf("repository %q is not on the allowlist", repository), nil)
	}

	runID := xid.New().String()

	sha, err := ix.Fetcher.ResolveRef(ctx, repository, ref)
	if err != nil {
		return fmt.Errorf("resolving ref %s for %s: %w", ref, repository, err)
	}

	entries, err := ix.Fetcher.ListTree(ctx, repository, sha)
	if err != nil {
		return fmt.Errorf("listing tree for %s@%s: %w", repository, sha, err)
	}

	seen := make(map[string]bool, len(entries))
	items := make([]workItem, 0, len(entries))
	for _, e := range entries {
		if !policy.ShouldIndex(e.Path) {
			continue
		}
		seen[e.Path] = true
		items = append(items, workItem{repository: repository, path: e.Path, ref: sha, force: force, runID: runID})
	}

	if err := ix.runWorkers(ctx, items); err != nil {
		return err
	}

	existing, err := ix.Store.ListArticlePaths(ctx, repository)
	if err != nil {
		return fmt.Errorf("listing existing articles for %s: %w", repository, err)
	}
	for _, p := range existing {
		if seen[p] {
			continue
		}
		log.Info().Str("repo", repository).Str("path", p).Msg("removing stale article")
		if err := ix.Store.DeleteArticle(ctx, repository, p); err != nil {
			log.Error().Err(err).Str("repo", repository).Str("path", p).Msg("failed to delete stale article")
		}
	}

	return nil
}

// runWorkers fans items out across a bounded worker pool, matching the
// original Run loop's channel/WaitGroup/best-effort-error-channel shape.
func (ix *Indexer) runWorkers(ctx context.Context, items []workItem) error {
	numWorkers := runtime.NumCPU()
	if numWorkers > 8 {
		numWorkers = 8
	}
	if numWorkers > len(items) && len(items) > 0 {
		numWorkers = len(items)
	}
	if numWorkers == 0 {
		return nil
	}

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				if _, err := ix.IndexFile(ctx, item.repository, item.path, item.ref, item.force, item.runID); err != nil {
					select {
					case errorChan <- err:
					default:
						log.Error().Err(err).Str("path", item.path).Msg("indexing worker error")
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errorChan)
	}()

	for _, item := range items {
		select {
		case workChan <- item:
		case <-ctx.Done():
			close(workChan)
			return ctx.Err()
		}
	}
	close(workChan)

	wg.Wait()
	select {
	case err := <-errorChan:
		if err != nil {
			return err
		}
	default:
	}
	return nil
}

// PushEvent is the subset of a VCS host's push webhook payload the indexer
// acts on.
type PushEvent struct {
	Repository string
	Ref        string
	After      string
	Added      []string
	Modified   []string
	Removed    []string
}

// HandleWebhookPush incrementally re-indexes exactly the files a push
// touched, instead of re-walking the whole tree.
func (ix *Indexer) HandleWebhookPush(ctx context.Context, ev PushEvent) error {
	if !policy.IsAllowedRepo(ev.Repository) {
		log.Debug().Str("repo", ev.Repository).Msg("ignoring push for non-allowlisted repository")
		return nil
	}

	ref := ev.After
	if strings.TrimSpace(ref) == "" {
		ref = ev.Ref
	}

	runID := xid.New().String()

	items := make([]workItem, 0, len(ev.Added)+len(ev.Modified))
	for _, p := range append(append([]string{}, ev.Added...), ev.Modified...) {
		items = append(items, workItem{repository: ev.Repository, path: p, ref: ref, force: true, runID: runID})
	}
	if err := ix.runWorkers(ctx, items); err != nil {
		return err
	}

	for _, p := range ev.Removed {
		if err := ix.Store.DeleteArticle(ctx, ev.Repository, p); err != nil {
			log.Error().Err(err).Str("repo", ev.Repository).Str("path", p).Msg("failed to delete removed article")
		}
	}
	return nil
}

// embedInput is what gets embedded for a chunk: the section heading (if
// any) prepended to the content, so short chunks under a distinctive
// heading still embed distinctly from their siblings.
func embedInput(c chunker.Chunk) string {
	if c.SectionHeading == "" {
		return c.Content
	}
	return c.SectionHeading + "\n\n" + c.Content
}
