package indexer

import (
	"context"
	"testing"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/fetcher"
	"github.com/light/lightopedia/pkg/models"
)

type fakeStore struct {
	articles map[string]models.Article
	chunks   map[string][]models.Chunk
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		articles: make(map[string]models.Article),
		chunks:   make(map[string][]models.Chunk),
	}
}

func key(repo, path string) string { return repo + "\x00" + path }

func (f *fakeStore) GetArticle(ctx context.Context, repository, path string) (models.Article, bool, error) {
	a, ok := f.articles[key(repository, path)]
	return a, ok, nil
}

func (f *fakeStore) ReplaceArticleChunks(ctx context.Context, article models.Article, chunks []models.Chunk, embeddings [][]float32) error {
	f.articles[key(article.Repository, article.Path)] = article
	f.chunks[key(article.Repository, article.Path)] = chunks
	return nil
}

func (f *fakeStore) DeleteArticle(ctx context.Context, repository, path string) error {
	delete(f.articles, key(repository, path))
	delete(f.chunks, key(repository, path))
	f.deleted = append(f.deleted, key(repository, path))
	return nil
}

func (f *fakeStore) ListArticlePaths(ctx context.Context, repository string) ([]string, error) {
	var out []string
	for k := range f.articles {
		if len(k) > len(repository) && k[:len(repository)] == repository {
			out = append(out, k[len(repository)+1:])
		}
	}
	return out, nil
}

type fakeFetcher struct {
	tree  []fetcher.TreeEntry
	blobs map[string]string
	sha   string
}

func (f *fakeFetcher) ListTree(ctx context.Context, repo, ref string) ([]fetcher.TreeEntry, error) {
	return f.tree, nil
}

func (f *fakeFetcher) FetchBlob(ctx context.Context, repo, path, ref string) (fetcher.Blob, error) {
	return fetcher.Blob{Path: path, Content: f.blobs[path], Revision: ref}, nil
}

func (f *fakeFetcher) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	if f.sha != "" {
		return f.sha, nil
	}
	return ref, nil
}

func TestIndexFileStoresChunksAndEmbeddings(t *testing.T) {
	store := newFakeStore()
	ft := &fakeFetcher{blobs: map[string]string{
		"docs/guide.md": "# Guide\n\nThis is the introduction paragraph with enough words to clear the minimum chunk size easily.\n",
	}}
	client, err := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 16})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ix := New(store, ft, client, "retrieval-v1")

	ok, err := ix.IndexFile(context.Background(), "light/help-docs", "docs/guide.md", "main", false, "run-123")
	if err != nil {
		t.Fatalf("IndexFile failed: %v", err)
	}
	if !ok {
		t.Fatal("expected IndexFile to report indexed=true")
	}

	chunks := store.chunks[key("light/help-docs", "docs/guide.md")]
	if len(chunks) == 0 {
		t.Fatal("expected at least one stored chunk")
	}
	for _, c := range chunks {
		if c.RetrievalProgramVersion != "retrieval-v1" {
			t.Errorf("RetrievalProgramVersion = %q", c.RetrievalProgramVersion)
		}
		if c.Revision != "main" {
			t.Errorf("Revision = %q, want main", c.Revision)
		}
		if c.IndexRunID != "run-123" {
			t.Errorf("IndexRunID = %q, want run-123", c.IndexRunID)
		}
	}
}

func TestIndexFileSkipsDeniedPath(t *testing.T) {
	store := newFakeStore()
	ft := &fakeFetcher{blobs: map[string]string{"package-lock.json": "{}"}}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	ok, err := ix.IndexFile(context.Background(), "light/help-docs", "package-lock.json", "main", false, "run-123")
	if err != nil {
		t.Fatalf("IndexFile failed: %v", err)
	}
	if ok {
		t.Error("expected denied path to report indexed=false")
	}
	if len(store.chunks) != 0 {
		t.Error("expected no chunks stored for a denied path")
	}
}

func TestIndexRepoRemovesStaleArticles(t *testing.T) {
	store := newFakeStore()
	store.articles[key("light/help-docs", "docs/old.md")] = models.Article{Repository: "light/help-docs", Path: "docs/old.md"}

	ft := &fakeFetcher{
		sha: "abc123",
		tree: []fetcher.TreeEntry{
			{Path: "docs/new.md", Type: "blob"},
		},
		blobs: map[string]string{
			"docs/new.md": "# New\n\nSome fresh content that is long enough to survive chunking on its own merits.\n",
		},
	}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	if err := ix.IndexRepo(context.Background(), "light/help-docs", "main", false); err != nil {
		t.Fatalf("IndexRepo failed: %v", err)
	}

	if _, ok := store.articles[key("light/help-docs", "docs/old.md")]; ok {
		t.Error("expected stale article docs/old.md to be removed")
	}
	if _, ok := store.articles[key("light/help-docs", "docs/new.md")]; !ok {
		t.Error("expected docs/new.md to be indexed")
	}
}

func TestIndexRepoStampsOneRunIDAcrossAllFiles(t *testing.T) {
	store := newFakeStore()
	ft := &fakeFetcher{
		sha: "abc123",
		tree: []fetcher.TreeEntry{
			{Path: "docs/a.md", Type: "blob"},
			{Path: "docs/b.md", Type: "blob"},
		},
		blobs: map[string]string{
			"docs/a.md": "# A\n\nFirst article with enough content to survive chunking on its own merits.\n",
			"docs/b.md": "# B\n\nSecond article with enough content to survive chunking on its own merits.\n",
		},
	}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	if err := ix.IndexRepo(context.Background(), "light/help-docs", "main", false); err != nil {
		t.Fatalf("IndexRepo failed: %v", err)
	}

	aChunks := store.chunks[key("light/help-docs", "docs/a.md")]
	bChunks := store.chunks[key("light/help-docs", "docs/b.md")]
	if len(aChunks) == 0 || len(bChunks) == 0 {
		t.Fatal("expected chunks for both articles")
	}
	runID := aChunks[0].IndexRunID
	if runID == "" {
		t.Fatal("expected a non-empty index_run_id")
	}
	for _, c := range append(append([]models.Chunk{}, aChunks...), bChunks...) {
		if c.IndexRunID != runID {
			t.Errorf("IndexRunID = %q, want every chunk from one IndexRepo call to share %q", c.IndexRunID, runID)
		}
	}
}

func TestIndexRepoRejectsNonAllowlistedRepo(t *testing.T) {
	store := newFakeStore()
	ft := &fakeFetcher{}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	err := ix.IndexRepo(context.Background(), "someone/unrelated", "main", false)
	if err == nil {
		t.Fatal("expected error for non-allowlisted repo")
	}
}

func TestIndexRepoNoOpWhenRevisionUnchangedAndNotForced(t *testing.T) {
	store := newFakeStore()
	store.articles[key("light/help-docs", "docs/new.md")] = models.Article{
		Repository: "light/help-docs", Path: "docs/new.md", Revision: "abc123",
	}
	store.chunks[key("light/help-docs", "docs/new.md")] = []models.Chunk{{Ordinal: 0}}

	ft := &fakeFetcher{
		sha: "abc123",
		tree: []fetcher.TreeEntry{
			{Path: "docs/new.md", Type: "blob"},
		},
		blobs: map[string]string{
			"docs/new.md": "# New\n\nDifferent content that would replace the stored chunk if re-embedded.\n",
		},
	}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	if err := ix.IndexRepo(context.Background(), "light/help-docs", "main", false); err != nil {
		t.Fatalf("IndexRepo failed: %v", err)
	}

	chunks := store.chunks[key("light/help-docs", "docs/new.md")]
	if len(chunks) != 1 || chunks[0].Ordinal != 0 {
		t.Errorf("expected the unchanged article's chunks to be left alone, got %+v", chunks)
	}
}

func TestIndexRepoForceReindexesUnchangedRevision(t *testing.T) {
	store := newFakeStore()
	store.articles[key("light/help-docs", "docs/new.md")] = models.Article{
		Repository: "light/help-docs", Path: "docs/new.md", Revision: "abc123",
	}
	store.chunks[key("light/help-docs", "docs/new.md")] = []models.Chunk{{Ordinal: 0}}

	ft := &fakeFetcher{
		sha: "abc123",
		tree: []fetcher.TreeEntry{
			{Path: "docs/new.md", Type: "blob"},
		},
		blobs: map[string]string{
			"docs/new.md": "# New\n\nDifferent content that replaces the stored chunk once re-embedded.\n",
		},
	}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	if err := ix.IndexRepo(context.Background(), "light/help-docs", "main", true); err != nil {
		t.Fatalf("IndexRepo failed: %v", err)
	}

	chunks := store.chunks[key("light/help-docs", "docs/new.md")]
	if len(chunks) == 0 || chunks[0].Content == "" {
		t.Errorf("expected force to re-embed and replace the stored chunks with real content, got %+v", chunks)
	}
}

func TestHandleWebhookPushIndexesAndDeletes(t *testing.T) {
	store := newFakeStore()
	store.articles[key("light/help-docs", "docs/remove-me.md")] = models.Article{Repository: "light/help-docs", Path: "docs/remove-me.md"}

	ft := &fakeFetcher{blobs: map[string]string{
		"docs/added.md": "# Added\n\nContent added by this push, long enough to survive chunking on its own.\n",
	}}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	err := ix.HandleWebhookPush(context.Background(), PushEvent{
		Repository: "light/help-docs",
		After:      "def456",
		Added:      []string{"docs/added.md"},
		Removed:    []string{"docs/remove-me.md"},
	})
	if err != nil {
		t.Fatalf("HandleWebhookPush failed: %v", err)
	}

	if _, ok := store.articles[key("light/help-docs", "docs/added.md")]; !ok {
		t.Error("expected docs/added.md to be indexed")
	}
	if _, ok := store.articles[key("light/help-docs", "docs/remove-me.md")]; ok {
		t.Error("expected docs/remove-me.md to be removed")
	}

	addedChunks := store.chunks[key("light/help-docs", "docs/added.md")]
	if len(addedChunks) == 0 || addedChunks[0].IndexRunID == "" {
		t.Error("expected a non-empty index_run_id stamped on the webhook-indexed chunks")
	}
}

func TestHandleWebhookPushIgnoresNonAllowlistedRepo(t *testing.T) {
	store := newFakeStore()
	ft := &fakeFetcher{}
	client, _ := ai.NewClient(&ai.ClientConfig{Provider: "stub", Dim: 8})
	ix := New(store, ft, client, "retrieval-v1")

	err := ix.HandleWebhookPush(context.Background(), PushEvent{Repository: "someone/unrelated", Added: []string{"a.md"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
