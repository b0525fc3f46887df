// Package fetcher retrieves article files from a GitHub-hosted repository
// over the REST API. Grounded on internal/auth/auth.go's plain net/http
// calls to api.github.com (bearer header, JSON decode, status check),
// generalized from "get one user" into "list a tree" / "fetch one blob".
package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/light/lightopedia/internal/apperrors"
)

// TreeEntry is one file or directory found at a revision.
type TreeEntry struct {
	Path string
	Type string // "blob" or "tree"
	SHA  string
}

// Blob is one fetched file's content and the ref it was fetched at.
type Blob struct {
	Path     string
	Content  string
	Revision string
}

// Fetcher lists and fetches files from GitHub repositories.
type Fetcher struct {
	token string
	http  *http.Client
	retry apperrors.RetryConfig
}

// New creates a Fetcher authenticated with a GitHub personal access token
// or installation token.
func New(token string) *Fetcher {
	return &Fetcher{
		token: token,
		http:  &http.Client{Timeout: 20 * time.Second},
		retry: apperrors.DefaultRetryConfig(),
	}
}

// ListTree lists every file in repo at ref, recursively.
func (f *Fetcher) ListTree(ctx context.Context, repo, ref string) ([]TreeEntry, error) {
	return apperrors.RetryWithResult(ctx, f.retry, func() ([]TreeEntry, error) {
		url := fmt.Sprintf("https://api.github.com/repos/%s/git/trees/%s?recursive=1", repo, ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, apperrors.Internal("building tree request", err)
		}
		f.setHeaders(req)

		resp, err := f.http.Do(req)
		if err != nil {
			return nil, apperrors.UpstreamTimeout("github tree request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.NotFound(fmt.Sprintf("repository %s at %s not found", repo, ref), nil)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.UpstreamFailure(fmt.Sprintf("github tree request returned %s", resp.Status), nil)
		}

		var out struct {
			Tree []struct {
				Path string `json:"path"`
				Type string `json:"type"`
				SHA  string `json:"sha"`
			} `json:"tree"`
			Truncated bool `json:"truncated"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Parse("decoding github tree response", err)
		}

		entries := make([]TreeEntry, 0, len(out.Tree))
		for _, e := range out.Tree {
			if e.Type != "blob" {
				continue
			}
			entries = append(entries, TreeEntry{Path: e.Path, Type: e.Type, SHA: e.SHA})
		}
		return entries, nil
	})
}

// FetchBlob fetches one file's content at ref.
func (f *Fetcher) FetchBlob(ctx context.Context, repo, path, ref string) (Blob, error) {
	return apperrors.RetryWithResult(ctx, f.retry, func() (Blob, error) {
		url := fmt.Sprintf("https://api.github.com/repos/%s/contents/%s?ref=%s", repo, path, ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Blob{}, apperrors.Internal("building blob request", err)
		}
		f.setHeaders(req)

		resp, err := f.http.Do(req)
		if err != nil {
			return Blob{}, apperrors.UpstreamTimeout("github blob request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return Blob{}, apperrors.NotFound(fmt.Sprintf("path %s not found at %s", path, ref), nil)
		}
		if resp.StatusCode != http.StatusOK {
			return Blob{}, apperrors.UpstreamFailure(fmt.Sprintf("github blob request returned %s", resp.Status), nil)
		}

		var out struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
			SHA      string `json:"sha"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Blob{}, apperrors.Parse("decoding github blob response", err)
		}

		content := out.Content
		if out.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(removeNewlines(out.Content))
			if err != nil {
				return Blob{}, apperrors.Parse("decoding base64 blob content", err)
			}
			content = string(decoded)
		}

		return Blob{Path: path, Content: content, Revision: ref}, nil
	})
}

// ResolveRef resolves a branch name to the commit SHA it currently points
// at, so indexing runs can be tagged with a stable revision.
func (f *Fetcher) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	return apperrors.RetryWithResult(ctx, f.retry, func() (string, error) {
		url := fmt.Sprintf("https://api.github.com/repos/%s/commits/%s", repo, ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", apperrors.Internal("building ref request", err)
		}
		f.setHeaders(req)

		resp, err := f.http.Do(req)
		if err != nil {
			return "", apperrors.UpstreamTimeout("github ref request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return "", apperrors.NotFound(fmt.Sprintf("ref %s not found in %s", ref, repo), nil)
		}
		if resp.StatusCode != http.StatusOK {
			return "", apperrors.UpstreamFailure(fmt.Sprintf("github ref request returned %s", resp.Status), nil)
		}

		var out struct {
			SHA string `json:"sha"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", apperrors.Parse("decoding github commit response", err)
		}
		return out.SHA, nil
	})
}

func (f *Fetcher) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
}

func removeNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' && s[i] != '\r' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
