// Package policy is the single source of truth for which repositories and
// paths are indexable (spec.md C1). Every decision here is a pure function;
// none of it can fail.
package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// allowedRepos is the static, code-level allowlist of indexable
// repositories. Adding a repo to the indexing pipeline means adding it here.
var allowedRepos = map[string]bool{
	"light/help-docs":       true,
	"light/product-docs":    true,
	"light/integration-docs": true,
}

// denyGlobs cover build artefacts, lockfiles, IDE metadata, VCS-host
// metadata, and changelogs. Evaluated before allowGlobs.
var denyGlobs = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/.github/**",
	"**/.vscode/**",
	"**/.idea/**",
	"**/dist/**",
	"**/build/**",
	"**/*.lock",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/CHANGELOG.md",
	"**/CHANGELOG.mdx",
}

// allowGlobs cover root-level README, root-level markdown/MDX files, and the
// docs/** subtree.
var allowGlobs = []string{
	"README.md",
	"*.md",
	"*.mdx",
	"docs/**",
}

// IsAllowedRepo reports whether repo is a member of the static allowlist.
func IsAllowedRepo(repo string) bool {
	return allowedRepos[repo]
}

// ShouldIndex applies deny-then-allow glob evaluation to path.
func ShouldIndex(path string) bool {
	p := strings.TrimPrefix(path, "/")
	for _, g := range denyGlobs {
		if ok, _ := doublestar.Match(g, p); ok {
			return false
		}
	}
	for _, g := range allowGlobs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

// Decision is the result of a full validateIndex conjunction.
type Decision struct {
	Allowed bool
	Reason  string
}

// ValidateIndex conjoins IsAllowedRepo and ShouldIndex, returning a
// human-readable reason on denial.
func ValidateIndex(repo, path string) Decision {
	if !IsAllowedRepo(repo) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("repository %q is not on the allowlist", repo)}
	}
	if !ShouldIndex(path) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("path %q does not match an allowed pattern or matches a deny pattern", path)}
	}
	return Decision{Allowed: true}
}

// AllowedRepos returns the static allowlist, sorted for stable CLI output.
func AllowedRepos() []string {
	out := make([]string, 0, len(allowedRepos))
	for r := range allowedRepos {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
