package dlcore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// scoreGitHub exceeds scoreHTTP so a GitHub URL is always rewritten rather
// than handled by the generic HTTP resolver.
const scoreGitHub uint8 = 90

// GitHubResolver rewrites github.com blob/bare-repo URLs into direct,
// range-capable raw/archive URLs.
//
//   - github.com/{owner}/{repo}/blob/{branch}/{path...} -> raw.githubusercontent.com/{owner}/{repo}/{branch}/{path...}
//   - github.com/{owner}/{repo}                          -> codeload-style archive of the default branch ("main")
//   - anything else under github.com passes through unchanged, resolved as plain HTTP
type GitHubResolver struct{}

func NewGitHubResolver() *GitHubResolver { return &GitHubResolver{} }

func (r *GitHubResolver) Name() string { return "github" }

func (r *GitHubResolver) CanHandle(input LinkInput) uint8 {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return 0
	}
	host := strings.ToLower(u.Host)
	if host != "github.com" && host != "www.github.com" {
		return 0
	}
	return scoreGitHub
}

func (r *GitHubResolver) Resolve(ctx context.Context, input LinkInput, rctx ResolveContext) (ResolveResult, error) {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("github resolver: parse %q: %w", input.Raw, err)
	}

	segments := splitNonEmpty(u.Path)
	rewritten, resourceType := rewriteGitHubURL(segments)
	if rewritten == "" {
		rewritten = u.String()
	}

	resolvedURL, err := url.Parse(rewritten)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("github resolver: rewrite produced invalid URL %q: %w", rewritten, err)
	}

	name := SanitizeFilename(path.Base(resolvedURL.Path))
	if name == "." || name == "/" || name == "" {
		name = "download"
	}

	var headers Headers
	for k, v := range input.Headers {
		headers = append(headers, Header{Key: k, Value: v})
	}

	draft := DownloadItemDraft{
		DisplayName:   name,
		SuggestedPath: name,
		Resources: []ResourceDescriptor{
			{
				Type:    resourceType,
				URI:     resolvedURL.String(),
				Headers: headers,
				Meta:    map[string]string{"original_uri": input.Raw},
				Caps:    Capabilities{SupportsRanges: true},
			},
		},
	}
	return ResolveResult{Drafts: []DownloadItemDraft{draft}}, nil
}

func splitNonEmpty(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// rewriteGitHubURL implements the blob/archive rewriting rules. Returns an
// empty string if no rewrite applies (pass-through case).
func rewriteGitHubURL(segments []string) (string, ResourceType) {
	switch {
	case len(segments) >= 5 && segments[2] == "blob":
		owner, repo, branch := segments[0], segments[1], segments[3]
		filePath := strings.Join(segments[4:], "/")
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, branch, filePath), ResourceGitHubResolvedHTTP
	case len(segments) == 2:
		owner, repo := segments[0], segments[1]
		return fmt.Sprintf("https://github.com/%s/%s/archive/refs/heads/main.zip", owner, repo), ResourceGitHubResolvedHTTP
	default:
		return "", ResourceHTTP
	}
}
