package dlcore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// scoreHTTP is the generic HTTP resolver's score; GitHub-specific rewriting
// scores higher (see resolver_github.go) so it wins when both apply.
const scoreHTTP uint8 = 60

// HTTPResolver is the generic http/https link resolver. It performs no
// network I/O; size and range support are determined later by the HTTP
// transfer driver's Probe.
type HTTPResolver struct{}

func NewHTTPResolver() *HTTPResolver { return &HTTPResolver{} }

func (r *HTTPResolver) Name() string { return "http" }

func (r *HTTPResolver) CanHandle(input LinkInput) uint8 {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return 0
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return scoreHTTP
	default:
		return 0
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, input LinkInput, rctx ResolveContext) (ResolveResult, error) {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("http resolver: parse %q: %w", input.Raw, err)
	}

	name := SanitizeFilename(path.Base(u.Path))
	if name == "." || name == "/" {
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
				Type:    ResourceHTTP,
				URI:     u.String(),
				Headers: headers,
				Meta:    map[string]string{},
				Caps:    Capabilities{SupportsRanges: true},
			},
		},
	}
	return ResolveResult{Drafts: []DownloadItemDraft{draft}}, nil
}
