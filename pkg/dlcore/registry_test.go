package dlcore

import (
	"context"
	"testing"
)

type stubResolver struct {
	name  string
	score uint8
}

func (s *stubResolver) Name() string { return s.name }

func (s *stubResolver) CanHandle(input LinkInput) uint8 { return s.score }

func (s *stubResolver) Resolve(ctx context.Context, input LinkInput, rctx ResolveContext) (ResolveResult, error) {
	return ResolveResult{}, nil
}

func TestBestResolverPicksHighestScore(t *testing.T) {
	r := NewPluginRegistry()
	r.RegisterResolver(&stubResolver{name: "a", score: 0})
	r.RegisterResolver(&stubResolver{name: "b", score: 60})
	r.RegisterResolver(&stubResolver{name: "c", score: 90})
	r.RegisterResolver(&stubResolver{name: "d", score: 90})

	best := r.BestResolver(LinkInput{Raw: "anything"})
	if best == nil || best.Name() != "c" {
		t.Fatalf("expected first 90-scorer (c) to win ties, got %v", best)
	}
}

func TestBestResolverNilWhenAllDecline(t *testing.T) {
	r := NewPluginRegistry()
	r.RegisterResolver(&stubResolver{name: "a", score: 0})
	if got := r.BestResolver(LinkInput{Raw: "x"}); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestHTTPVsGitHubResolverScoring(t *testing.T) {
	r := NewPluginRegistry()
	r.RegisterResolver(NewHTTPResolver())
	r.RegisterResolver(NewGitHubResolver())

	best := r.BestResolver(LinkInput{Raw: "https://github.com/foo/bar/blob/main/x.txt"})
	if best == nil || best.Name() != "github" {
		t.Fatalf("expected github resolver to win on github.com URLs, got %v", best)
	}

	best = r.BestResolver(LinkInput{Raw: "https://example.com/file.bin"})
	if best == nil || best.Name() != "http" {
		t.Fatalf("expected http resolver for non-github URLs, got %v", best)
	}
}

func TestGitHubBlobRewrite(t *testing.T) {
	gh := NewGitHubResolver()
	result, err := gh.Resolve(context.Background(), LinkInput{Raw: "https://github.com/foo/bar/blob/main/src/x.go"}, ResolveContext{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := result.Drafts[0].Resources[0].URI
	want := "https://raw.githubusercontent.com/foo/bar/main/src/x.go"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGitHubBareRepoRewrite(t *testing.T) {
	gh := NewGitHubResolver()
	result, err := gh.Resolve(context.Background(), LinkInput{Raw: "https://github.com/foo/bar"}, ResolveContext{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := result.Drafts[0].Resources[0].URI
	want := "https://github.com/foo/bar/archive/refs/heads/main.zip"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

type stubDriver struct{ name string }

func (s *stubDriver) Name() string                     { return s.name }
func (s *stubDriver) Supports(res ResourceDescriptor) bool { return res.Type == ResourceHTTP }
func (s *stubDriver) Prepare(ctx context.Context, res ResourceDescriptor, dctx DriverContext) error {
	return nil
}
func (s *stubDriver) Probe(ctx context.Context, res ResourceDescriptor, dctx DriverContext) (*int64, bool, error) {
	return nil, false, nil
}
func (s *stubDriver) DownloadRange(ctx context.Context, res ResourceDescriptor, dctx DriverContext, start, end int64) ([]byte, error) {
	return nil, nil
}
func (s *stubDriver) DownloadAll(ctx context.Context, res ResourceDescriptor, dctx DriverContext) ([]byte, error) {
	return nil, nil
}

func TestDriverForFirstMatchWins(t *testing.T) {
	r := NewPluginRegistry()
	r.RegisterDriver(&stubDriver{name: "first"})
	r.RegisterDriver(&stubDriver{name: "second"})

	d := r.DriverFor(ResourceDescriptor{Type: ResourceHTTP})
	if d == nil || d.Name() != "first" {
		t.Fatalf("expected first-registered driver to win, got %v", d)
	}
}
