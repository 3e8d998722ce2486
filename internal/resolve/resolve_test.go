package resolve

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kaedion/taiji/internal/router"
)

func TestResolveFallsBackToTableResolver(t *testing.T) {
	table := router.NewTable()
	table.Register(router.RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})

	p := New(table)
	defer p.Close()

	route, err := p.Resolve(context.Background(), "example.com", "/anything", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route == nil || route.Path != "/" {
		t.Fatalf("expected the built-in table route, got %v", route)
	}
}

func TestResolveHigherPriorityWins(t *testing.T) {
	table := router.NewTable()
	table.Register(router.RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})

	p := New(table)
	defer p.Close()

	p.Add(10, func(ctx context.Context, host, url string, req *http.Request) (any, error) {
		return "127.0.0.1:9999", nil
	})

	route, err := p.Resolve(context.Background(), "example.com", "/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	urls := route.URLs()
	if len(urls) != 1 || urls[0].Host != "127.0.0.1:9999" {
		t.Fatalf("expected higher-priority resolver's target, got %v", urls)
	}
}

func TestResolvedDescriptorRejectsNonPrefixMatch(t *testing.T) {
	table := router.NewTable()
	p := New(table)
	defer p.Close()

	p.Add(5, func(ctx context.Context, host, url string, req *http.Request) (any, error) {
		return &Descriptor{URL: []string{"127.0.0.1:9999"}, Path: "/special"}, nil
	})

	route, err := p.Resolve(context.Background(), "example.com", "/unrelated", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route != nil {
		t.Fatalf("expected no route for unrelated path, got %v", route)
	}
}

func TestResolvedDescriptorAcceptsMatchingPrefix(t *testing.T) {
	table := router.NewTable()
	p := New(table)
	defer p.Close()

	p.Add(5, func(ctx context.Context, host, url string, req *http.Request) (any, error) {
		return &Descriptor{URL: []string{"127.0.0.1:9999"}, Path: "/special"}, nil
	})

	route, err := p.Resolve(context.Background(), "example.com", "/special/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route == nil || route.Path != "/special" {
		t.Fatalf("expected the matched descriptor route, got %v", route)
	}
}

func TestResolveFailsWholeBatchWhenOneResolverErrors(t *testing.T) {
	table := router.NewTable()
	table.Register(router.RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})

	p := New(table)
	defer p.Close()

	boom := errors.New("boom")
	p.Add(10, func(ctx context.Context, host, url string, req *http.Request) (any, error) {
		return nil, boom
	})

	route, err := p.Resolve(context.Background(), "example.com", "/anything", nil)
	if err == nil {
		t.Fatal("expected an error when a resolver fails, got nil")
	}
	if route != nil {
		t.Fatalf("expected a nil route (routing miss) when a resolver fails, got %v", route)
	}
}

func TestRemoveByIdentity(t *testing.T) {
	table := router.NewTable()
	p := New(table)
	defer p.Close()

	fn := func(ctx context.Context, host, url string, req *http.Request) (any, error) {
		return "127.0.0.1:9999", nil
	}
	p.Add(10, fn)
	p.Remove(fn)

	p.mu.RLock()
	count := len(p.resolvers)
	p.mu.RUnlock()
	if count != 0 {
		t.Fatalf("expected resolver to be removed, still have %d", count)
	}
}
