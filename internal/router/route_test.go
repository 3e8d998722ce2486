package router

import "testing"

func TestRegisterAppendsAndRoundRobins(t *testing.T) {
	table := NewTable()
	if _, err := table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"}); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9002"}); err != nil {
		t.Fatal(err)
	}

	route, ok := table.Lookup("example.com", "/")
	if !ok {
		t.Fatal("expected route to exist")
	}
	if len(route.URLs()) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(route.URLs()))
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		target, ok := route.Next()
		if !ok {
			t.Fatal("expected a target")
		}
		seen[target.Host]++
	}
	if seen["127.0.0.1:9001"] != 2 || seen["127.0.0.1:9002"] != 2 {
		t.Fatalf("expected even round-robin split, got %v", seen)
	}
}

func TestHostBucketSortedByDescendingPathLength(t *testing.T) {
	table := NewTable()
	paths := []string{"/", "/api", "/api/v1", "/a"}
	for _, p := range paths {
		src := "example.com" + p
		if _, err := table.Register(RegisterInput{Src: src, Target: "127.0.0.1:9001"}); err != nil {
			t.Fatal(err)
		}
	}

	bucket := table.buckets["example.com"]
	for i := 1; i < len(bucket); i++ {
		if len(bucket[i-1].Path) < len(bucket[i].Path) {
			t.Fatalf("bucket not sorted by descending path length: %v", pathsOf(bucket))
		}
	}
}

func pathsOf(bucket []*Route) []string {
	out := make([]string, len(bucket))
	for i, r := range bucket {
		out[i] = r.Path
	}
	return out
}

func TestUnregisterRemovesSingleTarget(t *testing.T) {
	table := NewTable()
	table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})
	table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9002"})

	if err := table.Unregister("example.com", "127.0.0.1:9001"); err != nil {
		t.Fatal(err)
	}

	route, ok := table.Lookup("example.com", "/")
	if !ok {
		t.Fatal("route should still exist with one target left")
	}
	urls := route.URLs()
	if len(urls) != 1 || urls[0].Host != "127.0.0.1:9002" {
		t.Fatalf("unexpected remaining targets: %v", urls)
	}
}

func TestUnregisterAllTargetsRemovesRoute(t *testing.T) {
	table := NewTable()
	table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})

	if err := table.Unregister("example.com", ""); err != nil {
		t.Fatal(err)
	}

	if _, ok := table.Lookup("example.com", "/"); ok {
		t.Fatal("route should have been removed")
	}
}

func TestRegisterThenUnregisterRestoresEmptyTable(t *testing.T) {
	table := NewTable()
	table.Register(RegisterInput{Src: "example.com/path", Target: "127.0.0.1:9001/foo"})
	table.Unregister("example.com/path", "127.0.0.1:9001/foo")

	if len(table.Snapshot()) != 0 {
		t.Fatalf("expected empty table, got %d routes", len(table.Snapshot()))
	}
}

func TestMatchPrefixPrefersMostSpecific(t *testing.T) {
	table := NewTable()
	table.Register(RegisterInput{Src: "example.com", Target: "127.0.0.1:9001"})
	table.Register(RegisterInput{Src: "example.com/api", Target: "127.0.0.1:9002"})

	route, ok := table.MatchPrefix("example.com", "/api/users")
	if !ok || route.Path != "/api" {
		t.Fatalf("expected /api route to win, got %v", route)
	}

	route, ok = table.MatchPrefix("example.com", "/other")
	if !ok || route.Path != "/" {
		t.Fatalf("expected / fallback route, got %v", route)
	}

	_, ok = table.MatchPrefix("example.com", "/apifoo")
	if !ok {
		t.Fatal("expected fallback to / route for non-prefix-matching path")
	}
	route, _ = table.MatchPrefix("example.com", "/apifoo")
	if route.Path != "/" {
		t.Fatalf("/apifoo should not match /api prefix, got route %q", route.Path)
	}
}
