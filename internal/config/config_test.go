package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kaedion/taiji/internal/router"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadCSVSkipsHeaderAndInvalidRows(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "routes.csv", ""+
		"hostname,path,target,retry_all\n"+
		"app.example.com,/api,http://127.0.0.1:9001,true\n"+
		"bad.example.com\n"+
		"empty.example.com,/,,\n"+
		"other.example.com,/,http://127.0.0.1:9002,notabool\n")

	docs, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 valid routes, got %d: %+v", len(docs), docs)
	}
	if docs[0].Src != "app.example.com/api" || docs[0].Target != "http://127.0.0.1:9001" || !docs[0].RetryAll {
		t.Fatalf("unexpected first doc: %+v", docs[0])
	}
	if docs[1].Src != "other.example.com/" || docs[1].RetryAll {
		t.Fatalf("unexpected second doc: %+v", docs[1])
	}
}

func TestLoadCSVErrorsWhenNoValidRoutes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.csv", "hostname,path,target\n")
	if _, err := LoadCSV(path); err == nil {
		t.Fatal("expected an error when no valid routes are present")
	}
}

func TestLoadYAMLParsesDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "taiji.yaml", ""+
		"port: 8080\n"+
		"host: 0.0.0.0\n"+
		"ntlm: true\n"+
		"routes:\n"+
		"  - src: app.example.com/api\n"+
		"    target: http://127.0.0.1:9001\n"+
		"    retryAll: true\n")

	doc, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if doc.Port != 8080 || doc.Host != "0.0.0.0" || !doc.NTLM {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if len(doc.Routes) != 1 || doc.Routes[0].Src != "app.example.com/api" || !doc.Routes[0].RetryAll {
		t.Fatalf("unexpected routes: %+v", doc.Routes)
	}
}

func TestApplyRegistersEveryRoute(t *testing.T) {
	table := router.NewTable()
	docs := []RouteDoc{
		{Src: "app.example.com/api", Target: "http://127.0.0.1:9001"},
		{Src: "app.example.com/web", Target: "http://127.0.0.1:9002"},
	}
	if err := Apply(table, docs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(table.Snapshot()) != 2 {
		t.Fatalf("expected 2 routes registered, got %d", len(table.Snapshot()))
	}
}

func TestReconcileAddsRemovesAndKeepsUnrelatedRoutes(t *testing.T) {
	table := router.NewTable()
	if err := Apply(table, []RouteDoc{
		{Src: "app.example.com/api", Target: "http://127.0.0.1:9001"},
		{Src: "stale.example.com/", Target: "http://127.0.0.1:9003"},
	}); err != nil {
		t.Fatalf("seeding table: %v", err)
	}

	next := []RouteDoc{
		{Src: "app.example.com/api", Target: "http://127.0.0.1:9001"},
		{Src: "app.example.com/api", Target: "http://127.0.0.1:9099"},
	}
	if err := Reconcile(table, next); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	route, ok := table.Lookup("app.example.com", "/api")
	if !ok {
		t.Fatal("expected app.example.com/api route to survive reconcile")
	}
	if len(route.URLs()) != 2 {
		t.Fatalf("expected 2 targets after reconcile, got %d", len(route.URLs()))
	}

	if _, ok := table.Lookup("stale.example.com", "/"); ok {
		t.Fatal("expected stale.example.com route to be removed")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	table := router.NewTable()
	docs := []RouteDoc{{Src: "app.example.com/api", Target: "http://127.0.0.1:9001"}}
	if err := Apply(table, docs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := Reconcile(table, docs); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	route, ok := table.Lookup("app.example.com", "/api")
	if !ok || len(route.URLs()) != 1 {
		t.Fatalf("expected exactly 1 target to remain, got %+v", route)
	}
}
