package wsproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kaedion/taiji/internal/resolve"
	"github.com/kaedion/taiji/internal/router"
)

func TestIsUpgradeRecognizesWebSocketHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsUpgrade(req) {
		t.Fatal("plain request should not be recognized as an upgrade")
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	if !IsUpgrade(req) {
		t.Fatal("expected upgrade headers to be recognized")
	}
}

func TestServeUpgradeRespondsNotFoundWhenNoRoute(t *testing.T) {
	table := router.NewTable()
	pipeline := resolve.New(table)
	defer pipeline.Close()

	called := false
	f := New(pipeline, func(w http.ResponseWriter, r *http.Request) {
		called = true
		http.Error(w, "not found", http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "http://unknown.example.com/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()

	f.ServeUpgrade(rec, req, "unknown.example.com")

	if !called {
		t.Fatal("expected notFound to be invoked when no route resolves")
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
