package listener

import (
	"net/http"
	"testing"

	"github.com/kaedion/taiji/internal/certstore"
	"github.com/kaedion/taiji/internal/lifecycle"
)

func TestAddHTTPReturnsNilWhenPortIsZero(t *testing.T) {
	m := New(certstore.New(), lifecycle.NewRegistry())
	srv := m.AddHTTP(HTTPOptions{}, http.NewServeMux())
	if srv != nil {
		t.Fatal("expected nil server when port is 0")
	}
	if len(m.Servers()) != 0 {
		t.Fatalf("expected no servers registered, got %d", len(m.Servers()))
	}
}

func TestAddHTTPRegistersServerWithExpectedAddr(t *testing.T) {
	m := New(certstore.New(), lifecycle.NewRegistry())
	srv := m.AddHTTP(HTTPOptions{Host: "127.0.0.1", Port: 8080}, http.NewServeMux())
	if srv == nil {
		t.Fatal("expected a non-nil server")
	}
	if srv.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected addr: %s", srv.Addr)
	}
	if len(m.Servers()) != 1 {
		t.Fatalf("expected 1 server registered, got %d", len(m.Servers()))
	}
}
