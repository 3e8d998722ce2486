package urlutil

import "testing"

func TestPathStartsWith(t *testing.T) {
	cases := []struct {
		url, prefix string
		want        bool
	}{
		{"/foo", "/foo", true},
		{"/foo/bar", "/foo", true},
		{"/foo?a=b", "/foo", true},
		{"/foobar", "/foo", false},
		{"/foo", "/foobar", false},
		{"/", "/", true},
		{"/anything", "/", true},
	}
	for _, c := range cases {
		if got := PathStartsWith(c.url, c.prefix); got != c.want {
			t.Errorf("PathStartsWith(%q, %q) = %v, want %v", c.url, c.prefix, got, c.want)
		}
	}
}

func TestRewritePathConcatenation(t *testing.T) {
	// Seed scenario 1: register 127.0.0.1 -> 127.0.0.1:T/foo/bar/qux;
	// GET /a/b/c reaches upstream at /foo/bar/qux/a/b/c.
	target, err := BuildTarget("127.0.0.1:9000/foo/bar/qux", Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := Rewrite("/", target, "/a/b/c")
	if want := "/foo/bar/qux/a/b/c"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewritePrefixStripAndConcat(t *testing.T) {
	// Seed scenario 2: register 127.0.0.1/path -> .../foo/bar/qux;
	// GET /path/a/b/c reaches upstream at /foo/bar/qux/a/b/c.
	target, err := BuildTarget("127.0.0.1:9000/foo/bar/qux", Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := Rewrite("/path", target, "/path/a/b/c")
	if want := "/foo/bar/qux/a/b/c"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewriteQueryOnlyPreservation(t *testing.T) {
	// Seed scenario 3: GET /path?a=b reaches upstream as /foo/bar/qux?a=b,
	// with no duplicated slash before the query.
	target, err := BuildTarget("127.0.0.1:9000/foo/bar/qux", Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := Rewrite("/path", target, "/path?a=b")
	if want := "/foo/bar/qux?a=b"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildTargetSSLRedirectDefaults(t *testing.T) {
	redirectFalse := false
	target, err := BuildTarget("https://example.com", Options{SSL: &SSLOptions{Redirect: &redirectFalse}})
	if err != nil {
		t.Fatal(err)
	}
	if target.SSLRedirect {
		t.Errorf("expected SSLRedirect=false when ssl.redirect explicitly false")
	}

	target2, err := BuildTarget("https://example.com", Options{SSL: &SSLOptions{}})
	if err != nil {
		t.Fatal(err)
	}
	if !target2.SSLRedirect {
		t.Errorf("expected SSLRedirect=true when ssl set without explicit redirect:false")
	}
}

func TestBuildTargetUseTargetHostHeader(t *testing.T) {
	target, err := BuildTarget("example.com:9000", Options{UseTargetHostHeader: true})
	if err != nil {
		t.Fatal(err)
	}
	if !target.UseTargetHostHeader {
		t.Errorf("expected UseTargetHostHeader to propagate")
	}
	if target.Host != "example.com:9000" {
		t.Errorf("got host %q", target.Host)
	}
}

func TestParseSourceDefaultsPath(t *testing.T) {
	src, err := ParseSource("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if src.Pathname != "/" {
		t.Errorf("expected default pathname /, got %q", src.Pathname)
	}
	if src.Hostname != "127.0.0.1" {
		t.Errorf("got hostname %q", src.Hostname)
	}
}
