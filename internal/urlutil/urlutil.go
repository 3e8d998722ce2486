// Package urlutil parses and normalizes the source and target URLs used by
// the routing table, and implements the request-path rewriting rule applied
// once a route and a target have been chosen.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Source identifies the incoming host+path a route is registered against.
// The port is deliberately ignored: the listener, not the route, fixes it.
type Source struct {
	Hostname string
	Pathname string
}

// ParseSource normalizes a "host[:port][/path]" string into a Source.
func ParseSource(raw string) (Source, error) {
	u, err := PrepareURL(raw)
	if err != nil {
		return Source{}, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return Source{Hostname: strings.ToLower(u.Hostname()), Pathname: path}, nil
}

// Target is a fully-parsed, immutable upstream URL.
type Target struct {
	Protocol            string
	Hostname            string
	Port                string
	Pathname            string
	Host                string
	Href                string
	SSLRedirect         bool
	UseTargetHostHeader bool
}

// Options controls how BuildTarget derives the immutable fields of a Target.
type Options struct {
	SSL                 *SSLOptions
	UseTargetHostHeader bool
}

// SSLOptions mirrors the subset of the route's ssl option that affects
// target construction; Redirect defaults to true when SSL is non-nil.
type SSLOptions struct {
	Redirect *bool
}

// PrepareURL accepts a bare host, a host:port, or a fully-qualified URL and
// returns a normalized *url.URL. Strings with no http(s):// prefix are
// treated as http.
func PrepareURL(input string) (*url.URL, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("urlutil: empty URL")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("urlutil: invalid URL %q: %w", input, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("urlutil: unsupported scheme %q in %q", u.Scheme, input)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("urlutil: missing host in %q", input)
	}
	return u, nil
}

// BuildTarget prepares the target string/URL and attaches sslRedirect and
// useTargetHostHeader per the registration options.
func BuildTarget(raw string, opts Options) (Target, error) {
	u, err := PrepareURL(raw)
	if err != nil {
		return Target{}, err
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	sslRedirect := false
	if opts.SSL != nil {
		sslRedirect = opts.SSL.Redirect == nil || *opts.SSL.Redirect
	}

	t := Target{
		Protocol:            u.Scheme,
		Hostname:            u.Hostname(),
		Port:                port,
		Pathname:            u.Path,
		Host:                u.Host,
		SSLRedirect:         sslRedirect,
		UseTargetHostHeader: opts.UseTargetHostHeader,
	}
	t.Href = t.Protocol + "://" + t.Host + t.Pathname
	return t, nil
}

// PathStartsWith reports whether urlPath matches route prefix, where a match
// requires an exact equal, or that the character immediately following the
// prefix is '/' or '?'. This prevents "/foo" from matching prefix "/foobar"
// and vice versa.
func PathStartsWith(urlPath, prefix string) bool {
	if urlPath == prefix {
		return true
	}
	if !strings.HasPrefix(urlPath, prefix) {
		return false
	}
	rest := urlPath[len(prefix):]
	return strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "?")
}

// SingleJoiningSlash joins two path segments with exactly one slash between
// them, adapted from the teacher's identically named helper.
func SingleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

// Rewrite implements the routing rewrite rule (spec §4.1): strip the
// matched route's path from the incoming request path/query, then join the
// target's pathname onto what remains, taking care not to introduce a
// spurious leading slash before a bare query string.
func Rewrite(routePath string, target Target, incomingPathAndQuery string) string {
	remaining := incomingPathAndQuery
	if len(routePath) > 1 {
		remaining = stripPrefix(remaining, routePath)
	}

	if target.Pathname == "" {
		return remaining
	}

	if strings.HasPrefix(remaining, "?") {
		return target.Pathname + remaining
	}
	if remaining == "" {
		return target.Pathname
	}
	return SingleJoiningSlash(target.Pathname, remaining)
}

// stripPrefix removes routePath from the front of pathAndQuery, preserving a
// trailing query string.
func stripPrefix(pathAndQuery, routePath string) string {
	if !strings.HasPrefix(pathAndQuery, routePath) {
		return pathAndQuery
	}
	rest := pathAndQuery[len(routePath):]
	if rest == "" {
		return "/"
	}
	return rest
}
