// Package router implements the host+path routing table: registration,
// unregistration, prefix-ordered host buckets, and the per-origin
// ReverseProxy handle cache shared across routes with equivalent origin
// semantics.
package router

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"sort"
	"strings"
	"sync"

	"atomicgo.dev/robin"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kaedion/taiji/internal/metrics"
	"github.com/kaedion/taiji/internal/urlutil"
)

// HookResult is the tagged result a hook returns in place of the
// undefined/false/target polymorphism described in spec.md §4.4/§9.
type HookResult struct {
	// Skip means "do not forward; the hook has already written the response".
	Skip bool
	// Replace, when non-nil, overrides the target selected for forwarding.
	Replace *urlutil.Target
}

// Continue is the zero HookResult: proceed with the originally selected target.
var Continue = HookResult{}

// RouteOptions holds the per-route configuration and hooks (spec.md §6).
type RouteOptions struct {
	SSL                 *urlutil.SSLOptions
	LetsEncrypt         *LetsEncryptOptions
	UseTargetHostHeader bool
	HTTPProxy           map[string]any
	RetryAll            bool

	// OnRequest, OnResponse, and OnError are given the live
	// http.ResponseWriter/*http.Request, per spec.md §6 ("onRequest(req, res,
	// target): may mutate headers; may write and end the response"). A hook
	// mutates req.Header directly to change what gets forwarded upstream;
	// meta.OriginalHeader retains a pre-hook snapshot. A hook that writes to
	// res itself should return HookResult{Skip: true} from OnRequest so the
	// engine does not also forward the request.
	OnRequest  func(w http.ResponseWriter, r *http.Request, meta *RequestMeta, target urlutil.Target) HookResult
	OnResponse func(w http.ResponseWriter, r *http.Request, meta *RequestMeta, target urlutil.Target)
	OnError    func(w http.ResponseWriter, r *http.Request, err error, meta *RequestMeta, target urlutil.Target)
}

// LetsEncryptOptions opts a route's hostname into ACME-driven certificate
// acquisition, per spec.md §6.
type LetsEncryptOptions struct {
	Email       string
	Production  bool
	RenewWithin string // kept as the raw string; nothing in this repository parses it
}

// RequestMeta is the request-scoped object carrying the original URL, a
// pre-hook header snapshot, the host override, and the client identity, in
// place of runtime-attached properties on the request (spec.md §9).
type RequestMeta struct {
	OriginalPath   string
	OriginalQuery  string
	OriginalHeader http.Header // snapshot taken before any hook runs, per spec.md §8 scenario 4
	HostOverride   string
	Hostname       string
	ClientIP       string
}

// Route is a single (hostname, path) entry: an ordered, non-empty list of
// targets selected round-robin, its options, and a shared proxy handle.
type Route struct {
	Hostname string
	Path     string
	mu       sync.RWMutex
	urls     []urlutil.Target
	rr       *robin.Loadbalancer[int]
	Opts     RouteOptions
	Proxy    *httputil.ReverseProxy
}

// URLs returns a snapshot of the route's current target list.
func (r *Route) URLs() []urlutil.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]urlutil.Target, len(r.urls))
	copy(out, r.urls)
	return out
}

// Next selects the next target round-robin and advances the cursor exactly
// once per call, satisfying the "each pick advances the index exactly once"
// contract of spec.md §5.
func (r *Route) Next() (urlutil.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.urls) == 0 {
		return urlutil.Target{}, false
	}
	idx := r.rr.Next() % len(r.urls)
	return r.urls[idx], true
}

func (r *Route) appendTarget(t urlutil.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, t)
	r.rr = newRoundRobin(len(r.urls))
}

// removeByHref removes targets whose Href matches href; if href is empty,
// removes everything. Returns the number of remaining targets.
func (r *Route) removeByHref(href string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if href == "" {
		r.urls = nil
	} else {
		kept := r.urls[:0]
		for _, t := range r.urls {
			if t.Href != href {
				kept = append(kept, t)
			}
		}
		r.urls = kept
	}
	if len(r.urls) > 0 {
		r.rr = newRoundRobin(len(r.urls))
	}
	return len(r.urls)
}

// NewAdHocRoute builds a standalone Route not registered in any Table, for
// resolvers that coerce a string or Descriptor result into a Route (spec.md
// §4.3 BuildRoute).
func NewAdHocRoute(path string, targets []urlutil.Target, opts RouteOptions) *Route {
	r := &Route{Path: path, Opts: opts}
	r.urls = append(r.urls, targets...)
	if len(r.urls) > 0 {
		r.rr = newRoundRobin(len(r.urls))
	}
	return r
}

// newRoundRobin builds a round-robin cursor over the index range [0, n).
func newRoundRobin(n int) *robin.Loadbalancer[int] {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return robin.NewLoadbalancer(indices)
}

// HandleKey identifies a shared *httputil.ReverseProxy in the process-wide
// cache: routes with equivalent origin semantics share one handle, keyed by
// (protocol, hostname, port, changeOrigin) per spec.md §3/§9.
type HandleKey struct {
	Protocol     string
	Hostname     string
	Port         string
	ChangeOrigin bool
}

// Host renders the key's hostname:port for use as req.URL.Host in a Director.
func (k HandleKey) Host() string {
	return k.Hostname + ":" + k.Port
}

// KeyFor derives the cache key for target under the given changeOrigin
// setting (spec.md §9 "Proxy-handle cache keyed by origin + changeOrigin").
func KeyFor(target urlutil.Target, changeOrigin bool) HandleKey {
	return HandleKey{
		Protocol:     target.Protocol,
		Hostname:     target.Hostname,
		Port:         target.Port,
		ChangeOrigin: changeOrigin,
	}
}

// Table is the host->ordered-routes routing table. hostname keys are
// lowercased.
type Table struct {
	mu      sync.RWMutex
	buckets map[string][]*Route
	handles *xsync.Map[HandleKey, *httputil.ReverseProxy]

	// NewHandle builds a *httputil.ReverseProxy for a cache miss; injected so
	// internal/proxyengine can supply the Director/ErrorHandler
	// without router importing proxyengine (avoids an import cycle).
	NewHandle func(key HandleKey) *httputil.ReverseProxy
}

// NewTable constructs an empty routing table.
func NewTable() *Table {
	return &Table{
		buckets: make(map[string][]*Route),
		handles: xsync.NewMap[HandleKey, *httputil.ReverseProxy](),
	}
}

// HandleFor returns the shared proxy handle for target, building and
// caching one via NewHandle on a miss. Exposed for resolver-built ad hoc
// routes, which are not registered in any bucket but should still share the
// process-wide handle cache.
func (t *Table) HandleFor(target urlutil.Target, changeOrigin bool) *httputil.ReverseProxy {
	key := KeyFor(target, changeOrigin)
	if cached, ok := t.handles.Load(key); ok {
		return cached
	}
	if t.NewHandle == nil {
		return nil
	}
	proxy := t.NewHandle(key)
	t.handles.Store(key, proxy)
	return proxy
}

// RegisterInput is the normalized shape of a register() call regardless of
// which of the three call conventions in spec.md §4.2 produced it.
type RegisterInput struct {
	Src    string
	Target string
	Opts   RouteOptions
}

// Register implements spec.md §4.2: prepare the URLs, find-or-create the
// route, append the target, and re-sort the host bucket by descending path
// length.
func (t *Table) Register(in RegisterInput) (*Route, error) {
	if in.Src == "" {
		return nil, fmt.Errorf("router: register requires a source")
	}
	if in.Target == "" {
		return nil, fmt.Errorf("router: register requires a target")
	}

	src, err := urlutil.ParseSource(in.Src)
	if err != nil {
		return nil, err
	}

	targetOpts := urlutil.Options{SSL: in.Opts.SSL, UseTargetHostHeader: in.Opts.UseTargetHostHeader}
	target, err := urlutil.BuildTarget(in.Target, targetOpts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[src.Hostname]
	var route *Route
	for _, r := range bucket {
		if r.Path == src.Pathname {
			route = r
			break
		}
	}
	if route == nil {
		route = &Route{
			Hostname: src.Hostname,
			Path:     src.Pathname,
			Opts:     in.Opts,
		}
		route.Proxy = t.HandleFor(target, in.Opts.UseTargetHostHeader)
		bucket = append(bucket, route)
	}

	route.appendTarget(target)

	sort.SliceStable(bucket, func(i, j int) bool {
		return len(bucket[i].Path) > len(bucket[j].Path)
	})
	t.buckets[src.Hostname] = bucket

	metrics.RouteActive.WithLabelValues(src.Hostname, src.Pathname).Set(1)
	t.refreshTotalsLocked()

	return route, nil
}

// Unregister implements spec.md §4.2: remove matching targets (or all
// targets when target is empty) from the route at (hostname,path); if the
// route becomes empty, splice it out of the bucket entirely.
func (t *Table) Unregister(src, target string) error {
	s, err := urlutil.ParseSource(src)
	if err != nil {
		return err
	}

	var href string
	if target != "" {
		built, err := urlutil.BuildTarget(target, urlutil.Options{})
		if err != nil {
			return err
		}
		href = built.Href
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[s.Hostname]
	idx := -1
	for i, r := range bucket {
		if r.Path == s.Pathname {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	remaining := bucket[idx].removeByHref(href)
	if remaining == 0 {
		bucket = append(bucket[:idx], bucket[idx+1:]...)
		metrics.RouteActive.WithLabelValues(s.Hostname, s.Pathname).Set(0)
	}
	if len(bucket) == 0 {
		delete(t.buckets, s.Hostname)
	} else {
		t.buckets[s.Hostname] = bucket
	}
	t.refreshTotalsLocked()
	return nil
}

// refreshTotalsLocked recomputes the routes/targets gauges. Caller must hold t.mu.
func (t *Table) refreshTotalsLocked() {
	routes, targets := 0, 0
	for _, bucket := range t.buckets {
		routes += len(bucket)
		for _, r := range bucket {
			targets += len(r.URLs())
		}
	}
	metrics.RoutesTotal.Set(float64(routes))
	metrics.RouteTargetsTotal.Set(float64(targets))
}

// MatchPrefix returns the first route in hostname's bucket whose path is
// "/" or a valid prefix of urlPath, per spec.md §4.3's built-in table
// resolver description. Buckets are pre-sorted by descending path length so
// the most specific match wins.
func (t *Table) MatchPrefix(hostname, urlPath string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket := t.buckets[strings.ToLower(hostname)]
	for _, r := range bucket {
		if r.Path == "/" || urlutil.PathStartsWith(urlPath, r.Path) {
			return r, true
		}
	}
	return nil, false
}

// Lookup returns the route registered at exactly (hostname, path), if any.
func (t *Table) Lookup(hostname, path string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.buckets[strings.ToLower(hostname)] {
		if r.Path == path {
			return r, true
		}
	}
	return nil, false
}

// Snapshot returns every currently registered route, for config-reload
// diffing (spec_full.md §7).
func (t *Table) Snapshot() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var all []*Route
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	return all
}
