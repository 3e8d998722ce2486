// Package resolve implements the prioritized resolver pipeline that turns a
// (host, url) pair into a concrete route, per spec.md §4.3: an ordered list
// of resolver callables plus a built-in table resolver, fanned out
// concurrently on every request.
package resolve

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/alitto/pond"

	"github.com/kaedion/taiji/internal/router"
	"github.com/kaedion/taiji/internal/urlutil"
)

// Descriptor is the object shape a resolver may return instead of a fully
// built *router.Route: a URL (or list of URLs) plus route options, coerced
// into a Route by BuildRoute.
type Descriptor struct {
	URL  []string
	Path string
	Opts router.RouteOptions
}

// Func is a resolver callable. It returns exactly one of: a *router.Route,
// a target URL string, a *Descriptor, or nil (no opinion).
type Func func(ctx context.Context, host, url string, req *http.Request) (any, error)

type entry struct {
	fn       Func
	priority int
}

// Pipeline is the ordered, priority-sorted, de-duplicated sequence of
// resolvers plus the built-in table resolver (priority 0).
type Pipeline struct {
	mu        sync.RWMutex
	resolvers []entry
	table     *router.Table

	pool *pond.WorkerPool

	cacheMu sync.Mutex
	cache   map[string]*router.Route
}

// New builds a pipeline backed by table's built-in resolver and a bounded
// worker pool used to fan resolver invocations out concurrently.
func New(table *router.Table) *Pipeline {
	return &Pipeline{
		table: table,
		pool:  pond.New(16, 256),
		cache: make(map[string]*router.Route),
	}
}

// Close releases the pipeline's worker pool.
func (p *Pipeline) Close() {
	p.pool.StopAndWait()
}

// Add appends one or more resolvers, then re-sorts descending by priority
// and removes exact duplicates (by function identity), per spec.md §4.3.
func (p *Pipeline) Add(priority int, fns ...Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fn := range fns {
		p.resolvers = append(p.resolvers, entry{fn: fn, priority: priority})
	}
	p.dedupAndSortLocked()
}

// Remove deletes every resolver entry whose function pointer is identical to
// fn. Per spec.md §9 (open question on removeResolver), this is removal by
// identity only — duplicates are not otherwise deduplicated beyond Add.
func (p *Pipeline) Remove(fn Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := reflect.ValueOf(fn).Pointer()
	kept := p.resolvers[:0]
	for _, e := range p.resolvers {
		if reflect.ValueOf(e.fn).Pointer() != target {
			kept = append(kept, e)
		}
	}
	p.resolvers = kept
}

func (p *Pipeline) dedupAndSortLocked() {
	seen := map[uintptr]bool{}
	kept := p.resolvers[:0]
	for _, e := range p.resolvers {
		ptr := reflect.ValueOf(e.fn).Pointer()
		if seen[ptr] {
			continue
		}
		seen[ptr] = true
		kept = append(kept, e)
	}
	p.resolvers = kept
	sort.SliceStable(p.resolvers, func(i, j int) bool {
		return p.resolvers[i].priority > p.resolvers[j].priority
	})
}

// snapshot returns a copy of the current resolver list plus the built-in
// table resolver, in pipeline order.
func (p *Pipeline) snapshot() []entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := make([]entry, 0, len(p.resolvers)+1)
	all = append(all, p.resolvers...)
	all = append(all, entry{fn: p.tableResolver, priority: 0})
	sort.SliceStable(all, func(i, j int) bool { return all[i].priority > all[j].priority })
	return all
}

// tableResolver is the built-in priority-0 resolver backed by the routing
// table's prefix matcher.
func (p *Pipeline) tableResolver(_ context.Context, host, url string, _ *http.Request) (any, error) {
	route, ok := p.table.MatchPrefix(host, url)
	if !ok {
		return nil, nil
	}
	return route, nil
}

type outcome struct {
	priority int
	value    any
	err      error
}

// Resolve lowercases host, invokes every resolver concurrently via the
// bounded worker pool, awaits them all, then scans in pipeline order for the
// first coercible non-empty result.
func (p *Pipeline) Resolve(ctx context.Context, host, url string, req *http.Request) (*router.Route, error) {
	host = strings.ToLower(host)
	entries := p.snapshot()
	results := make([]outcome, len(entries))

	var wg sync.WaitGroup
	wg.Add(len(entries))
	for i, e := range entries {
		i, e := i, e
		p.pool.Submit(func() {
			defer wg.Done()
			v, err := e.fn(ctx, host, url, req)
			results[i] = outcome{priority: e.priority, value: v, err: err}
		})
	}
	wg.Wait()

	// ResolverFailure (spec.md §7): an individual resolver erroring fails the
	// whole batch, logged, and the request proceeds as a routing miss — it is
	// not treated as "no opinion" while other resolvers' results are honored.
	for _, res := range results {
		if res.err != nil {
			log.Printf("ERROR: resolver failed for host %s: %v", host, res.err)
			return nil, res.err
		}
	}

	for _, res := range results {
		if res.value == nil {
			continue
		}
		route, trusted, ok := p.buildRoute(res.value)
		if !ok || route == nil {
			continue
		}
		if !trusted {
			// Built from a bare value (string/Descriptor): reject unless it
			// owns "/" or is a genuine prefix of url, so a resolver cannot
			// usurp unrelated URLs (spec.md §4.3).
			if route.Path != "/" && !urlutil.PathStartsWith(url, route.Path) {
				continue
			}
		}
		return route, nil
	}
	return nil, nil
}

// buildRoute coerces a resolver's return value into a *router.Route. trusted
// is true when the value was already a *router.Route (e.g. from the
// built-in table resolver, which has already prefix-checked it).
func (p *Pipeline) buildRoute(v any) (route *router.Route, trusted bool, ok bool) {
	switch val := v.(type) {
	case *router.Route:
		return val, true, true
	case string:
		return p.cachedBuild(val, func() (*router.Route, error) {
			target, err := urlutil.BuildTarget(val, urlutil.Options{})
			if err != nil {
				return nil, err
			}
			return router.NewAdHocRoute("/", []urlutil.Target{target}, router.RouteOptions{}), nil
		}), false, true
	case *Descriptor:
		key := val.Path
		for _, u := range val.URL {
			key += "|" + u
		}
		return p.cachedBuild(key, func() (*router.Route, error) {
			path := val.Path
			if path == "" {
				path = "/"
			}
			targets := make([]urlutil.Target, 0, len(val.URL))
			for _, raw := range val.URL {
				t, err := urlutil.BuildTarget(raw, urlutil.Options{SSL: val.Opts.SSL, UseTargetHostHeader: val.Opts.UseTargetHostHeader})
				if err != nil {
					return nil, err
				}
				targets = append(targets, t)
			}
			return router.NewAdHocRoute(path, targets, val.Opts), nil
		}), false, true
	default:
		return nil, false, false
	}
}

// cachedBuild hash-caches ad hoc route construction by input key, so a
// resolver returning the same string/descriptor repeatedly does not rebuild
// a fresh Route (and a fresh round-robin cursor) on every request.
func (p *Pipeline) cachedBuild(key string, build func() (*router.Route, error)) *router.Route {
	sum := sha1.Sum([]byte(key))
	hashKey := hex.EncodeToString(sum[:])

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if r, ok := p.cache[hashKey]; ok {
		return r
	}
	r, err := build()
	if err != nil || r == nil {
		return nil
	}
	p.cache[hashKey] = r
	return r
}
