// Package proxyengine implements the per-request HTTP forwarding pipeline
// described in spec.md §4.4: resolve, rewrite, select a target round-robin,
// run hooks, forward via httputil.ReverseProxy (or redirect to HTTPS), and
// invoke completion hooks, adapted from the teacher's
// HandleProxy/tryBackend/createReverseProxy.
package proxyengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/kaedion/taiji/internal/certstore"
	"github.com/kaedion/taiji/internal/metrics"
	"github.com/kaedion/taiji/internal/resolve"
	"github.com/kaedion/taiji/internal/router"
	"github.com/kaedion/taiji/internal/urlutil"
)

// Options configures engine-wide behavior (spec.md §6 construction options).
type Options struct {
	PreferForwardedHost bool
	XFwd                bool // not consulted: X-Forwarded-* and Forwarded headers are always set
	Secure              bool // default true, verify upstream TLS
	NTLM                bool
	// ErrorHandler is the global fallback invoked in place of
	// DefaultErrorHandler when set and no route-level OnError hook claims the
	// error first, per spec.md §4.4 step 9 / §7.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error, meta *router.RequestMeta, target urlutil.Target)

	// HTTPSPort is used to build the redirect Location for HTTP->HTTPS
	// redirects when a route carries sslRedirect.
	HTTPSPort        int
	HTTPSRedirectURL func(host string) string // overrides HTTPSPort-based construction when set
}

// Engine ties together the resolver pipeline, the certificate store (for
// the "does a cert exist for this hostname" redirect check), and the shared
// transport used by every cached *httputil.ReverseProxy.
type Engine struct {
	pipeline  *resolve.Pipeline
	certs     *certstore.Store
	opts      Options
	transport *http.Transport

	notFound func(w http.ResponseWriter, r *http.Request)
}

// New builds an Engine. The HTTP transport mirrors the teacher's generous,
// streaming-friendly settings (no response timeouts, large idle pools).
func New(pipeline *resolve.Pipeline, certs *certstore.Store, opts Options) *Engine {
	return &Engine{
		pipeline: pipeline,
		certs:    certs,
		opts:     opts,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 90 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   1000,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ResponseHeaderTimeout: 0,
			DisableCompression:    true,
		},
		notFound: defaultNotFound,
	}
}

// SetNotFound overrides the default 404 responder, per spec.md §6 notFound(callback).
func (e *Engine) SetNotFound(fn func(w http.ResponseWriter, r *http.Request)) {
	e.notFound = fn
}

func defaultNotFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

// NewHandle builds a *httputil.ReverseProxy for a router.Table cache miss,
// matching the Director/ErrorHandler shape of the teacher's
// createReverseProxy, generalized to urlutil.Target instead of a CSV rule.
// The Director aims at the target carried in the request's hookContext (the
// round-robin pick or an OnRequest replacement), and at key's origin only
// when no hookContext is present.
func (e *Engine) NewHandle(key router.HandleKey) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			scheme, host := key.Protocol, key.Host()
			if hc, ok := req.Context().Value(hookContextKey{}).(*hookContext); ok {
				scheme, host = hc.target.Protocol, hc.target.Hostname+":"+hc.target.Port
			}
			req.URL.Scheme = scheme
			req.URL.Host = host
			if key.ChangeOrigin {
				req.Host = host
			}
		},
		Transport:     e.transport,
		FlushInterval: -1,
		ErrorHandler:  e.errorHandlerFunc(),
	}
}

// sourceHost extracts the routing hostname per spec.md §4.4 step 1:
// X-Forwarded-Host when preferForwardedHost is set and present, else Host;
// always with the port stripped.
func (e *Engine) sourceHost(r *http.Request) string {
	host := r.Host
	if e.opts.PreferForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// ServeHTTP implements the full HTTP forwarding pipeline of spec.md §4.4.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := e.sourceHost(r)

	// Resolve logs any individual resolver failure itself and returns a nil
	// route (RoutingMiss) for the whole batch, per spec.md §7.
	route, _ := e.pipeline.Resolve(r.Context(), host, r.URL.RequestURI(), r)
	if route == nil {
		e.notFound(w, r)
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}

	meta := &router.RequestMeta{
		OriginalPath:   r.URL.Path,
		OriginalQuery:  r.URL.RawQuery,
		OriginalHeader: r.Header.Clone(),
		Hostname:       host,
		ClientIP:       clientIP,
	}

	// originalPathAndQuery is the pristine request-URI, stashed once so every
	// attempt (including retries) rewrites from the same starting point
	// instead of compounding a previous attempt's target-pathname join.
	originalPathAndQuery := r.URL.RequestURI()

	retryAll := route.Opts.RetryAll || strings.EqualFold(strings.TrimSpace(r.Header.Get("Retry-Policy")), "retry-all")
	urls := route.URLs()

	if retryAll && len(urls) > 1 {
		e.forwardWithRetry(w, r, route, meta, originalPathAndQuery, start)
		return
	}

	target, ok := route.Next()
	if !ok {
		e.notFound(w, r)
		return
	}
	e.forwardOnce(w, r, route, meta, target, originalPathAndQuery, start, true)
}

// forwardWithRetry implements the teacher's retry-across-backends policy
// (SPEC_FULL.md §7), trying each round-robin target until one succeeds or
// all are exhausted.
func (e *Engine) forwardWithRetry(w http.ResponseWriter, r *http.Request, route *router.Route, meta *router.RequestMeta, originalPathAndQuery string, start time.Time) {
	n := len(route.URLs())
	attempts := 0
	for i := 0; i < n; i++ {
		target, ok := route.Next()
		if !ok {
			break
		}
		attempts++
		isLast := i == n-1
		ok2 := e.forwardOnce(w, r, route, meta, target, originalPathAndQuery, start, isLast)
		if ok2 {
			if attempts > 1 {
				metrics.RetryAttemptsTotal.WithLabelValues(meta.Hostname, "success").Inc()
			}
			return
		}
		if isLast {
			if attempts > 1 {
				metrics.RetryAttemptsTotal.WithLabelValues(meta.Hostname, "all_failed").Inc()
			}
			return
		}
		metrics.BackendFailuresTotal.WithLabelValues(meta.Hostname, target.Host).Inc()
	}
}

// forwardOnce applies the hook-gated forwarding lifecycle of spec.md §4.4
// steps 4f-9 for a single selected target. It returns false when the attempt
// ended in a retryable failure (5xx or 429), so the caller
// (forwardWithRetry) may try the next backend; it returns true for a 2xx,
// any other non-retryable status, an HTTPS redirect, or a hook skip.
func (e *Engine) forwardOnce(w http.ResponseWriter, r *http.Request, route *router.Route, meta *router.RequestMeta, target urlutil.Target, originalPathAndQuery string, start time.Time, isLastAttempt bool) bool {
	effective := target

	if route.Opts.OnRequest != nil {
		result := route.Opts.OnRequest(w, r, meta, target)
		if result.Skip {
			// The hook has already written (and, per spec.md §8 scenario 5,
			// may have ended) the response itself; do not forward.
			return true
		}
		if result.Replace != nil {
			effective = *result.Replace
		}
	}

	if r.TLS == nil && effective.SSLRedirect {
		if _, hasCert := e.certs.Get(meta.Hostname); hasCert {
			e.redirectToHTTPS(w, r, meta.Hostname)
			return true
		}
	}

	proxy := e.routeProxy(route, effective)

	// hookContext lets the shared *httputil.ReverseProxy's ErrorHandler (set
	// once, at handle-cache-build time) reach this request's route-level
	// OnError hook and metadata, per spec.md §4.4 step 9.
	ctx := context.WithValue(r.Context(), hookContextKey{}, &hookContext{route: route, meta: meta, target: effective})
	req := r.WithContext(ctx)
	urlCopy := *req.URL
	req.URL = &urlCopy

	rewritten := urlutil.Rewrite(route.Path, effective, originalPathAndQuery)
	if idx := strings.IndexByte(rewritten, '?'); idx >= 0 {
		req.URL.Path, req.URL.RawQuery = rewritten[:idx], rewritten[idx+1:]
	} else {
		req.URL.Path, req.URL.RawQuery = rewritten, ""
	}

	if effective.UseTargetHostHeader {
		meta.HostOverride = effective.Host
		req.Host = effective.Host
	}

	applyForwardedHeaders(req, meta)

	var status int
	if isLastAttempt {
		// The only (or final) attempt: stream directly to the client so
		// SSE/long-lived responses pass through byte-for-byte (spec.md §8
		// scenario 7), instead of buffering the whole body first.
		rec := newStreamingRecorder(w, e.opts.NTLM)
		proxy.ServeHTTP(rec, req)
		status = rec.status
	} else {
		// A non-final retry-across-backends attempt: buffer fully so a
		// retryable failure never reaches the real client (teacher's
		// tryBackend), matching spec.md §7 taxonomy.
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		status = rec.Code
		if status < 500 && status != http.StatusTooManyRequests {
			copyRecorded(w, rec, e.opts.NTLM)
		}
	}

	metrics.RequestsTotal.WithLabelValues(meta.Hostname, effective.Host, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(meta.Hostname, effective.Host).Observe(time.Since(start).Seconds())

	success := status >= 200 && status < 300
	if success {
		metrics.LastRequestTimestamp.WithLabelValues(meta.Hostname, effective.Host).Set(float64(time.Now().Unix()))
	}

	retryable := status >= 500 || status == http.StatusTooManyRequests
	if !success && retryable && !isLastAttempt {
		return false
	}

	if route.Opts.OnResponse != nil {
		route.Opts.OnResponse(w, r, meta, effective)
	}
	return success || !retryable
}

// hookContext carries the per-request route/metadata/target that the shared,
// cache-built *httputil.ReverseProxy's ErrorHandler needs in order to
// dispatch to a route's OnError hook, since the handle itself is shared
// across every request to the same origin.
type hookContext struct {
	route  *router.Route
	meta   *router.RequestMeta
	target urlutil.Target
}

type hookContextKey struct{}

// routeProxy returns the route's shared proxy handle, falling back to a
// freshly built one for ad hoc routes produced by a resolver.
func (e *Engine) routeProxy(route *router.Route, target urlutil.Target) *httputil.ReverseProxy {
	if route.Proxy != nil {
		return route.Proxy
	}
	return e.NewHandle(router.KeyFor(target, target.UseTargetHostHeader))
}

// applyForwardedHeaders sets the forwarding headers on the outgoing request.
// X-Forwarded-For is left to httputil.ReverseProxy, which appends the
// client IP from RemoteAddr to any value the client sent.
func applyForwardedHeaders(r *http.Request, meta *router.RequestMeta) {
	r.Header.Set("X-Real-IP", meta.ClientIP)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	r.Header.Set("X-Forwarded-Proto", scheme)
	r.Header.Set("X-Forwarded-Host", meta.Hostname)

	forwardedValue := fmt.Sprintf("for=%s;host=%s;proto=%s", meta.ClientIP, meta.Hostname, scheme)
	if prior := r.Header.Get("Forwarded"); prior != "" {
		r.Header.Set("Forwarded", prior+", "+forwardedValue)
	} else {
		r.Header.Set("Forwarded", forwardedValue)
	}
}

func (e *Engine) redirectToHTTPS(w http.ResponseWriter, r *http.Request, hostname string) {
	var location string
	if e.opts.HTTPSRedirectURL != nil {
		location = e.opts.HTTPSRedirectURL(hostname) + r.URL.RequestURI()
	} else {
		port := ""
		if e.opts.HTTPSPort != 0 && e.opts.HTTPSPort != 443 {
			port = ":" + strconv.Itoa(e.opts.HTTPSPort)
		}
		location = "https://" + hostname + port + r.URL.RequestURI()
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// errorHandlerFunc implements spec.md §4.4 step 9 / §7: a route's OnError
// hook, if present, gets first refusal; failing that the engine-wide
// Options.ErrorHandler, if set, replaces the default; only then does
// DefaultErrorHandler (502 for ECONNREFUSED, 500 otherwise) run.
func (e *Engine) errorHandlerFunc() func(w http.ResponseWriter, r *http.Request, err error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if hc, ok := r.Context().Value(hookContextKey{}).(*hookContext); ok {
			if hc.route.Opts.OnError != nil {
				hc.route.Opts.OnError(w, r, err, hc.meta, hc.target)
				return
			}
			if e.opts.ErrorHandler != nil {
				e.opts.ErrorHandler(w, r, err, hc.meta, hc.target)
				return
			}
		} else if e.opts.ErrorHandler != nil {
			e.opts.ErrorHandler(w, r, err, &router.RequestMeta{}, urlutil.Target{})
			return
		}
		DefaultErrorHandler(w, r, err)
	}
}

// DefaultErrorHandler is the package-level form of spec.md §4.8, reusable by
// callers that build their own ReverseProxy (e.g. ad hoc routes).
func DefaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	quiet := strings.Contains(err.Error(), "socket hang up") || errors.Is(err, net.ErrClosed)
	if !quiet {
		log.Printf("ERROR: proxy forward failed: %v", err)
	}

	if isConnRefused(err) {
		http.Error(w, "ECONNREFUSED", http.StatusBadGateway)
		return
	}

	if rw, ok := w.(interface{ Written() bool }); ok && rw.Written() {
		return
	}
	http.Error(w, errString(err), http.StatusInternalServerError)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "connection refused")
	}
	return strings.Contains(err.Error(), "connection refused")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
