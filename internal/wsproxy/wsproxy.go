// Package wsproxy implements the WebSocket-upgrade half of the proxy
// engine, per spec.md §4.5: resolve a route with the same pipeline used for
// plain HTTP, then hijack the client connection and splice it to the chosen
// upstream with a raw bidirectional byte copy. No framing library in the
// retrieved pack does transparent passthrough forwarding (see DESIGN.md), so
// this is built directly on net/http.Hijacker, the standard idiom for a
// reverse-proxying WebSocket forwarder.
package wsproxy

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kaedion/taiji/internal/metrics"
	"github.com/kaedion/taiji/internal/resolve"
	"github.com/kaedion/taiji/internal/urlutil"
)

// Forwarder hijacks upgrade requests and splices them to a resolved target.
type Forwarder struct {
	pipeline *resolve.Pipeline
	notFound func(w http.ResponseWriter, r *http.Request)
	dialer   net.Dialer
}

// New builds a Forwarder backed by pipeline. notFound is called on the raw
// HTTP response when no route resolves, matching spec.md §4.5 "respond 404
// on the raw socket".
func New(pipeline *resolve.Pipeline, notFound func(w http.ResponseWriter, r *http.Request)) *Forwarder {
	return &Forwarder{
		pipeline: pipeline,
		notFound: notFound,
		dialer:   net.Dialer{Timeout: 10 * time.Second},
	}
}

// IsUpgrade reports whether r is a WebSocket upgrade request, the dispatch
// condition the listener's handler uses to route to ServeUpgrade instead of
// the plain HTTP engine.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// ServeUpgrade resolves a route for the request and, if one is produced,
// hijacks the client connection and forwards it byte-for-byte to the
// target's raw TCP endpoint, having first replayed the original HTTP
// upgrade request line and headers upstream. Socket errors are logged but
// not propagated, per spec.md §4.5.
func (f *Forwarder) ServeUpgrade(w http.ResponseWriter, r *http.Request, host string) {
	route, err := f.pipeline.Resolve(r.Context(), host, r.URL.RequestURI(), r)
	if err != nil {
		log.Printf("ERROR: wsproxy: resolver pipeline failed for host %s: %v", host, err)
	}
	if route == nil {
		f.notFound(w, r)
		return
	}

	target, ok := route.Next()
	if !ok {
		f.notFound(w, r)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Printf("ERROR: wsproxy: hijack failed for host %s: %v", host, err)
		return
	}
	defer clientConn.Close()

	rewritten := urlutil.Rewrite(route.Path, target, r.URL.RequestURI())

	ctx, cancel := context.WithTimeout(r.Context(), f.dialer.Timeout)
	defer cancel()
	upstreamConn, err := f.dialer.DialContext(ctx, "tcp", target.Host)
	if err != nil {
		log.Printf("ERROR: wsproxy: dial upstream %s failed: %v", target.Host, err)
		metrics.RequestsTotal.WithLabelValues(host, target.Host, "502").Inc()
		return
	}
	defer upstreamConn.Close()

	if err := writeUpgradeRequest(upstreamConn, r, target, rewritten); err != nil {
		log.Printf("ERROR: wsproxy: writing upgrade request upstream failed: %v", err)
		return
	}

	metrics.RequestsTotal.WithLabelValues(host, target.Host, "101").Inc()
	splice(clientConn, clientBuf, upstreamConn)
}

// writeUpgradeRequest replays the client's upgrade request line and headers
// to the upstream connection, with the path rewritten per the routing rule
// and the Host header swapped when the target requests it.
func writeUpgradeRequest(upstream net.Conn, r *http.Request, target urlutil.Target, rewrittenPathAndQuery string) error {
	host := r.Host
	if target.UseTargetHostHeader {
		host = target.Host
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(rewrittenPathAndQuery)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	for k, values := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	_, err := upstream.Write([]byte(b.String()))
	return err
}

// splice copies bytes bidirectionally between the hijacked client
// connection (including any bytes already buffered by the HTTP server) and
// the upstream connection until either side closes.
func splice(client net.Conn, clientBuf *bufio.ReadWriter, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(upstream, clientBuf)
		if c, ok := upstream.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}
