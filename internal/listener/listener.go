// Package listener builds the plain HTTP listener and zero-or-more
// HTTPS/SNI listeners, per spec.md §4.6, and wires their accepted
// connections into the lifecycle registry for graceful shutdown.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/kaedion/taiji/internal/certstore"
	"github.com/kaedion/taiji/internal/lifecycle"
)

// HTTPOptions configures the plain HTTP listener.
type HTTPOptions struct {
	Host string
	Port int // 0 means "no HTTP listener"
}

// TLSOptions configures a single HTTPS listener, mirroring the `ssl` entry
// described in spec.md §6.
type TLSOptions struct {
	IP         string
	Port       int
	KeyFile    string
	CertFile   string
	CAFile     string
	HTTP2      bool
	ExtraTLS   *tls.Config // merged in as a base before the SNI-aware fields are set
}

// Manager owns every *http.Server the proxy listens on and the shared
// connection registry used for graceful shutdown.
type Manager struct {
	registry *lifecycle.Registry
	certs    *certstore.Store
	servers  []*http.Server
}

// New builds a Manager bound to certs for SNI certificate lookups.
func New(certs *certstore.Store, registry *lifecycle.Registry) *Manager {
	return &Manager{registry: registry, certs: certs}
}

// Servers returns the constructed *http.Server instances, for callers that
// need to inspect addresses (e.g. tests, or HTTPS redirect port derivation).
func (m *Manager) Servers() []*http.Server {
	return m.servers
}

// AddHTTP constructs and registers (but does not start) the plain HTTP
// listener, returning nil if opts.Port is zero (spec.md §6 "port... if
// absent, no HTTP listener").
func (m *Manager) AddHTTP(opts HTTPOptions, handler http.Handler) *http.Server {
	if opts.Port == 0 {
		return nil
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: handler,
		// Mirrors the teacher's generous streaming-friendly timeouts:
		// unbounded body/response time, bounded header read and idle time.
		ReadTimeout:       0,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ConnState:         m.registry.ConnStateHook(),
	}
	m.servers = append(m.servers, srv)
	return srv
}

// AddHTTPS constructs and registers an HTTPS listener with an SNI callback
// backed by certs, a default cert/key/ca loaded from opts, and the optional
// HTTP/2 flag, per spec.md §4.6.
func (m *Manager) AddHTTPS(opts TLSOptions, handler http.Handler) (*http.Server, error) {
	defaultCert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("listener: loading default keypair for %s: %w", opts.IP, err)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{defaultCert}}
	if opts.ExtraTLS != nil {
		tlsConfig = opts.ExtraTLS.Clone()
		tlsConfig.Certificates = []tls.Certificate{defaultCert}
	}
	if opts.CAFile != "" {
		pool, err := loadCABundle(opts.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
	}

	tlsConfig.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if cfg, ok := m.certs.Get(hello.ServerName); ok && len(cfg.Certificates) > 0 {
			return &cfg.Certificates[0], nil
		}
		return &defaultCert, nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.IP, opts.Port),
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadTimeout:       0,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ConnState:         m.registry.ConnStateHook(),
	}

	if opts.HTTP2 {
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return nil, fmt.Errorf("listener: configuring http2 for %s: %w", srv.Addr, err)
		}
	}

	m.servers = append(m.servers, srv)
	return srv, nil
}

// loadCABundle splits a PEM bundle file at each "-END CERTIFICATE-" line
// into individual certificates and adds them all to a pool, per spec.md
// §4.6 (mirrors internal/certstore's identical helper; duplicated here to
// avoid an import solely for this one function).
func loadCABundle(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("listener: reading CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	const marker = "-----END CERTIFICATE-----"
	rest := string(data)
	for {
		idx := strings.Index(rest, marker)
		if idx == -1 {
			break
		}
		block := rest[:idx+len(marker)]
		rest = rest[idx+len(marker):]
		if !pool.AppendCertsFromPEM([]byte(block)) {
			return nil, fmt.Errorf("listener: failed to parse a certificate in CA bundle %s", path)
		}
	}
	return pool, nil
}

// ListenAndServeAll starts every registered server in its own goroutine.
// Startup errors (other than a clean shutdown) are logged; each such error
// is also sent on the returned channel, which is buffered to hold one error
// per server.
func (m *Manager) ListenAndServeAll() <-chan error {
	errs := make(chan error, len(m.servers))
	for _, srv := range m.servers {
		srv := srv
		go func() {
			var err error
			if srv.TLSConfig != nil {
				log.Printf("INFO: HTTPS listener starting on %s", srv.Addr)
				err = srv.ListenAndServeTLS("", "")
			} else {
				log.Printf("INFO: HTTP listener starting on %s", srv.Addr)
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("FATAL: listener %s stopped: %v", srv.Addr, err)
				errs <- err
			}
		}()
	}
	return errs
}

// Shutdown gracefully shuts every registered server down within ctx's
// deadline, then applies the connection registry's drain policy.
func (m *Manager) Shutdown(ctx context.Context, forceDrain bool) {
	for _, srv := range m.servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("ERROR: listener %s shutdown error: %v", srv.Addr, err)
		}
	}
	m.registry.Close(forceDrain)
}
