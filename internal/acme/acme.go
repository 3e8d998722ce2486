// Package acme bootstraps ACME-style certificate acquisition: the internal
// HTTP-01 challenge route, the opaque provider collaborator, and the
// optional cross-instance renewal coordinator lock, per spec.md §4.7.
package acme

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"github.com/kaedion/taiji/internal/certstore"
	"github.com/kaedion/taiji/internal/metrics"
	"github.com/kaedion/taiji/internal/resolve"
)

// Certificate is the PEM material returned by the (opaque) ACME provider.
type Certificate struct {
	PrivateKey []byte
	Cert       []byte
	Chain      []byte
	ExpiresAt  time.Time
}

// Provider is the external collaborator: an opaque ACME protocol client.
// Out of scope per spec.md §1 — callers supply a real implementation.
type Provider interface {
	GetCertificates(ctx context.Context, domain, email string, staging, forceRenew bool) (*Certificate, error)
}

// Options configures bootstrap behavior (spec.md §4.7/§6 `letsencrypt`).
type Options struct {
	Path            string // carried for callers; not read by this package
	Port            int    // defaults to 3000
	RenewWithin     time.Duration
	MinRenewTime    time.Duration // defaults to 1h
	CoordinatorAddr string        // optional redis address for cross-instance locking
}

// ChallengeHostPrefix is the well-known ACME HTTP-01 challenge path prefix.
const ChallengeHostPrefix = "/.well-known/acme-challenge"

// Manager drives certificate acquisition and renewal against Provider,
// installing results into a certstore.Store, and owns the loopback HTTP-01
// challenge server the resolver routes to.
type Manager struct {
	provider  Provider
	store     *certstore.Store
	opts      Options
	challenge *challengeServer

	inFlight *xsync.Map[string, struct{}]
	redis    *redis.Client
}

// New constructs a Manager. If opts.CoordinatorAddr is set, a redis client
// is used to take a distributed lock before renewing a hostname, so
// independently deployed proxy instances do not race the ACME provider for
// the same hostname (this does not apply to in-process cluster workers,
// which share nothing by design per spec.md §5).
func New(provider Provider, store *certstore.Store, opts Options) *Manager {
	if opts.Port == 0 {
		opts.Port = 3000
	}
	if opts.MinRenewTime == 0 {
		opts.MinRenewTime = time.Hour
	}
	m := &Manager{
		provider:  provider,
		store:     store,
		opts:      opts,
		challenge: newChallengeServer(opts.Port),
		inFlight:  xsync.NewMap[string, struct{}](),
	}
	if opts.CoordinatorAddr != "" {
		m.redis = redis.NewClient(&redis.Options{Addr: opts.CoordinatorAddr})
	}
	return m
}

// SetChallengeToken registers a pending HTTP-01 response so a request
// routed by ChallengeResolver to this token's path gets keyAuth back. A
// Provider implementation calls this before asking the CA to validate, and
// RemoveChallengeToken once validation completes (or times out).
func (m *Manager) SetChallengeToken(token, keyAuth string) {
	m.challenge.SetToken(token, keyAuth)
}

// RemoveChallengeToken clears a completed or abandoned HTTP-01 challenge.
func (m *Manager) RemoveChallengeToken(token string) {
	m.challenge.RemoveToken(token)
}

// ListenAndServeChallenges starts the loopback challenge server bootstrapped
// on opts.Port, per spec.md §4.7. It blocks until the server stops; callers
// typically run it in its own goroutine alongside the public listeners.
func (m *Manager) ListenAndServeChallenges() error {
	return m.challenge.ListenAndServe()
}

// Shutdown stops the challenge server, per the graceful-shutdown sequencing
// of spec.md §4.9.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.challenge.Shutdown(ctx)
}

// UpdateCertificates calls the ACME provider, installs the resulting
// SecureContext, and schedules the next renewal, per spec.md §4.7. On
// provider failure it logs and does not reschedule — the open question in
// spec.md §9 is left as specified. When certstore's renewal sweep has been
// started (Store.StartSweep), it revisits a hostname whose installed
// certificate is past its renewal time; a hostname that never had a
// certificate installed is not revisited.
func (m *Manager) UpdateCertificates(ctx context.Context, domain, email string, production, renew bool) error {
	if _, loaded := m.inFlight.LoadOrStore(domain, struct{}{}); loaded {
		return nil // a renewal for this hostname is already underway
	}
	defer m.inFlight.Delete(domain)

	unlock, ok, err := m.acquireCoordinatorLock(ctx, domain)
	if err != nil {
		log.Printf("WARN: acme coordinator lock error for %s: %v", domain, err)
	}
	if !ok && m.redis != nil {
		log.Printf("INFO: skipping renewal for %s, another instance holds the coordinator lock", domain)
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cert, err := m.provider.GetCertificates(ctx, domain, email, !production, renew)
	if err != nil {
		metrics.CertRenewalsTotal.WithLabelValues(domain, "failure").Inc()
		log.Printf("ERROR: acme: failed to acquire certificate for %s: %v", domain, err)
		return nil
	}
	if cert == nil {
		metrics.CertRenewalsTotal.WithLabelValues(domain, "failure").Inc()
		log.Printf("ERROR: acme: provider returned no certificate for %s", domain)
		return nil
	}

	fullChain := append(append([]byte{}, cert.Cert...), cert.Chain...)
	err = m.store.StoreACME(domain, cert.PrivateKey, fullChain, cert.ExpiresAt, m.opts.RenewWithin, m.opts.MinRenewTime, func() {
		if err := m.UpdateCertificates(context.Background(), domain, email, production, true); err != nil {
			log.Printf("ERROR: acme: scheduled renewal failed for %s: %v", domain, err)
		}
	})
	if err != nil {
		metrics.CertRenewalsTotal.WithLabelValues(domain, "failure").Inc()
		return fmt.Errorf("acme: installing certificate for %s: %w", domain, err)
	}

	metrics.CertRenewalsTotal.WithLabelValues(domain, "success").Inc()
	return nil
}

// acquireCoordinatorLock takes the optional redis distributed lock for
// domain. When no coordinator is configured, it always succeeds locally.
func (m *Manager) acquireCoordinatorLock(ctx context.Context, domain string) (unlock func(), ok bool, err error) {
	if m.redis == nil {
		return nil, true, nil
	}
	key := "taiji:acme:lock:" + domain
	acquired, err := m.redis.SetNX(ctx, key, "1", 5*time.Minute).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		m.redis.Del(context.Background(), key)
	}, true, nil
}

// ChallengeResolverPriority is the priority the challenge resolver must be
// registered at, per spec.md §4.7.
const ChallengeResolverPriority = 9999

// ChallengeResolver returns the highest-priority (9999) resolver described
// in spec.md §4.7: any request whose URL begins with
// /.well-known/acme-challenge is routed to the internal challenge server.
func (m *Manager) ChallengeResolver() resolve.Func {
	return func(_ context.Context, host, url string, _ *http.Request) (any, error) {
		if !strings.HasPrefix(url, ChallengeHostPrefix) {
			return nil, nil
		}
		return fmt.Sprintf("http://127.0.0.1:%d/%s", m.opts.Port, host), nil
	}
}

// challengeServer is the loopback HTTP-01 responder itself: an in-memory
// token->keyAuthorization map served over plain HTTP on 127.0.0.1:port,
// built the way internal/listener builds a plain HTTP listener.
type challengeServer struct {
	tokens *xsync.Map[string, string]
	srv    *http.Server
}

func newChallengeServer(port int) *challengeServer {
	c := &challengeServer{tokens: xsync.NewMap[string, string]()}
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.serveToken)
	c.srv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	return c
}

// serveToken answers both the bare challenge path and the /<host>-prefixed
// form that ChallengeResolver's target produces once the path is joined.
func (c *challengeServer) serveToken(w http.ResponseWriter, r *http.Request) {
	idx := strings.Index(r.URL.Path, ChallengeHostPrefix+"/")
	if idx == -1 {
		http.NotFound(w, r)
		return
	}
	token := r.URL.Path[idx+len(ChallengeHostPrefix)+1:]
	keyAuth, ok := c.tokens.Load(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, keyAuth)
}

// SetToken registers a pending HTTP-01 challenge response.
func (c *challengeServer) SetToken(token, keyAuth string) {
	c.tokens.Store(token, keyAuth)
}

// RemoveToken clears a completed or abandoned challenge.
func (c *challengeServer) RemoveToken(token string) {
	c.tokens.Delete(token)
}

// ListenAndServe runs the challenge server until it errors or is shut down.
// http.ErrServerClosed is the expected error on a clean Shutdown.
func (c *challengeServer) ListenAndServe() error {
	return c.srv.ListenAndServe()
}

// Shutdown stops the challenge server gracefully.
func (c *challengeServer) Shutdown(ctx context.Context) error {
	return c.srv.Shutdown(ctx)
}
