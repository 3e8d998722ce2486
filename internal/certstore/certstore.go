// Package certstore holds the SNI certificate registry: PEM loading,
// per-hostname *tls.Config indexing, and ACME renewal scheduling via a
// recurring cron sweep plus one-shot per-hostname entries, per spec.md §4.6.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/kaedion/taiji/internal/metrics"
)

// Entry is a certificate store record. A nil Config means "fall back to the
// listener's default certificate" (spec.md §3 CertStore invariant).
type Entry struct {
	Config      *tls.Config
	cronEntryID cron.EntryID
	renewAt     time.Time
}

// Store indexes SecureContexts by hostname for the SNI callback, and tracks
// renewal timers alongside each entry.
type Store struct {
	entries *xsync.Map[string, *Entry]
	cron    *cron.Cron
	sweepID cron.EntryID
}

// New builds an empty Store and starts its cron scheduler (the renewal
// sweep job is added by StartSweep).
func New() *Store {
	s := &Store{
		entries: xsync.NewMap[string, *Entry](),
		cron:    cron.New(),
	}
	s.cron.Start()
	return s
}

// Close stops the cron scheduler and releases all scheduled entries.
func (s *Store) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Get implements the SNI callback lookup: returns the *tls.Config for
// hostname, or ok=false if no entry exists (use the listener default).
func (s *Store) Get(hostname string) (*tls.Config, bool) {
	e, ok := s.entries.Load(strings.ToLower(hostname))
	if !ok || e.Config == nil {
		return nil, false
	}
	return e.Config, true
}

// StoreDefault records hostname with no explicit SecureContext, so the
// listener's default certificate is used (spec.md §4.2 step 2, "neither"
// branch).
func (s *Store) StoreDefault(hostname string) {
	s.entries.Store(strings.ToLower(hostname), &Entry{})
}

// StorePEM builds a *tls.Config from explicit key/cert/ca PEM file paths and
// indexes it under hostname (spec.md §4.2 step 2, "explicit" branch).
func (s *Store) StorePEM(hostname, keyFile, certFile, caFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("certstore: loading keypair for %s: %w", hostname, err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if caFile != "" {
		pool, err := loadCABundle(caFile)
		if err != nil {
			return err
		}
		cfg.ClientCAs = pool
	}

	s.entries.Store(strings.ToLower(hostname), &Entry{Config: cfg})
	return nil
}

// loadCABundle splits a PEM bundle file at each "-END CERTIFICATE-" line
// into individual certificates and adds them all to a pool, per spec.md
// §4.6.
func loadCABundle(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certstore: reading CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	for _, block := range splitPEMCertificates(string(data)) {
		if !pool.AppendCertsFromPEM([]byte(block)) {
			return nil, fmt.Errorf("certstore: failed to parse a certificate in CA bundle %s", path)
		}
	}
	return pool, nil
}

func splitPEMCertificates(bundle string) []string {
	const marker = "-----END CERTIFICATE-----"
	var out []string
	for {
		idx := strings.Index(bundle, marker)
		if idx == -1 {
			break
		}
		out = append(out, bundle[:idx+len(marker)])
		bundle = bundle[idx+len(marker):]
	}
	return out
}

// StoreACME installs a SecureContext built from ACME-issued PEM material
// and (re)schedules a one-shot renewal cron entry for hostname.
func (s *Store) StoreACME(hostname string, privKeyPEM, fullChainPEM []byte, expiresAt time.Time, renewWithin, minRenewTime time.Duration, onRenew func()) error {
	cert, err := tls.X509KeyPair(fullChainPEM, privKeyPEM)
	if err != nil {
		return fmt.Errorf("certstore: building keypair from ACME material for %s: %w", hostname, err)
	}

	hostname = strings.ToLower(hostname)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	renewIn := time.Until(expiresAt) - renewWithin
	if renewIn <= 0 {
		renewIn = minRenewTime
	}
	renewAt := time.Now().Add(renewIn)

	metrics.CertExpirySeconds.WithLabelValues(hostname).Set(time.Until(expiresAt).Seconds())

	prev, existed := s.entries.Load(hostname)
	if existed && prev.cronEntryID != 0 {
		s.cron.Remove(prev.cronEntryID)
	}

	entry := &Entry{Config: cfg, renewAt: renewAt}
	entryID := s.cron.Schedule(onceAt(renewAt), cron.FuncJob(func() {
		if onRenew != nil {
			onRenew()
		}
	}))
	entry.cronEntryID = entryID
	s.entries.Store(hostname, entry)

	log.Printf("INFO: certificate installed for %s, renewal scheduled at %s", hostname, renewAt.Format(time.RFC3339))
	return nil
}

// StartSweep adds a recurring cron job that scans every entry and invokes
// due for any whose renewAt has passed. This is the backstop for the open
// question in spec.md §9 ("ACME failure does not reschedule"): a failed
// renewal leaves renewAt in the past, and the next sweep re-enters it
// instead of waiting forever on a renewal that was never rescheduled.
func (s *Store) StartSweep(interval time.Duration, due func(hostname string)) {
	if s.sweepID != 0 {
		s.cron.Remove(s.sweepID)
	}
	id, _ := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		now := time.Now()
		s.entries.Range(func(hostname string, e *Entry) bool {
			if e.Config != nil && !e.renewAt.IsZero() && now.After(e.renewAt) {
				due(hostname)
			}
			return true
		})
	})
	s.sweepID = id
}

// Remove clears hostname's entry and cancels any pending renewal timer, per
// the Unregister invariant in spec.md §3/§4.2.
func (s *Store) Remove(hostname string) {
	hostname = strings.ToLower(hostname)
	if e, ok := s.entries.LoadAndDelete(hostname); ok && e.cronEntryID != 0 {
		s.cron.Remove(e.cronEntryID)
	}
}

// onceSchedule fires exactly one time at `at`, then never again: the cron
// scheduler computes Next() as a far-future sentinel after the single firing.
type onceSchedule struct {
	at   time.Time
	used bool
}

func onceAt(at time.Time) cron.Schedule {
	return &onceSchedule{at: at}
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	if o.used {
		return o.at.Add(100 * 365 * 24 * time.Hour) // effectively never again
	}
	o.used = true
	return o.at
}
