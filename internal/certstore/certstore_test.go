package certstore

import (
	"testing"
	"time"
)

func TestStoreDefaultMeansUseListenerDefault(t *testing.T) {
	s := New()
	defer s.Close()

	s.StoreDefault("example.com")
	if _, ok := s.Get("example.com"); ok {
		t.Fatal("expected no SecureContext for a default entry")
	}
}

func TestRemoveClearsEntry(t *testing.T) {
	s := New()
	defer s.Close()

	s.StoreDefault("example.com")
	s.Remove("example.com")

	if _, ok := s.entries.Load("example.com"); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestSplitPEMCertificates(t *testing.T) {
	bundle := certOne + certTwo
	parts := splitPEMCertificates(bundle)
	if len(parts) != 2 {
		t.Fatalf("expected 2 certificates, got %d", len(parts))
	}
}

func TestOnceScheduleFiresExactlyOnce(t *testing.T) {
	at := time.Now().Add(time.Minute)
	sched := onceAt(at)
	first := sched.Next(time.Now())
	if !first.Equal(at) {
		t.Fatalf("expected first Next() to equal %v, got %v", at, first)
	}
	second := sched.Next(time.Now())
	if !second.After(at.Add(24 * time.Hour)) {
		t.Fatalf("expected second Next() to be far in the future, got %v", second)
	}
}

const certOne = `-----BEGIN CERTIFICATE-----
MIIBtest1
-----END CERTIFICATE-----
`

const certTwo = `-----BEGIN CERTIFICATE-----
MIIBtest2
-----END CERTIFICATE-----
`
