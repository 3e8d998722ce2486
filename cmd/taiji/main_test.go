package main

import (
	"net/http"
	"os"
	"testing"
)

func TestEnvBoolFallsBackOnMissingOrInvalid(t *testing.T) {
	os.Unsetenv("TAIJI_TEST_BOOL")
	if !envBool("TAIJI_TEST_BOOL", true) {
		t.Fatal("expected default true when unset")
	}

	os.Setenv("TAIJI_TEST_BOOL", "not-a-bool")
	defer os.Unsetenv("TAIJI_TEST_BOOL")
	if !envBool("TAIJI_TEST_BOOL", true) {
		t.Fatal("expected default true when unparseable")
	}

	os.Setenv("TAIJI_TEST_BOOL", "false")
	if envBool("TAIJI_TEST_BOOL", true) {
		t.Fatal("expected false when explicitly set")
	}
}

func TestEnvIntFallsBackOnMissingOrInvalid(t *testing.T) {
	os.Unsetenv("TAIJI_TEST_INT")
	if envInt("TAIJI_TEST_INT", 42) != 42 {
		t.Fatal("expected default when unset")
	}

	os.Setenv("TAIJI_TEST_INT", "nope")
	defer os.Unsetenv("TAIJI_TEST_INT")
	if envInt("TAIJI_TEST_INT", 42) != 42 {
		t.Fatal("expected default when unparseable")
	}

	os.Setenv("TAIJI_TEST_INT", "9")
	if envInt("TAIJI_TEST_INT", 42) != 9 {
		t.Fatal("expected parsed value when valid")
	}
}

func TestSourceHostStripsPort(t *testing.T) {
	r := &http.Request{Host: "example.com:8080"}
	if got := sourceHost(r); got != "example.com" {
		t.Fatalf("expected example.com, got %s", got)
	}

	r = &http.Request{Host: "example.com"}
	if got := sourceHost(r); got != "example.com" {
		t.Fatalf("expected example.com, got %s", got)
	}
}
