// Command taiji is a dynamic reverse proxy: it routes by hostname/path to
// one or more backends, load-balances round-robin across a route's
// targets, selects a TLS certificate by SNI, forwards WebSocket upgrades,
// and reloads its route table from a config file without dropping
// unrelated routes. See spec.md for the full specification.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaedion/taiji/internal/certstore"
	"github.com/kaedion/taiji/internal/cluster"
	"github.com/kaedion/taiji/internal/config"
	"github.com/kaedion/taiji/internal/lifecycle"
	"github.com/kaedion/taiji/internal/listener"
	"github.com/kaedion/taiji/internal/proxyengine"
	"github.com/kaedion/taiji/internal/resolve"
	"github.com/kaedion/taiji/internal/router"
	"github.com/kaedion/taiji/internal/wsproxy"
)

const (
	defaultHTTPPort   = "8080"
	defaultRoutesPath = "/etc/taiji/routes.csv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("INFO: starting taiji reverse proxy...")

	workers := envInt("CLUSTER", 1)
	if workers > 1 && !cluster.IsWorker() {
		runMaster(workers)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := router.NewTable()
	pipeline := resolve.New(table)
	defer pipeline.Close()

	certs := certstore.New()

	engine := proxyengine.New(pipeline, certs, proxyengine.Options{
		XFwd:                envBool("XFWD", true),
		Secure:              envBool("SECURE", true),
		PreferForwardedHost: envBool("PREFER_FORWARDED_HOST", false),
		NTLM:                envBool("NTLM", false),
		HTTPSPort:           envInt("HTTPS_PORT", 0),
	})
	table.NewHandle = engine.NewHandle

	wsForward := wsproxy.New(pipeline, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	routesPath := os.Getenv("ROUTES_PATH")
	if routesPath == "" {
		routesPath = defaultRoutesPath
	}
	if err := loadRoutes(table, routesPath); err != nil {
		log.Printf("WARN: initial route load from %s failed: %v", routesPath, err)
	}
	config.WatchWithRestart(ctx, routesPath, func() error {
		docs, err := config.LoadCSV(routesPath)
		if err != nil {
			return err
		}
		return config.Reconcile(table, docs)
	})

	registry := lifecycle.NewRegistry()
	listeners := listener.New(certs, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handleHealthz)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/ready", handleReadyz(table))
	mux.HandleFunc("/readyz", handleReadyz(table))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if wsproxy.IsUpgrade(r) {
			wsForward.ServeUpgrade(w, r, sourceHost(r))
			return
		}
		engine.ServeHTTP(w, r)
	})

	listeners.AddHTTP(listener.HTTPOptions{Host: os.Getenv("HOST"), Port: envInt("PORT", mustAtoi(defaultHTTPPort))}, mux)

	if keyFile, certFile := os.Getenv("HTTPS_KEY_FILE"), os.Getenv("HTTPS_CERT_FILE"); keyFile != "" && certFile != "" {
		_, err := listeners.AddHTTPS(listener.TLSOptions{
			IP:       os.Getenv("HTTPS_IP"),
			Port:     envInt("HTTPS_PORT", 8443),
			KeyFile:  keyFile,
			CertFile: certFile,
			CAFile:   os.Getenv("HTTPS_CA_FILE"),
			HTTP2:    envBool("HTTPS_HTTP2", true),
		}, mux)
		if err != nil {
			log.Fatalf("FATAL: configuring HTTPS listener: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errs := listeners.ListenAndServeAll()

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %v, shutting down gracefully...", sig)
	case err := <-errs:
		log.Printf("ERROR: a listener failed: %v", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	listeners.Shutdown(shutdownCtx, true)

	log.Println("INFO: taiji stopped")
}

// runMaster supervises CLUSTER worker processes and never itself serves
// traffic, per spec.md §5.
func runMaster(workers int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("INFO: cluster master received signal %v, stopping workers...", sig)
		cancel()
	}()

	supervisor := cluster.NewSupervisor(workers, os.Args[1:])
	if err := supervisor.Run(ctx); err != nil {
		log.Fatalf("FATAL: cluster supervisor: %v", err)
	}
}

func loadRoutes(table *router.Table, path string) error {
	docs, err := config.LoadCSV(path)
	if err != nil {
		return err
	}
	return config.Apply(table, docs)
}

func sourceHost(r *http.Request) string {
	host := r.Host
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func handleReadyz(table *router.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if len(table.Snapshot()) == 0 {
			http.Error(w, "Not Ready: No routes loaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	}
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return n
}
