// Package config loads the on-disk YAML construction-options/route
// document and the CSV bulk-route format, and watches either for changes,
// diffing each successful reload into the live routing table via
// Register/Unregister calls (SPEC_FULL.md §7), adapted from the teacher's
// LoadRules/WatchConfigFile/StartWatcherWithRestart.
package config

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kaedion/taiji/internal/metrics"
	"github.com/kaedion/taiji/internal/router"
	"github.com/kaedion/taiji/internal/urlutil"
)

// Document is the on-disk serialization of the construction options plus an
// initial route list, per SPEC_FULL.md §9: additive to, never a replacement
// for, the programmatic Register/Unregister/AddResolver API.
type Document struct {
	Port                int            `yaml:"port"`
	Host                string         `yaml:"host"`
	XFwd                *bool          `yaml:"xfwd"`
	Secure              *bool          `yaml:"secure"`
	PreferForwardedHost bool           `yaml:"preferForwardedHost"`
	NTLM                bool           `yaml:"ntlm"`
	Cluster             int            `yaml:"cluster"`
	SSL                 []SSLListener  `yaml:"ssl"`
	Letsencrypt         *Letsencrypt   `yaml:"letsencrypt"`
	Routes              []RouteDoc     `yaml:"routes"`
}

// SSLListener mirrors one entry of the `ssl` construction option (spec.md §6).
type SSLListener struct {
	Port         int    `yaml:"port"`
	IP           string `yaml:"ip"`
	Key          string `yaml:"key"`
	Cert         string `yaml:"cert"`
	CA           string `yaml:"ca"`
	HTTP2        bool   `yaml:"http2"`
	Redirect     *bool  `yaml:"redirect"`
	RedirectPort int    `yaml:"redirectPort"`
}

// Letsencrypt mirrors the `letsencrypt` construction option.
type Letsencrypt struct {
	Path         string `yaml:"path"`
	Port         int    `yaml:"port"`
	RenewWithin  string `yaml:"renewWithin"`
	MinRenewTime string `yaml:"minRenewTime"`
}

// RouteDoc is one `register` call's worth of configuration.
type RouteDoc struct {
	Src                 string `yaml:"src"`
	Target              string `yaml:"target"`
	UseTargetHostHeader bool   `yaml:"useTargetHostHeader"`
	RetryAll            bool   `yaml:"retryAll"`
	SSLRedirect         *bool  `yaml:"sslRedirect"`
}

// LoadYAML reads and parses a Document from path.
func LoadYAML(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &doc, nil
}

// LoadCSV parses a bulk route file in the teacher's CSV shape, generalized
// from subdomain-only routing to full (hostname, path) sources:
// "hostname,path,target[,retry_all]". Invalid rows are logged and skipped,
// matching the teacher's permissive LoadRules behavior, rather than failing
// the whole load.
func LoadCSV(path string) ([]RouteDoc, error) {
	file, err := os.Open(path)
	if err != nil {
		metrics.ConfigReloadErrorsTotal.Inc()
		return nil, fmt.Errorf("config: opening CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var docs []RouteDoc
	lineNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.ConfigReloadErrorsTotal.Inc()
			return nil, fmt.Errorf("config: CSV parse error at line %d: %w", lineNum, err)
		}
		lineNum++

		if lineNum == 1 && len(record) > 0 && record[0] == "hostname" {
			continue
		}
		if len(record) < 3 || len(record) > 4 {
			log.Printf("WARN: config: invalid field count at line %d (expected 3 or 4, got %d), skipping", lineNum, len(record))
			continue
		}

		hostname := strings.TrimSpace(record[0])
		path := strings.TrimSpace(record[1])
		target := strings.TrimSpace(record[2])
		if hostname == "" || target == "" {
			log.Printf("WARN: config: empty hostname or target at line %d, skipping", lineNum)
			continue
		}
		if path == "" {
			path = "/"
		}

		retryAll := false
		if len(record) == 4 {
			v, err := strconv.ParseBool(strings.TrimSpace(record[3]))
			if err != nil {
				log.Printf("WARN: config: invalid retry_all %q at line %d, defaulting to false", record[3], lineNum)
			} else {
				retryAll = v
			}
		}

		docs = append(docs, RouteDoc{Src: hostname + path, Target: target, RetryAll: retryAll})
	}

	if len(docs) == 0 {
		metrics.ConfigReloadErrorsTotal.Inc()
		return nil, fmt.Errorf("config: no valid routes loaded from %s", path)
	}

	metrics.ConfigReloadTotal.Inc()
	return docs, nil
}

// Apply registers every document's route, building RouteOptions from its
// flags.
func Apply(table *router.Table, docs []RouteDoc) error {
	for _, d := range docs {
		opts := router.RouteOptions{UseTargetHostHeader: d.UseTargetHostHeader, RetryAll: d.RetryAll}
		if d.SSLRedirect != nil {
			opts.SSL = &urlutil.SSLOptions{Redirect: d.SSLRedirect}
		}
		if _, err := table.Register(router.RegisterInput{Src: d.Src, Target: d.Target, Opts: opts}); err != nil {
			return fmt.Errorf("config: registering %s -> %s: %w", d.Src, d.Target, err)
		}
	}
	return nil
}

// Reconcile diffs docs against table's current routes and applies the
// minimal set of Register/Unregister calls to make the table match, instead
// of a blind atomic swap, so routes carrying hooks or ACME certificates
// that are untouched by this reload survive it (SPEC_FULL.md §7).
func Reconcile(table *router.Table, docs []RouteDoc) error {
	type key struct{ hostname, path string }

	desired := make(map[key]map[string]RouteDoc)
	for _, d := range docs {
		src, err := urlutil.ParseSource(d.Src)
		if err != nil {
			return fmt.Errorf("config: reconciling %s: %w", d.Src, err)
		}
		target, err := urlutil.BuildTarget(d.Target, urlutil.Options{UseTargetHostHeader: d.UseTargetHostHeader})
		if err != nil {
			return fmt.Errorf("config: reconciling target %s: %w", d.Target, err)
		}
		k := key{src.Hostname, src.Pathname}
		if desired[k] == nil {
			desired[k] = make(map[string]RouteDoc)
		}
		desired[k][target.Href] = d
	}

	existing := make(map[key]map[string]bool)
	for _, route := range table.Snapshot() {
		k := key{route.Hostname, route.Path}
		hrefs := make(map[string]bool)
		for _, t := range route.URLs() {
			hrefs[t.Href] = true
		}
		existing[k] = hrefs
	}

	for k, hrefs := range existing {
		if _, stillWanted := desired[k]; !stillWanted {
			for href := range hrefs {
				if err := table.Unregister(k.hostname+k.path, href); err != nil {
					return err
				}
			}
		}
	}

	for k, wanted := range desired {
		have := existing[k]
		for href := range have {
			if _, keep := wanted[href]; !keep {
				if err := table.Unregister(k.hostname+k.path, href); err != nil {
					return err
				}
			}
		}
		for href, d := range wanted {
			if have[href] {
				continue
			}
			opts := router.RouteOptions{UseTargetHostHeader: d.UseTargetHostHeader, RetryAll: d.RetryAll}
			if d.SSLRedirect != nil {
				opts.SSL = &urlutil.SSLOptions{Redirect: d.SSLRedirect}
			}
			if _, err := table.Register(router.RegisterInput{Src: d.Src, Target: d.Target, Opts: opts}); err != nil {
				return err
			}
		}
	}

	return nil
}

// Watch watches the directory containing path for changes and calls reload
// on each Write/Create event, debounced by 1s, adapted near-verbatim from
// the teacher's WatchConfigFile. It blocks until ctx is canceled or the
// watcher itself fails.
func Watch(ctx context.Context, path string, reload func() error) error {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: config: panic in Watch: %v", r)
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating file watcher: %w", err)
	}
	defer watcher.Close()

	watchDir := "/config"
	if lastSlash := strings.LastIndex(path, "/"); lastSlash > 0 {
		watchDir = path[:lastSlash]
	}

	if _, err := os.Stat(watchDir); os.IsNotExist(err) {
		return fmt.Errorf("config: watch directory does not exist: %s", watchDir)
	}
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("config: watching directory %s: %w", watchDir, err)
	}

	log.Printf("INFO: config: watching %s for configuration changes", watchDir)

	for {
		select {
		case <-ctx.Done():
			log.Println("INFO: config: watcher shutting down")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("config: watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Printf("INFO: config: change detected, reloading...")
				time.Sleep(time.Second)
				if err := reload(); err != nil {
					log.Printf("ERROR: config: reload failed: %v", err)
				} else {
					log.Printf("INFO: config: reloaded successfully")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("config: watcher errors channel closed")
			}
			log.Printf("ERROR: config: file watcher error: %v", err)
		}
	}
}

// WatchWithRestart runs Watch and automatically restarts it on failure with
// exponential backoff, adapted near-verbatim from the teacher's
// StartWatcherWithRestart.
func WatchWithRestart(ctx context.Context, path string, reload func() error) {
	go func() {
		attempt := 0
		maxBackoff := 5 * time.Minute
		consecutiveMissingDir := 0

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			attempt++
			if attempt > 1 {
				metrics.WatcherRestartsTotal.Inc()
				log.Printf("INFO: config: restarting file watcher (attempt %d)", attempt)
			}

			err := Watch(ctx, path, reload)

			if ctx.Err() != nil {
				return
			}

			if err != nil && strings.Contains(err.Error(), "does not exist") {
				consecutiveMissingDir++
				if consecutiveMissingDir == 1 {
					log.Printf("WARN: config: file watcher disabled: %v", err)
				}
				if consecutiveMissingDir >= 3 {
					log.Println("INFO: config: file watcher permanently disabled (directory does not exist)")
					return
				}
				select {
				case <-time.After(30 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			consecutiveMissingDir = 0
			backoff := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(attempt-1)), float64(maxBackoff)))
			log.Printf("ERROR: config: file watcher stopped: %v. restarting in %v", err, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}()
}
