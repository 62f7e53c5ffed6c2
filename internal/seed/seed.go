// Package seed injects seed URLs into the status store so that the next
// reseed picks them up.
//
// A seed list has one URL per line, optionally followed by tab-separated
// key=value metadata pairs:
//
//	https://example.com/	source=manual	depth=0
//
// Blank lines and lines starting with '#' are skipped.
package seed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/storage/gcs"
)

const maxLineBytes = 1 << 20

// Seed is one parsed line of a seed list.
type Seed struct {
	URL      string
	Metadata frontier.Metadata
}

// Opener returns a reader for a named object.
type Opener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Reporter records a status for a URL.
type Reporter interface {
	Report(ctx context.Context, url string, md frontier.Metadata, outcome frontier.Outcome) (frontier.StatusUpdate, error)
}

// Stats summarizes one load.
type Stats struct {
	Lines    int
	Injected int
	Failed   int
}

// Location is where a seed list lives. Bucket is set for gs:// lists,
// Dir for local files.
type Location struct {
	Bucket string
	Dir    string
	Name   string
}

// ParseLocation interprets a seeds.path value.
func ParseLocation(path string) (Location, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Location{}, fmt.Errorf("seed path is empty")
	}
	if strings.HasPrefix(path, "gs://") {
		bucket, object, err := gcs.ParseURI(path)
		if err != nil {
			return Location{}, fmt.Errorf("parse seed location: %w", err)
		}
		return Location{Bucket: bucket, Name: object}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Location{}, fmt.Errorf("resolve seed path: %w", err)
	}
	return Location{Dir: filepath.Dir(abs), Name: filepath.Base(abs)}, nil
}

// Parse reads a seed list.
func Parse(r io.Reader) ([]Seed, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var seeds []Seed
	for scanner.Scan() {
		if s, ok := parseLine(scanner.Text()); ok {
			seeds = append(seeds, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed list: %w", err)
	}
	return seeds, nil
}

func parseLine(line string) (Seed, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
		return Seed{}, false
	}
	fields := strings.Split(line, "\t")
	url := strings.TrimSpace(fields[0])
	if url == "" {
		return Seed{}, false
	}
	md := frontier.Metadata{}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		md.Add(key, strings.TrimSpace(value))
	}
	return Seed{URL: url, Metadata: md}, true
}

// Loader injects seed lists as DISCOVERED status rows.
type Loader struct {
	reporter Reporter
	logger   *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(reporter Reporter, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{reporter: reporter, logger: logger}
}

// Load opens name, parses it and injects every seed. A seed that fails to
// persist is logged and counted; the load continues.
func (l *Loader) Load(ctx context.Context, opener Opener, name string) (Stats, error) {
	rc, err := opener.Open(ctx, name)
	if err != nil {
		return Stats{}, fmt.Errorf("open seed list: %w", err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			l.logger.Warn("close seed list", zap.String("name", name), zap.Error(cerr))
		}
	}()

	seeds, err := Parse(rc)
	if err != nil {
		return Stats{}, err
	}
	return l.Inject(ctx, seeds)
}

// Inject records each seed as DISCOVERED.
func (l *Loader) Inject(ctx context.Context, seeds []Seed) (Stats, error) {
	stats := Stats{Lines: len(seeds)}
	for _, s := range seeds {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("inject seeds: %w", err)
		}
		if _, err := l.reporter.Report(ctx, s.URL, s.Metadata, frontier.OutcomeDiscovered); err != nil {
			stats.Failed++
			l.logger.Warn("seed injection failed", zap.String("url", s.URL), zap.Error(err))
			continue
		}
		stats.Injected++
	}
	l.logger.Info("seeds injected",
		zap.Int("seeds", stats.Lines),
		zap.Int("injected", stats.Injected),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}
