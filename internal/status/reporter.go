// Package status turns fetch outcomes reported by the fetch layer into
// persisted status rows and optional status events.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/realtime-cpi-frontier/internal/status")

// Event is the payload published for every persisted status change.
type Event struct {
	frontier.StatusUpdate
	ReportedAt time.Time `json:"reported_at"`
}

// Reporter schedules the next fetch for an outcome, persists it and publishes
// a status event when a publisher is configured.
type Reporter struct {
	scheduler   frontier.Scheduler
	partitioner frontier.Partitioner
	store       frontier.StatusUpdater
	publisher   frontier.Publisher
	clock       frontier.Clock
	logger      *zap.Logger

	mu       sync.RWMutex
	releaser frontier.InFlightReleaser
}

// New constructs a Reporter. partitioner and publisher may be nil.
func New(
	scheduler frontier.Scheduler,
	partitioner frontier.Partitioner,
	store frontier.StatusUpdater,
	publisher frontier.Publisher,
	clock frontier.Clock,
	logger *zap.Logger,
) *Reporter {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		scheduler:   scheduler,
		partitioner: partitioner,
		store:       store,
		publisher:   publisher,
		clock:       clock,
		logger:      logger,
	}
}

// SetReleaser registers the component holding served URLs until their
// outcome is persisted.
func (r *Reporter) SetReleaser(releaser frontier.InFlightReleaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaser = releaser
}

// Report persists the outcome of fetching url and returns the stored update.
// When the store keeps an existing row (a DISCOVERED report for a known URL)
// that row is returned and nothing is published.
// Publish failures are logged; the status row is the source of truth.
func (r *Reporter) Report(
	ctx context.Context,
	url string,
	md frontier.Metadata,
	outcome frontier.Outcome,
) (frontier.StatusUpdate, error) {
	if strings.TrimSpace(url) == "" {
		return frontier.StatusUpdate{}, fmt.Errorf("url is required")
	}
	ctx, span := tracer.Start(ctx, "status.report", trace.WithAttributes(
		attribute.String("url", url),
		attribute.String("status", string(outcome)),
	))
	defer span.End()
	update := frontier.StatusUpdate{
		URL:           url,
		Partition:     r.partitionFor(url, md),
		Status:        outcome,
		NextFetchDate: r.scheduler.Schedule(outcome, md),
		Metadata:      md.Clone(),
	}
	written, err := r.store.UpdateStatus(ctx, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update status failed")
		return frontier.StatusUpdate{}, fmt.Errorf("update status for %s: %w", url, err)
	}
	metrics.ObserveOutcome(string(outcome))
	if !written {
		stored, err := r.store.Get(ctx, url)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load status failed")
			return frontier.StatusUpdate{}, fmt.Errorf("load status for %s: %w", url, err)
		}
		span.SetAttributes(attribute.Bool("unchanged", true))
		r.logger.Debug("status unchanged",
			zap.String("url", url),
			zap.String("status", string(stored.Status)),
			zap.Time("next_fetch_date", stored.NextFetchDate),
		)
		return stored, nil
	}
	r.mu.RLock()
	releaser := r.releaser
	r.mu.RUnlock()
	if releaser != nil {
		releaser.Release(url)
	}
	r.logger.Debug("status updated",
		zap.String("url", url),
		zap.String("partition", update.Partition),
		zap.String("status", string(outcome)),
		zap.Time("next_fetch_date", update.NextFetchDate),
	)

	if r.publisher != nil {
		event := Event{StatusUpdate: update, ReportedAt: r.clock.Now()}
		if _, err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("status event publish failed", zap.String("url", url), zap.Error(err))
		}
	}
	return update, nil
}

func (r *Reporter) partitionFor(url string, md frontier.Metadata) string {
	if r.partitioner == nil {
		return frontier.DefaultPartition
	}
	if key, ok := r.partitioner.Partition(url, md); ok && key != "" {
		return key
	}
	return frontier.DefaultPartition
}
