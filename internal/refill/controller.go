package refill

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/partition"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/policy/ratelimit"
)

// Defaults applied by New when the config leaves a field unset.
const (
	DefaultSamplesPerBucket = 2
	DefaultMaxBuckets       = 10
	DefaultReseedInterval   = 2 * time.Minute
)

// Compile-time interface verification.
var _ frontier.EmptyQueueListener = (*Controller)(nil)

var tracer = otel.Tracer("github.com/JakeFAU/realtime-cpi-frontier/internal/refill")

// Config controls refill and reseed queries.
//   - PageSize: rows per refill query (defaults to SamplesPerBucket).
//   - SortField: primary sort field; empty disables sorting and cursors.
//   - QueriesPerSecond: cap on store queries; <= 0 means unlimited.
//   - PartitionQueriesPerSecond: cap on refill queries per partition; <= 0 means unlimited.
//   - Shard: the partitions this instance owns.
type Config struct {
	PageSize         int
	SortField        string
	MaxBuckets       int
	SamplesPerBucket int
	QueriesPerSecond float64
	ReseedInterval   time.Duration
	Shard            partition.Shard

	PartitionQueriesPerSecond float64
}

// Result summarizes one refill query.
type Result struct {
	Partition       string
	Docs            int
	Added           int
	AlreadyBuffered int
	// Discarded is set when the partition was not (or no longer) active.
	Discarded bool
	Cursor    []any
}

// Controller reacts to empty-partition notifications by querying the store.
type Controller struct {
	source  frontier.RefillSource
	buffer  frontier.Buffer
	queue   frontier.RefillQueue
	clock   frontier.Clock
	ids     frontier.IDGenerator
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger

	partitionLimits *ratelimit.Limiter

	mu         sync.RWMutex
	active     map[string]struct{}
	queryDate  time.Time
	generation uint64
	cursors    map[string][]any
}

// New creates a Controller. The caller registers it as the buffer's
// EmptyQueueListener and runs refill workers draining queue.
func New(
	cfg Config,
	source frontier.RefillSource,
	buffer frontier.Buffer,
	queue frontier.RefillQueue,
	clock frontier.Clock,
	ids frontier.IDGenerator,
	logger *zap.Logger,
) *Controller {
	if cfg.SamplesPerBucket <= 0 {
		cfg.SamplesPerBucket = DefaultSamplesPerBucket
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = cfg.SamplesPerBucket
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.ReseedInterval <= 0 {
		cfg.ReseedInterval = DefaultReseedInterval
	}
	if cfg.Shard.Total <= 0 {
		cfg.Shard = partition.Shard{ID: 0, Total: 1}
	}
	limit := rate.Inf
	if cfg.QueriesPerSecond > 0 {
		limit = rate.Limit(cfg.QueriesPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		source:  source,
		buffer:  buffer,
		queue:   queue,
		clock:   clock,
		ids:     ids,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  logger,
		active:  make(map[string]struct{}),
		cursors: make(map[string][]any),

		partitionLimits: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.PartitionQueriesPerSecond,
			DefaultBurst: 1,
		}),
	}
}

// EmptyQueue is called by the buffer when a partition runs dry. Partitions
// outside the active set are ignored; otherwise a refill is queued without
// blocking the caller.
func (c *Controller) EmptyQueue(partition string) {
	c.mu.RLock()
	_, ok := c.active[partition]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("ignoring empty notification for inactive partition", zap.String("partition", partition))
		metrics.ObserveRefillDropped("inactive")
		return
	}

	err := c.queue.TryEnqueue(frontier.RefillRequest{Partition: partition, Requested: c.clock.Now()})
	if err != nil {
		c.logger.Warn("refill request dropped", zap.String("partition", partition), zap.Error(err))
		metrics.ObserveRefillDropped("queue")
		return
	}
	c.logger.Debug("refill requested", zap.String("partition", partition))
}

// Refill queries the store for the next page of partition and feeds the rows
// into the buffer. Rows the buffer refuses, because they are pending or in
// flight, count as AlreadyBuffered. Store failures are returned after being
// logged; the next empty notification or reseed retries.
func (c *Controller) Refill(ctx context.Context, partition string) (Result, error) {
	res := Result{Partition: partition}
	ctx, span := tracer.Start(ctx, "refill.query", trace.WithAttributes(attribute.String("partition", partition)))
	defer span.End()
	if !c.IsActive(partition) {
		res.Discarded = true
		metrics.ObserveRefillDropped("inactive")
		return res, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("refill rate limit: %w", err)
	}
	if err := c.partitionLimits.Wait(ctx, partition); err != nil {
		return res, fmt.Errorf("partition %s rate limit: %w", partition, err)
	}

	// A reseed may have dropped the partition while this call was throttled.
	req, generation, ok := c.prepareQuery(partition)
	if !ok {
		res.Discarded = true
		metrics.ObserveRefillDropped("inactive")
		return res, nil
	}

	start := time.Now()
	records, err := c.source.Query(ctx, req)
	if err != nil {
		metrics.ObserveRefillError()
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		c.logger.Error("refill query failed", zap.String("partition", partition), zap.Error(err))
		return res, fmt.Errorf("query partition %s: %w", partition, err)
	}
	took := time.Since(start)
	res.Docs = len(records)

	if !c.IsActive(partition) {
		res.Discarded = true
		metrics.ObserveRefillDropped("stale")
		c.logger.Info("discarding refill results for dropped partition",
			zap.String("partition", partition),
			zap.Int("docs", len(records)),
		)
		return res, nil
	}

	// The cursor is stored before the rows reach the buffer: once they are
	// served the partition may empty again and the next refill must see it.
	if len(records) > 0 {
		res.Cursor = c.advanceCursor(partition, generation, records[len(records)-1].SortValues)
	}

	for _, rec := range records {
		key := rec.Partition
		if key == "" {
			key = partition
		}
		if c.buffer.Add(rec.URL, rec.Metadata, key) {
			res.Added++
		} else {
			res.AlreadyBuffered++
		}
	}

	metrics.ObserveRefill(res.Docs, res.AlreadyBuffered, took)
	span.SetAttributes(
		attribute.Int("docs", res.Docs),
		attribute.Int("already_buffered", res.AlreadyBuffered),
	)
	c.logger.Info("refill query returned",
		zap.String("partition", partition),
		zap.Int("docs", res.Docs),
		zap.Int("already_buffered", res.AlreadyBuffered),
		zap.Duration("took", took),
	)

	// A full page that added nothing leaves the partition empty with no
	// notification to come; continue from the stored cursor.
	if res.Added == 0 && res.Docs == c.cfg.PageSize && res.Cursor != nil &&
		!slices.Contains(c.buffer.Partitions(), partition) {
		c.EmptyQueue(partition)
	}
	return res, nil
}

func (c *Controller) prepareQuery(partition string) (frontier.QueryRequest, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[partition]; !ok {
		return frontier.QueryRequest{}, 0, false
	}
	if c.queryDate.IsZero() {
		c.queryDate = c.clock.Now()
	}
	return frontier.QueryRequest{
		Partition:   partition,
		DueBefore:   c.queryDate,
		SortField:   c.cfg.SortField,
		PageSize:    c.cfg.PageSize,
		ResumeAfter: cloneTuple(c.cursors[partition]),
	}, c.generation, true
}

// advanceCursor records the sort tuple of the last row of a page unless a
// reseed happened since the query was prepared.
func (c *Controller) advanceCursor(partition string, generation uint64, tuple []any) []any {
	if len(tuple) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		c.logger.Debug("not storing cursor from previous reseed cycle", zap.String("partition", partition))
		return nil
	}
	c.cursors[partition] = cloneTuple(tuple)
	return cloneTuple(tuple)
}

// Reseed discovers the partitions with due work, refreshes the reference
// time, invalidates every cursor and seeds the buffer with sample rows.
// Partitions that still have entries in the buffer stay active. Samples the
// buffer refuses as pending or in flight are counted, not re-seeded.
func (c *Controller) Reseed(ctx context.Context) error {
	cycle := c.newCycleID()
	ctx, span := tracer.Start(ctx, "refill.reseed", trace.WithAttributes(attribute.String("cycle", cycle)))
	defer span.End()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("reseed rate limit: %w", err)
	}
	now := c.clock.Now()
	buckets, err := c.source.Aggregate(ctx, frontier.AggregateRequest{
		DueBefore:        now,
		MaxBuckets:       c.cfg.MaxBuckets,
		SamplesPerBucket: c.cfg.SamplesPerBucket,
		SortField:        c.cfg.SortField,
	})
	if err != nil {
		metrics.ObserveReseed(err, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregation failed")
		c.logger.Error("reseed aggregation failed", zap.String("cycle", cycle), zap.Error(err))
		return fmt.Errorf("aggregate due partitions: %w", err)
	}

	owned := make([]frontier.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if c.cfg.Shard.Owns(b.Partition) {
			owned = append(owned, b)
		}
	}
	pending := c.buffer.Partitions()

	c.mu.Lock()
	next := make(map[string]struct{}, len(owned)+len(pending))
	for _, b := range owned {
		next[b.Partition] = struct{}{}
	}
	for _, p := range pending {
		if c.cfg.Shard.Owns(p) {
			next[p] = struct{}{}
		}
	}
	c.active = next
	c.queryDate = now
	c.generation++
	c.cursors = make(map[string][]any)
	activeCount := len(next)
	retained := make([]string, 0, activeCount)
	for p := range next {
		retained = append(retained, p)
	}
	c.mu.Unlock()
	c.partitionLimits.Retain(retained)

	seeded, already := 0, 0
	for _, b := range owned {
		for _, rec := range b.Records {
			key := rec.Partition
			if key == "" {
				key = b.Partition
			}
			if c.buffer.Add(rec.URL, rec.Metadata, key) {
				seeded++
			} else {
				already++
			}
		}
	}

	metrics.ObserveReseed(nil, activeCount)
	span.SetAttributes(
		attribute.Int("active_partitions", activeCount),
		attribute.Int("seeded", seeded),
	)
	c.logger.Info("reseed complete",
		zap.String("cycle", cycle),
		zap.Time("query_date", now),
		zap.Int("buckets", len(owned)),
		zap.Int("active_partitions", activeCount),
		zap.Int("seeded", seeded),
		zap.Int("already_buffered", already),
	)
	return nil
}

// Run reseeds immediately and then every ReseedInterval until ctx ends.
// Reseed failures are logged and retried on the next tick.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReseedInterval)
	defer ticker.Stop()
	for {
		if err := c.Reseed(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("reseed failed; will retry", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// IsActive reports whether partition is in the active set.
func (c *Controller) IsActive(partition string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[partition]
	return ok
}

// ActivePartitions returns the sorted active set.
func (c *Controller) ActivePartitions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.active))
	for p := range c.active {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CursorFor returns the cached search-after tuple for partition.
func (c *Controller) CursorFor(partition string) ([]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tuple, ok := c.cursors[partition]
	return cloneTuple(tuple), ok
}

// QueryDate returns the reference time of the current cycle.
func (c *Controller) QueryDate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queryDate
}

func (c *Controller) newCycleID() string {
	if c.ids == nil {
		return ""
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Debug("cycle id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func cloneTuple(tuple []any) []any {
	if tuple == nil {
		return nil
	}
	return append([]any(nil), tuple...)
}
