// Package buffer implements the in-memory partitioned frontier buffer.
package buffer

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/metrics"
)

// Compile-time interface verification.
var (
	_ frontier.Buffer           = (*RoundRobin)(nil)
	_ frontier.InFlightReleaser = (*RoundRobin)(nil)
)

// RoundRobin holds one FIFO per partition and serves them in rotation so that
// no partition is served twice before every other non-empty partition has been
// served once. It is safe for concurrent use by multiple goroutines.
type RoundRobin struct {
	mu          sync.Mutex
	partitioner frontier.Partitioner
	listener    frontier.EmptyQueueListener
	// rotation holds *partitionQueue values, least recently served at the front.
	rotation *list.List
	queues   map[string]*list.Element
	inBuffer map[string]struct{}
	size     int
	logger   *zap.Logger

	// inFlight maps served URLs to the time they may be admitted again.
	inFlight    map[string]time.Time
	inFlightTTL time.Duration
	nextSweep   time.Time
	clock       frontier.Clock

	// afterPop runs between a pop that emptied a partition and the refill
	// re-check. Tests only.
	afterPop func()
}

// Option configures a RoundRobin.
type Option func(*RoundRobin)

// WithInFlight keeps every served URL out of the buffer until Release is
// called for it or ttl has elapsed. A nil clock uses the system clock.
func WithInFlight(ttl time.Duration, clock frontier.Clock) Option {
	return func(b *RoundRobin) {
		b.inFlightTTL = ttl
		b.clock = clock
	}
}

type partitionQueue struct {
	key     string
	entries []frontier.Entry
}

// NewRoundRobin creates an empty buffer. A nil partitioner sends every URL
// without an explicit key to frontier.DefaultPartition.
func NewRoundRobin(partitioner frontier.Partitioner, logger *zap.Logger, opts ...Option) *RoundRobin {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RoundRobin{
		partitioner: partitioner,
		rotation:    list.New(),
		queues:      make(map[string]*list.Element),
		inBuffer:    make(map[string]struct{}),
		inFlight:    make(map[string]time.Time),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.inFlightTTL > 0 && b.clock == nil {
		b.clock = system.New()
	}
	return b
}

// SetEmptyQueueListener registers the component told about emptied partitions.
func (b *RoundRobin) SetEmptyQueueListener(l frontier.EmptyQueueListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Add stores the URL under the given partition, deriving the key when it is
// empty. It returns false if the URL is already in the buffer or, with
// WithInFlight, has been served and not yet released.
func (b *RoundRobin) Add(url string, md frontier.Metadata, partition string) bool {
	if partition == "" {
		partition = b.partitionFor(url, md)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inBuffer[url]; ok {
		b.logger.Debug("already in buffer", zap.String("url", url))
		metrics.ObserveBufferAdd(false)
		return false
	}
	if b.inFlightLocked(url) {
		b.logger.Debug("already in flight", zap.String("url", url))
		metrics.ObserveBufferAdd(false)
		return false
	}

	elem, ok := b.queues[partition]
	if !ok {
		elem = b.rotation.PushBack(&partitionQueue{key: partition})
		b.queues[partition] = elem
	}
	q := elem.Value.(*partitionQueue) //nolint:forcetypeassert // rotation only holds *partitionQueue
	q.entries = append(q.entries, frontier.Entry{URL: url, Metadata: md.Clone(), Partition: partition})
	b.inBuffer[url] = struct{}{}
	b.size++
	metrics.ObserveBufferAdd(true)
	return true
}

// Next returns the head of the least recently served partition. When that
// partition runs dry it leaves the rotation and the listener is notified
// before Next returns, outside the buffer lock. No notification is sent if
// the partition was refilled in the meantime.
func (b *RoundRobin) Next() (frontier.Entry, bool) {
	entry, emptied, listener, ok := b.pop()
	metrics.ObserveNext(ok)
	if !ok {
		return frontier.Entry{}, false
	}
	if !emptied || listener == nil {
		return entry, true
	}
	if b.afterPop != nil {
		b.afterPop()
	}
	if b.contains(entry.Partition) {
		b.logger.Debug("partition refilled before notification", zap.String("partition", entry.Partition))
		return entry, true
	}
	b.logger.Debug("partition emptied", zap.String("partition", entry.Partition))
	listener.EmptyQueue(entry.Partition)
	return entry, true
}

// Release admits url again after it was served. It is a no-op for URLs
// that are not in flight.
func (b *RoundRobin) Release(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, url)
}

// InFlight returns the number of served URLs not yet released or expired.
func (b *RoundRobin) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlightTTL <= 0 {
		return 0
	}
	now := b.clock.Now()
	n := 0
	for _, expires := range b.inFlight {
		if now.Before(expires) {
			n++
		}
	}
	return n
}

func (b *RoundRobin) contains(partition string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[partition]
	return ok
}

func (b *RoundRobin) inFlightLocked(url string) bool {
	expires, ok := b.inFlight[url]
	if !ok {
		return false
	}
	if b.clock.Now().Before(expires) {
		return true
	}
	delete(b.inFlight, url)
	return false
}

// holdLocked marks url as in flight and drops expired entries at most once
// per TTL.
func (b *RoundRobin) holdLocked(url string) {
	if b.inFlightTTL <= 0 {
		return
	}
	now := b.clock.Now()
	b.inFlight[url] = now.Add(b.inFlightTTL)
	if now.Before(b.nextSweep) {
		return
	}
	for u, expires := range b.inFlight {
		if !now.Before(expires) {
			delete(b.inFlight, u)
		}
	}
	b.nextSweep = now.Add(b.inFlightTTL)
}

func (b *RoundRobin) pop() (frontier.Entry, bool, frontier.EmptyQueueListener, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	front := b.rotation.Front()
	if front == nil {
		return frontier.Entry{}, false, nil, false
	}
	q := front.Value.(*partitionQueue) //nolint:forcetypeassert // rotation only holds *partitionQueue
	entry := q.entries[0]
	q.entries[0] = frontier.Entry{}
	q.entries = q.entries[1:]
	delete(b.inBuffer, entry.URL)
	b.holdLocked(entry.URL)
	b.size--

	if len(q.entries) > 0 {
		b.rotation.MoveToBack(front)
		return entry, false, b.listener, true
	}
	b.rotation.Remove(front)
	delete(b.queues, q.key)
	return entry, true, b.listener, true
}

// HasNext reports whether any partition holds a pending URL.
func (b *RoundRobin) HasNext() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rotation.Len() > 0
}

// NumPartitions returns the number of partitions in the rotation.
func (b *RoundRobin) NumPartitions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Len returns the number of pending URLs across all partitions.
func (b *RoundRobin) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Partitions returns the partition keys in serving order.
func (b *RoundRobin) Partitions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, b.rotation.Len())
	for e := b.rotation.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*partitionQueue).key) //nolint:forcetypeassert // see above
	}
	return keys
}

func (b *RoundRobin) partitionFor(url string, md frontier.Metadata) string {
	if b.partitioner == nil {
		return frontier.DefaultPartition
	}
	key, ok := b.partitioner.Partition(url, md)
	if !ok || key == "" {
		return frontier.DefaultPartition
	}
	return key
}
