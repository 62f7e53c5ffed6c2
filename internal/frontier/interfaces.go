package frontier

import (
	"context"
	"time"
)

// Partitioner maps a URL and its metadata to a partition key.
// The bool result is false when no key could be derived.
type Partitioner interface {
	Partition(url string, md Metadata) (string, bool)
}

// EmptyQueueListener is told when a partition's queue transitions to empty.
// Implementations are invoked synchronously from Buffer.Next and must not block.
type EmptyQueueListener interface {
	EmptyQueue(partition string)
}

// Buffer is the in-memory partitioned frontier.
type Buffer interface {
	Add(url string, md Metadata, partition string) bool
	Next() (Entry, bool)
	HasNext() bool
	NumPartitions() int
	Partitions() []string
	Len() int
}

// Scheduler computes when a URL becomes eligible for fetching again.
type Scheduler interface {
	Schedule(outcome Outcome, md Metadata) time.Time
}

// RefillSource is the query contract of the durable status store.
type RefillSource interface {
	Query(ctx context.Context, req QueryRequest) ([]Record, error)
	Aggregate(ctx context.Context, req AggregateRequest) ([]Bucket, error)
}

// StatusUpdater persists the result of scheduling a fetch outcome.
// UpdateStatus returns false when the store kept an existing row unchanged.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, update StatusUpdate) (bool, error)
	Get(ctx context.Context, url string) (StatusUpdate, error)
}

// StatusStore is a durable store offering both halves of the contract.
type StatusStore interface {
	RefillSource
	StatusUpdater
	Close()
}

// InFlightReleaser forgets a served URL once its outcome is persisted.
type InFlightReleaser interface {
	Release(url string)
}

// Publisher pushes status events to subscribers (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RefillQueue carries refill requests from empty notifications to the workers.
type RefillQueue interface {
	TryEnqueue(req RefillRequest) error
	Dequeue(ctx context.Context) (RefillRequest, error)
}
