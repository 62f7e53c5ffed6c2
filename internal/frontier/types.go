package frontier

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPartition is used when no partition key can be derived for a URL.
const DefaultPartition = "_DEFAULT_"

// Outcome is the terminal state of one fetch attempt, reported by the caller.
type Outcome string

// Outcome values persisted in the status store.
const (
	OutcomeDiscovered  Outcome = "DISCOVERED"
	OutcomeFetched     Outcome = "FETCHED"
	OutcomeFetchError  Outcome = "FETCH_ERROR"
	OutcomeError       Outcome = "ERROR"
	OutcomeRedirection Outcome = "REDIRECTION"
)

// ParseOutcome converts a status string into an Outcome.
func ParseOutcome(raw string) (Outcome, error) {
	switch o := Outcome(strings.ToUpper(strings.TrimSpace(raw))); o {
	case OutcomeDiscovered, OutcomeFetched, OutcomeFetchError, OutcomeError, OutcomeRedirection:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Metadata holds multi-valued attributes attached to a URL.
type Metadata map[string][]string

// Values returns every value stored under key.
func (m Metadata) Values(key string) []string {
	if m == nil {
		return nil
	}
	return m[key]
}

// First returns the first value stored under key, or "".
func (m Metadata) First(key string) string {
	values := m.Values(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Has reports whether value is one of the values stored under key.
func (m Metadata) Has(key, value string) bool {
	for _, v := range m.Values(key) {
		if v == value {
			return true
		}
	}
	return false
}

// Add appends value to the values stored under key.
func (m Metadata) Add(key, value string) {
	m[key] = append(m[key], value)
}

// Clone returns a deep copy so callers cannot mutate enqueued metadata.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, values := range m {
		out[k] = append([]string(nil), values...)
	}
	return out
}

// Entry is a URL waiting in the buffer together with its metadata.
type Entry struct {
	URL       string   `json:"url"`
	Metadata  Metadata `json:"metadata"`
	Partition string   `json:"partition"`
}

// Record is one row returned by a refill query or an aggregation sample.
type Record struct {
	URL        string
	Metadata   Metadata
	Partition  string
	SortValues []any
}

// QueryRequest scopes a refill query to one partition.
//   - DueBefore: only rows whose next fetch date is at or before this instant.
//   - SortField: primary ascending sort column; empty disables sorting and pagination.
//   - ResumeAfter: sort tuple of the last row seen on the previous page.
type QueryRequest struct {
	Partition   string
	DueBefore   time.Time
	SortField   string
	PageSize    int
	ResumeAfter []any
}

// AggregateRequest asks the store for the partitions that currently have due work.
type AggregateRequest struct {
	DueBefore        time.Time
	MaxBuckets       int
	SamplesPerBucket int
	SortField        string
}

// Bucket is one partition discovered by an aggregation along with sample rows for seeding.
type Bucket struct {
	Partition string
	Records   []Record
}

// StatusUpdate is persisted after a fetch outcome has been scheduled.
type StatusUpdate struct {
	URL           string    `json:"url"`
	Partition     string    `json:"partition"`
	Status        Outcome   `json:"status"`
	NextFetchDate time.Time `json:"next_fetch_date"`
	Metadata      Metadata  `json:"metadata"`
}

// RefillRequest asks the refill workers to query the store for one partition.
type RefillRequest struct {
	Partition string
	Requested time.Time
}

// Sortable status fields. Refill queries sort by one of these ascending with
// FieldURL as the tie-breaker.
const (
	FieldNextFetchDate = "next_fetch_date"
	FieldURL           = "url"
	FieldStatus        = "status"
	FieldPartition     = "partition_key"
)

// ValidSortField reports whether name may be used as a refill sort field.
// The empty string disables sorting.
func ValidSortField(name string) bool {
	switch name {
	case "", FieldNextFetchDate, FieldURL, FieldStatus, FieldPartition:
		return true
	default:
		return false
	}
}
