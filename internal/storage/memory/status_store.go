// Package memory provides an in-memory status store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

// Compile-time interface verification.
var _ frontier.StatusStore = (*StatusStore)(nil)

// StatusStore keeps one status row per URL and answers refill queries and
// aggregations with the same ordering rules as the Postgres store.
type StatusStore struct {
	mu   sync.RWMutex
	rows map[string]frontier.StatusUpdate
}

// NewStatusStore constructs an empty StatusStore.
func NewStatusStore() *StatusStore {
	return &StatusStore{
		rows: make(map[string]frontier.StatusUpdate),
	}
}

// UpdateStatus inserts or replaces the row for update.URL. A DISCOVERED
// update never replaces an existing row and reports false instead.
func (s *StatusStore) UpdateStatus(_ context.Context, update frontier.StatusUpdate) (bool, error) {
	if strings.TrimSpace(update.URL) == "" {
		return false, fmt.Errorf("url is required")
	}
	if update.Partition == "" {
		update.Partition = frontier.DefaultPartition
	}
	update.Metadata = update.Metadata.Clone()
	update.NextFetchDate = update.NextFetchDate.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.rows[update.URL]; known && update.Status == frontier.OutcomeDiscovered {
		return false, nil
	}
	s.rows[update.URL] = update
	return true, nil
}

// Get returns the row stored for url.
func (s *StatusStore) Get(_ context.Context, url string) (frontier.StatusUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[url]
	if !ok {
		return frontier.StatusUpdate{}, fmt.Errorf("status for %s: %w", url, frontier.ErrNotFound)
	}
	row.Metadata = row.Metadata.Clone()
	return row, nil
}

// Len returns the number of rows.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Query returns one page of due rows for a partition. With a sort field the
// rows are ordered by (field, url) ascending and ResumeAfter skips every row
// at or before the given tuple.
func (s *StatusStore) Query(_ context.Context, req frontier.QueryRequest) ([]frontier.Record, error) {
	if !frontier.ValidSortField(req.SortField) {
		return nil, fmt.Errorf("unsupported sort field %q", req.SortField)
	}
	s.mu.RLock()
	rows := make([]frontier.StatusUpdate, 0)
	for _, row := range s.rows {
		if row.Partition == req.Partition && !row.NextFetchDate.After(req.DueBefore) {
			rows = append(rows, row)
		}
	}
	s.mu.RUnlock()

	sortRows(rows, req.SortField)

	out := make([]frontier.Record, 0, req.PageSize)
	for _, row := range rows {
		if req.SortField != "" && len(req.ResumeAfter) == 2 &&
			compareTuple(sortTuple(row, req.SortField), req.ResumeAfter) <= 0 {
			continue
		}
		out = append(out, toRecord(row, req.SortField))
		if req.PageSize > 0 && len(out) == req.PageSize {
			break
		}
	}
	return out, nil
}

// Aggregate returns up to MaxBuckets partitions with due rows, ordered by their
// earliest next fetch date, each with up to SamplesPerBucket rows.
func (s *StatusStore) Aggregate(_ context.Context, req frontier.AggregateRequest) ([]frontier.Bucket, error) {
	if !frontier.ValidSortField(req.SortField) {
		return nil, fmt.Errorf("unsupported sort field %q", req.SortField)
	}
	s.mu.RLock()
	byPartition := make(map[string][]frontier.StatusUpdate)
	for _, row := range s.rows {
		if !row.NextFetchDate.After(req.DueBefore) {
			byPartition[row.Partition] = append(byPartition[row.Partition], row)
		}
	}
	s.mu.RUnlock()

	type due struct {
		partition string
		first     time.Time
	}
	order := make([]due, 0, len(byPartition))
	for p, rows := range byPartition {
		first := rows[0].NextFetchDate
		for _, row := range rows[1:] {
			if row.NextFetchDate.Before(first) {
				first = row.NextFetchDate
			}
		}
		order = append(order, due{partition: p, first: first})
	}
	sort.Slice(order, func(i, j int) bool {
		if !order[i].first.Equal(order[j].first) {
			return order[i].first.Before(order[j].first)
		}
		return order[i].partition < order[j].partition
	})
	if req.MaxBuckets > 0 && len(order) > req.MaxBuckets {
		order = order[:req.MaxBuckets]
	}

	sampleField := req.SortField
	if sampleField == "" {
		sampleField = frontier.FieldNextFetchDate
	}
	buckets := make([]frontier.Bucket, 0, len(order))
	for _, d := range order {
		rows := byPartition[d.partition]
		sortRows(rows, sampleField)
		if req.SamplesPerBucket > 0 && len(rows) > req.SamplesPerBucket {
			rows = rows[:req.SamplesPerBucket]
		}
		records := make([]frontier.Record, 0, len(rows))
		for _, row := range rows {
			records = append(records, toRecord(row, req.SortField))
		}
		buckets = append(buckets, frontier.Bucket{Partition: d.partition, Records: records})
	}
	return buckets, nil
}

// Close is a no-op for the in-memory store.
func (s *StatusStore) Close() {}

func toRecord(row frontier.StatusUpdate, sortField string) frontier.Record {
	rec := frontier.Record{
		URL:       row.URL,
		Metadata:  row.Metadata.Clone(),
		Partition: row.Partition,
	}
	if sortField != "" {
		rec.SortValues = sortTuple(row, sortField)
	}
	return rec
}

func sortRows(rows []frontier.StatusUpdate, field string) {
	sort.Slice(rows, func(i, j int) bool {
		if field == "" {
			return rows[i].URL < rows[j].URL
		}
		return compareTuple(sortTuple(rows[i], field), sortTuple(rows[j], field)) < 0
	})
}

func sortTuple(row frontier.StatusUpdate, field string) []any {
	var primary any
	switch field {
	case frontier.FieldNextFetchDate:
		primary = row.NextFetchDate
	case frontier.FieldStatus:
		primary = string(row.Status)
	case frontier.FieldPartition:
		primary = row.Partition
	default:
		primary = row.URL
	}
	return []any{primary, row.URL}
}

func compareTuple(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareValue(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareValue(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
