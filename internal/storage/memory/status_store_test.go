package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

var base = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func seedStore(t *testing.T, rows ...frontier.StatusUpdate) *StatusStore {
	t.Helper()
	store := NewStatusStore()
	for _, row := range rows {
		_, err := store.UpdateStatus(context.Background(), row)
		require.NoError(t, err)
	}
	return store
}

func row(url, partition string, due time.Duration) frontier.StatusUpdate {
	return frontier.StatusUpdate{
		URL:           url,
		Partition:     partition,
		Status:        frontier.OutcomeDiscovered,
		NextFetchDate: base.Add(due),
		Metadata:      frontier.Metadata{"src": {url}},
	}
}

func TestStatusStoreUpdateAndGet(t *testing.T) {
	t.Parallel()

	store := NewStatusStore()
	ctx := context.Background()
	_, err := store.UpdateStatus(ctx, frontier.StatusUpdate{})
	require.Error(t, err)

	md := frontier.Metadata{"k": {"v"}}
	written, err := store.UpdateStatus(ctx, frontier.StatusUpdate{URL: "u", Metadata: md})
	require.NoError(t, err)
	require.True(t, written)
	md["k"][0] = "changed"

	got, err := store.Get(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, frontier.DefaultPartition, got.Partition)
	require.Equal(t, "v", got.Metadata.First("k"))

	_, err = store.Get(ctx, "missing")
	require.True(t, errors.Is(err, frontier.ErrNotFound))
	require.Equal(t, 1, store.Len())
}

func TestStatusStoreQueryFiltersAndSorts(t *testing.T) {
	t.Parallel()

	store := seedStore(t,
		row("https://a.com/3", "a.com", -1*time.Minute),
		row("https://a.com/1", "a.com", -3*time.Minute),
		row("https://a.com/2", "a.com", -3*time.Minute),
		row("https://a.com/future", "a.com", time.Hour),
		row("https://b.com/1", "b.com", -5*time.Minute),
	)

	records, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition: "a.com",
		DueBefore: base,
		SortField: frontier.FieldNextFetchDate,
		PageSize:  10,
	})
	require.NoError(t, err)
	urls := make([]string, 0, len(records))
	for _, r := range records {
		urls = append(urls, r.URL)
	}
	require.Equal(t, []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"}, urls)
	require.Equal(t, []any{base.Add(-3 * time.Minute), "https://a.com/1"}, records[0].SortValues)
}

func TestStatusStoreQueryPaginatesWithResumeAfter(t *testing.T) {
	t.Parallel()

	store := NewStatusStore()
	for i := 0; i < 7; i++ {
		// Equal due dates exercise the url tie-breaker.
		_, err := store.UpdateStatus(context.Background(),
			row(fmt.Sprintf("https://a.com/%d", i), "a.com", -time.Duration(i%2)*time.Minute))
		require.NoError(t, err)
	}

	req := frontier.QueryRequest{
		Partition: "a.com",
		DueBefore: base,
		SortField: frontier.FieldNextFetchDate,
		PageSize:  3,
	}
	seen := map[string]bool{}
	pages := 0
	for {
		records, err := store.Query(context.Background(), req)
		require.NoError(t, err)
		if len(records) == 0 {
			break
		}
		pages++
		for _, r := range records {
			require.False(t, seen[r.URL], "url %s returned twice", r.URL)
			seen[r.URL] = true
		}
		req.ResumeAfter = records[len(records)-1].SortValues
	}
	require.Equal(t, 3, pages)
	require.Len(t, seen, 7)
}

func TestStatusStoreQueryWithoutSortField(t *testing.T) {
	t.Parallel()

	store := seedStore(t, row("https://a.com/2", "a.com", 0), row("https://a.com/1", "a.com", 0))
	records, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition:   "a.com",
		DueBefore:   base,
		PageSize:    1,
		ResumeAfter: []any{"ignored", "ignored"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].SortValues)

	_, err = store.Query(context.Background(), frontier.QueryRequest{SortField: "drop table"})
	require.Error(t, err)
}

func TestStatusStoreAggregate(t *testing.T) {
	t.Parallel()

	store := seedStore(t,
		row("https://a.com/1", "a.com", -1*time.Minute),
		row("https://a.com/2", "a.com", -2*time.Minute),
		row("https://a.com/3", "a.com", -3*time.Minute),
		row("https://b.com/1", "b.com", -10*time.Minute),
		row("https://c.com/1", "c.com", -5*time.Minute),
		row("https://d.com/1", "d.com", time.Hour),
	)

	buckets, err := store.Aggregate(context.Background(), frontier.AggregateRequest{
		DueBefore:        base,
		MaxBuckets:       2,
		SamplesPerBucket: 2,
		SortField:        frontier.FieldNextFetchDate,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "b.com", buckets[0].Partition)
	require.Equal(t, "c.com", buckets[1].Partition)

	all, err := store.Aggregate(context.Background(), frontier.AggregateRequest{
		DueBefore:        base,
		SamplesPerBucket: 2,
	})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a.com", all[2].Partition)
	require.Len(t, all[2].Records, 2)
	require.Equal(t, "https://a.com/3", all[2].Records[0].URL)
	require.Nil(t, all[2].Records[0].SortValues)
}

func TestStatusStoreDiscoveredDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStatusStore()
	fetched := frontier.StatusUpdate{
		URL:           "https://a.com/",
		Partition:     "a.com",
		Status:        frontier.OutcomeFetched,
		NextFetchDate: base.Add(24 * time.Hour),
	}
	written, err := store.UpdateStatus(ctx, fetched)
	require.NoError(t, err)
	require.True(t, written)
	written, err = store.UpdateStatus(ctx, row("https://a.com/", "a.com", 0))
	require.NoError(t, err)
	require.False(t, written, "known URL keeps its row")

	got, err := store.Get(ctx, "https://a.com/")
	require.NoError(t, err)
	require.Equal(t, frontier.OutcomeFetched, got.Status)
	require.Equal(t, base.Add(24*time.Hour), got.NextFetchDate)

	written, err = store.UpdateStatus(ctx, row("https://b.com/", "b.com", 0))
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, 2, store.Len())
}
