package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

var statusColumns = []string{"url", "partition_key", "status", "next_fetch_date", "metadata"}

func newMockStore(t *testing.T) (*StatusStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStatusStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewStatusStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStatusStoreWithPool(mock, "status; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewStatusStoreWithPool(nil, "")
	require.Error(t, err)

	store, err := NewStatusStoreWithPool(mock, "crawl_status")
	require.NoError(t, err)
	require.Equal(t, "crawl_status", store.table)
}

func TestNewStatusStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStatusStore(context.Background(), StatusStoreConfig{})
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestUpdateStatusUpsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	next := time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO UPDATE SET")).
		WithArgs(
			"https://a.com/x",
			"a.com",
			"FETCHED",
			next,
			[]byte(`{"lang":["en"]}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	written, err := store.UpdateStatus(context.Background(), frontier.StatusUpdate{
		URL:           "https://a.com/x",
		Partition:     "a.com",
		Status:        frontier.OutcomeFetched,
		NextFetchDate: next,
		Metadata:      frontier.Metadata{"lang": {"en"}},
	})
	require.NoError(t, err)
	require.True(t, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Discovered URLs never overwrite a known row.
func TestUpdateStatusDiscoveredInsertsOnly(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	next := time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO NOTHING")).
		WithArgs("https://b.com/", frontier.DefaultPartition, "DISCOVERED", next, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO NOTHING")).
		WithArgs("https://b.com/", frontier.DefaultPartition, "DISCOVERED", next, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	discovered := frontier.StatusUpdate{
		URL:           "https://b.com/",
		Status:        frontier.OutcomeDiscovered,
		NextFetchDate: next,
	}
	written, err := store.UpdateStatus(context.Background(), discovered)
	require.NoError(t, err)
	require.True(t, written)

	written, err = store.UpdateStatus(context.Background(), discovered)
	require.NoError(t, err)
	require.False(t, written, "conflicting insert affects no rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsStoredRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	due := time.Date(2024, time.May, 3, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM frontier_status WHERE url = $1")).
		WithArgs("https://a.com/x").
		WillReturnRows(pgxmock.NewRows(statusColumns).
			AddRow("https://a.com/x", "a.com", "FETCHED", due, []byte(`{"lang":["en"]}`)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM frontier_status WHERE url = $1")).
		WithArgs("https://a.com/missing").
		WillReturnRows(pgxmock.NewRows(statusColumns))

	got, err := store.Get(context.Background(), "https://a.com/x")
	require.NoError(t, err)
	require.Equal(t, frontier.StatusUpdate{
		URL:           "https://a.com/x",
		Partition:     "a.com",
		Status:        frontier.OutcomeFetched,
		NextFetchDate: due,
		Metadata:      frontier.Metadata{"lang": {"en"}},
	}, got)

	_, err = store.Get(context.Background(), "https://a.com/missing")
	require.ErrorIs(t, err, frontier.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	_, err := store.UpdateStatus(context.Background(), frontier.StatusUpdate{})
	require.ErrorContains(t, err, "url is required")

	mock.ExpectExec("INSERT INTO frontier_status").WillReturnError(errors.New("conn reset"))
	_, err = store.UpdateStatus(context.Background(), frontier.StatusUpdate{URL: "https://a.com/"})
	require.ErrorContains(t, err, "upsert status: conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryResumesAfterCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	due := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)
	cursorDate := due.Add(-time.Hour)
	d1 := due.Add(-time.Hour)
	d2 := due.Add(-30 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE partition_key = $1 AND next_fetch_date <= $2 AND (next_fetch_date, url) > ($3, $4) " +
			"ORDER BY next_fetch_date, url LIMIT $5")).
		WithArgs("a.com", due, cursorDate, "https://a.com/3", 2).
		WillReturnRows(pgxmock.NewRows(statusColumns).
			AddRow("https://a.com/4", "a.com", "DISCOVERED", d1, []byte(`{"depth":["1"]}`)).
			AddRow("https://a.com/5", "a.com", "FETCHED", d2, []byte(`{}`)))

	records, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition:   "a.com",
		DueBefore:   due,
		SortField:   frontier.FieldNextFetchDate,
		PageSize:    2,
		ResumeAfter: []any{cursorDate, "https://a.com/3"},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "https://a.com/4", records[0].URL)
	require.Equal(t, []string{"1"}, records[0].Metadata.Values("depth"))
	require.Equal(t, []any{d2, "https://a.com/5"}, records[1].SortValues)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryWithoutSortFieldHasNoCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	due := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY url LIMIT $3")).
		WithArgs("a.com", due, 5).
		WillReturnRows(pgxmock.NewRows(statusColumns).
			AddRow("https://a.com/1", "a.com", "DISCOVERED", due, []byte(`null`)))

	records, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition:   "a.com",
		DueBefore:   due,
		PageSize:    5,
		ResumeAfter: []any{due, "ignored"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].SortValues)
	require.NotNil(t, records[0].Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByURLUsesSingleColumnCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	due := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND url > $3 ORDER BY url LIMIT $4")).
		WithArgs("a.com", due, "https://a.com/1", 1).
		WillReturnRows(pgxmock.NewRows(statusColumns).
			AddRow("https://a.com/2", "a.com", "DISCOVERED", due, []byte(`{}`)))

	records, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition:   "a.com",
		DueBefore:   due,
		SortField:   frontier.FieldURL,
		PageSize:    1,
		ResumeAfter: []any{"https://a.com/1", "https://a.com/1"},
	})
	require.NoError(t, err)
	require.Equal(t, []any{"https://a.com/2", "https://a.com/2"}, records[0].SortValues)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRejectsUnknownSortField(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	_, err := store.Query(context.Background(), frontier.QueryRequest{
		Partition: "a.com",
		SortField: "url; DROP TABLE frontier_status",
	})
	require.ErrorContains(t, err, "unsupported sort field")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryPropagatesStoreError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("timeout"))

	_, err := store.Query(context.Background(), frontier.QueryRequest{Partition: "a.com"})
	require.ErrorContains(t, err, "query partition a.com: timeout")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateGroupsRowsIntoBuckets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	due := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)
	early := due.Add(-2 * time.Hour)
	late := due.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("ROW_NUMBER() OVER (PARTITION BY t.partition_key ORDER BY t.next_fetch_date, t.url)")).
		WithArgs(due, 10, 2).
		WillReturnRows(pgxmock.NewRows(statusColumns).
			AddRow("https://b.com/1", "b.com", "DISCOVERED", early, []byte(`{}`)).
			AddRow("https://b.com/2", "b.com", "DISCOVERED", late, []byte(`{}`)).
			AddRow("https://c.com/1", "c.com", "FETCHED", late, []byte(`{}`)))

	buckets, err := store.Aggregate(context.Background(), frontier.AggregateRequest{
		DueBefore:        due,
		MaxBuckets:       10,
		SamplesPerBucket: 2,
		SortField:        frontier.FieldNextFetchDate,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "b.com", buckets[0].Partition)
	require.Len(t, buckets[0].Records, 2)
	require.Equal(t, []any{early, "https://b.com/1"}, buckets[0].Records[0].SortValues)
	require.Equal(t, "c.com", buckets[1].Partition)
	require.Len(t, buckets[1].Records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateErrorIsWrapped(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("WITH buckets").WillReturnError(errors.New("boom"))

	_, err := store.Aggregate(context.Background(), frontier.AggregateRequest{DueBefore: time.Now()})
	require.ErrorContains(t, err, "aggregate due partitions: boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTableAndIndexes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS frontier_status").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS frontier_status_due_idx").
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS frontier_status_next_fetch_idx").
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
