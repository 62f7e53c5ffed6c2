// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

// DefaultTable is the status table used when none is configured.
const DefaultTable = "frontier_status"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Compile-time interface verification.
var _ frontier.StatusStore = (*StatusStore)(nil)

// StatusStoreConfig controls the Postgres connection pool used for status rows.
type StatusStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// StatusStore keeps one row per URL and serves refill queries and reseed
// aggregations over it.
type StatusStore struct {
	pool  pool
	table string
}

// NewStatusStore creates a Postgres-backed StatusStore using the provided config.
func NewStatusStore(ctx context.Context, cfg StatusStoreConfig) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StatusStore{pool: p, table: table}, nil
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(p pool, table string) (*StatusStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &StatusStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the status table and its indexes when missing.
func (s *StatusStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	partition_key TEXT NOT NULL,
	status TEXT NOT NULL,
	next_fetch_date TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (partition_key, next_fetch_date, url)`,
			s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_next_fetch_idx ON %s (next_fetch_date)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpdateStatus upserts the row for update.URL. A DISCOVERED update only
// inserts; rows that already exist keep their status and schedule and the
// call reports false.
func (s *StatusStore) UpdateStatus(ctx context.Context, update frontier.StatusUpdate) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("status store is not configured")
	}
	if strings.TrimSpace(update.URL) == "" {
		return false, fmt.Errorf("url is required")
	}
	partition := update.Partition
	if partition == "" {
		partition = frontier.DefaultPartition
	}
	metadataJSON, err := json.Marshal(normalizeMetadata(update.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	conflict := `ON CONFLICT (url) DO UPDATE SET
	partition_key = EXCLUDED.partition_key,
	status = EXCLUDED.status,
	next_fetch_date = EXCLUDED.next_fetch_date,
	metadata = EXCLUDED.metadata`
	if update.Status == frontier.OutcomeDiscovered {
		conflict = "ON CONFLICT (url) DO NOTHING"
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, partition_key, status, next_fetch_date, metadata)
VALUES ($1,$2,$3,$4,$5)
%s`, s.table, conflict)

	args := []any{
		update.URL,
		partition,
		string(update.Status),
		update.NextFetchDate.UTC(),
		metadataJSON,
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("upsert status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the row stored for url.
func (s *StatusStore) Get(ctx context.Context, url string) (frontier.StatusUpdate, error) {
	if s == nil || s.pool == nil {
		return frontier.StatusUpdate{}, fmt.Errorf("status store is not configured")
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE url = $1", columns, s.table)
	rows, err := s.pool.Query(ctx, query, url)
	if err != nil {
		return frontier.StatusUpdate{}, fmt.Errorf("get status for %s: %w", url, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return frontier.StatusUpdate{}, fmt.Errorf("get status for %s: %w", url, err)
		}
		return frontier.StatusUpdate{}, fmt.Errorf("status for %s: %w", url, frontier.ErrNotFound)
	}
	return scanStatus(rows)
}


// Query returns one page of due rows for a partition ordered by
// (sort field, url). ResumeAfter continues strictly after the given tuple.
func (s *StatusStore) Query(ctx context.Context, req frontier.QueryRequest) ([]frontier.Record, error) {
	if !frontier.ValidSortField(req.SortField) {
		return nil, fmt.Errorf("unsupported sort field %q", req.SortField)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE partition_key = $1 AND next_fetch_date <= $2", columns, s.table)
	args := []any{req.Partition, req.DueBefore.UTC()}

	order := "url"
	if req.SortField != "" {
		if req.SortField != frontier.FieldURL {
			order = req.SortField + ", url"
		}
		if len(req.ResumeAfter) == 2 {
			if req.SortField == frontier.FieldURL {
				fmt.Fprintf(&b, " AND url > $%d", len(args)+1)
				args = append(args, req.ResumeAfter[1])
			} else {
				fmt.Fprintf(&b, " AND (%s, url) > ($%d, $%d)", req.SortField, len(args)+1, len(args)+2)
				args = append(args, req.ResumeAfter[0], req.ResumeAfter[1])
			}
		}
	}
	fmt.Fprintf(&b, " ORDER BY %s", order)
	if req.PageSize > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", len(args)+1)
		args = append(args, req.PageSize)
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", req.Partition, err)
	}
	defer rows.Close()

	var out []frontier.Record
	for rows.Next() {
		rec, err := scanRecord(rows, req.SortField)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition %s: %w", req.Partition, err)
	}
	return out, nil
}

// Aggregate returns up to MaxBuckets partitions with due rows, ordered by
// their earliest next fetch date, each with up to SamplesPerBucket rows.
func (s *StatusStore) Aggregate(ctx context.Context, req frontier.AggregateRequest) ([]frontier.Bucket, error) {
	if !frontier.ValidSortField(req.SortField) {
		return nil, fmt.Errorf("unsupported sort field %q", req.SortField)
	}
	sampleOrder := "next_fetch_date, url"
	switch req.SortField {
	case "", frontier.FieldNextFetchDate:
	case frontier.FieldURL:
		sampleOrder = "url"
	default:
		sampleOrder = req.SortField + ", url"
	}
	maxBuckets := req.MaxBuckets
	if maxBuckets <= 0 {
		maxBuckets = 10
	}
	samples := req.SamplesPerBucket
	if samples <= 0 {
		samples = 1
	}
	query := fmt.Sprintf(`
WITH buckets AS (
	SELECT partition_key, MIN(next_fetch_date) AS first_due
	FROM %[1]s
	WHERE next_fetch_date <= $1
	GROUP BY partition_key
	ORDER BY first_due, partition_key
	LIMIT $2
), ranked AS (
	SELECT t.url, t.partition_key, t.status, t.next_fetch_date, t.metadata, b.first_due,
		ROW_NUMBER() OVER (PARTITION BY t.partition_key ORDER BY %[2]s) AS rn
	FROM %[1]s t
	JOIN buckets b ON b.partition_key = t.partition_key
	WHERE t.next_fetch_date <= $1
)
SELECT %[3]s FROM ranked
WHERE rn <= $3
ORDER BY first_due, partition_key, rn`, s.table, prefixed("t.", sampleOrder), columns)

	rows, err := s.pool.Query(ctx, query, req.DueBefore.UTC(), maxBuckets, samples)
	if err != nil {
		return nil, fmt.Errorf("aggregate due partitions: %w", err)
	}
	defer rows.Close()

	var buckets []frontier.Bucket
	for rows.Next() {
		rec, err := scanRecord(rows, req.SortField)
		if err != nil {
			return nil, err
		}
		if n := len(buckets); n == 0 || buckets[n-1].Partition != rec.Partition {
			buckets = append(buckets, frontier.Bucket{Partition: rec.Partition})
		}
		last := &buckets[len(buckets)-1]
		last.Records = append(last.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregation: %w", err)
	}
	return buckets, nil
}

const columns = "url, partition_key, status, next_fetch_date, metadata"

func scanStatus(rows pgx.Rows) (frontier.StatusUpdate, error) {
	var (
		url, partition, status string
		nextFetch              time.Time
		metadataJSON           []byte
	)
	if err := rows.Scan(&url, &partition, &status, &nextFetch, &metadataJSON); err != nil {
		return frontier.StatusUpdate{}, fmt.Errorf("scan status row: %w", err)
	}
	md := frontier.Metadata{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &md); err != nil {
			return frontier.StatusUpdate{}, fmt.Errorf("decode metadata for %s: %w", url, err)
		}
	}
	return frontier.StatusUpdate{
		URL:           url,
		Partition:     partition,
		Status:        frontier.Outcome(status),
		NextFetchDate: nextFetch.UTC(),
		Metadata:      md,
	}, nil
}

func scanRecord(rows pgx.Rows, sortField string) (frontier.Record, error) {
	row, err := scanStatus(rows)
	if err != nil {
		return frontier.Record{}, err
	}
	rec := frontier.Record{URL: row.URL, Metadata: row.Metadata, Partition: row.Partition}
	switch sortField {
	case "":
	case frontier.FieldNextFetchDate:
		rec.SortValues = []any{row.NextFetchDate, row.URL}
	case frontier.FieldStatus:
		rec.SortValues = []any{string(row.Status), row.URL}
	case frontier.FieldPartition:
		rec.SortValues = []any{row.Partition, row.URL}
	default:
		rec.SortValues = []any{row.URL, row.URL}
	}
	return rec, nil
}

func prefixed(prefix, order string) string {
	parts := strings.Split(order, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

func normalizeMetadata(md frontier.Metadata) map[string][]string {
	if len(md) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(md))
	for k, values := range md {
		out[k] = append([]string(nil), values...)
	}
	return out
}
