package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

func TestNext_ServesBufferedURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.True(t, h.buffer.Add("https://a.com/1", frontier.Metadata{"depth": {"1"}}, "a.com"))

	rec := h.do(http.MethodGet, "/v1/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"url":"https://a.com/1","metadata":{"depth":["1"]},"partition":"a.com"}`, rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/next", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestNext_NilMetadataEncodesAsObject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.True(t, h.buffer.Add("https://a.com/1", nil, "a.com"))

	rec := h.do(http.MethodGet, "/v1/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"metadata":{}`)
}

func TestReportOutcome_Accepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(http.MethodPost, "/v1/outcomes",
		`{"url":"https://a.com/1","metadata":{"isFeed":["true"]},"status":"fetched"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body outcomeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://a.com/1", body.URL)
	assert.Equal(t, "FETCHED", body.Status)
	assert.Equal(t, "a.com", body.Partition)
	assert.False(t, body.NextFetchDate.IsZero())

	calls := h.reporter.reported()
	require.Len(t, calls, 1)
	assert.Equal(t, frontier.OutcomeFetched, calls[0].Status)
	assert.True(t, calls[0].Metadata.Has("isFeed", "true"))
}

func TestReportOutcome_BadRequests(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json":   `{invalid`,
		"missing url":    `{"status":"FETCHED"}`,
		"unknown status": `{"url":"https://a.com/1","status":"GONE"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/v1/outcomes", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, h.reporter.reported())
		})
	}
}

func TestReportOutcome_StoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reporter.err = errors.New("db down")
	rec := h.do(http.MethodPost, "/v1/outcomes", `{"url":"https://a.com/1","status":"ERROR"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.buffer.Add("https://a.com/1", nil, "a.com")
	h.buffer.Add("https://a.com/2", nil, "a.com")
	h.buffer.Add("https://b.com/1", nil, "b.com")
	h.controller.activate("a.com", "b.com", "c.com")

	rec := h.do(http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Partitions)
	assert.Equal(t, 3, body.Pending)
	assert.True(t, body.HasNext)
	assert.Equal(t, 3, body.ActivePartitions)
}

func TestReseed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.controller.activate("a.com")
	rec := h.do(http.MethodPost, "/v1/reseed", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_partitions":1`)
	require.Equal(t, 1, h.controller.reseeds)
}

func TestReseed_Failure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.controller.reseedErr = errors.New("aggregate failed")
	rec := h.do(http.MethodPost, "/v1/reseed", "")

	require.Equal(t, http.StatusBadGateway, rec.Code)
}
