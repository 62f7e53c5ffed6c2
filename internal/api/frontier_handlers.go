package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

type nextResponse struct {
	URL       string            `json:"url"`
	Metadata  frontier.Metadata `json:"metadata"`
	Partition string            `json:"partition"`
}

type outcomeRequest struct {
	URL      string            `json:"url"`
	Metadata frontier.Metadata `json:"metadata"`
	Status   string            `json:"status"`
}

type outcomeResponse struct {
	URL           string    `json:"url"`
	Partition     string    `json:"partition"`
	Status        string    `json:"status"`
	NextFetchDate time.Time `json:"next_fetch_date"`
}

type statsResponse struct {
	Partitions       int       `json:"partitions"`
	Pending          int       `json:"pending"`
	HasNext          bool      `json:"has_next"`
	ActivePartitions int       `json:"active_partitions"`
	QueryDate        time.Time `json:"query_date"`
}

// next handles GET /v1/next. It returns the next URL to fetch, or 204 when
// the buffer is empty.
func (s *Server) next(w http.ResponseWriter, _ *http.Request) {
	entry, ok := s.buffer.Next()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	md := entry.Metadata
	if md == nil {
		md = frontier.Metadata{}
	}
	writeJSON(w, http.StatusOK, nextResponse{URL: entry.URL, Metadata: md, Partition: entry.Partition})
}

// reportOutcome handles POST /v1/outcomes {url, metadata, status}. It returns
// 202 with the scheduled next fetch date, 400 for malformed input, or 502 when
// the status store rejects the update.
func (s *Server) reportOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	outcome, err := frontier.ParseOutcome(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update, err := s.reporter.Report(r.Context(), req.URL, req.Metadata, outcome)
	if err != nil {
		s.logger.Error("report outcome failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to persist status")
		return
	}
	writeJSON(w, http.StatusAccepted, outcomeResponse{
		URL:           update.URL,
		Partition:     update.Partition,
		Status:        string(update.Status),
		NextFetchDate: update.NextFetchDate,
	})
}

// stats handles GET /v1/stats.
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Partitions: s.buffer.NumPartitions(),
		Pending:    s.buffer.Len(),
		HasNext:    s.buffer.HasNext(),
	}
	if s.controller != nil {
		resp.ActivePartitions = len(s.controller.ActivePartitions())
		resp.QueryDate = s.controller.QueryDate()
	}
	writeJSON(w, http.StatusOK, resp)
}

// reseed handles POST /v1/reseed. It returns 202 once the aggregation has
// completed, or 502 when the store fails.
func (s *Server) reseed(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "refill controller unavailable")
		return
	}
	if err := s.controller.Reseed(r.Context()); err != nil {
		s.logger.Error("manual reseed failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "reseed canceled")
			return
		}
		writeError(w, http.StatusBadGateway, "reseed failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"active_partitions": len(s.controller.ActivePartitions()),
		"query_date":        s.controller.QueryDate(),
	})
}
