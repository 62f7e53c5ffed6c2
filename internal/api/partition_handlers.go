package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

const (
	defaultPartitionLimit = 50
	maxPartitionLimit     = 500
)

type partitionView struct {
	Partition string `json:"partition"`
	Buffered  bool   `json:"buffered"`
	Active    bool   `json:"active"`
	HasCursor bool   `json:"has_cursor"`
}

type partitionListResponse struct {
	Partitions []partitionView `json:"partitions"`
	Total      int             `json:"total"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

type cursorResponse struct {
	Partition string `json:"partition"`
	Active    bool   `json:"active"`
	Cursor    []any  `json:"cursor"`
}

// listPartitions handles GET /v1/partitions. Buffered and active partitions are
// merged, sorted and paged with limit/offset.
func (s *Server) listPartitions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultPartitionLimit, maxPartitionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views := make(map[string]*partitionView)
	for _, p := range s.buffer.Partitions() {
		views[p] = &partitionView{Partition: p, Buffered: true}
	}
	var active []string
	if s.controller != nil {
		active = s.controller.ActivePartitions()
	}
	for _, p := range active {
		v, ok := views[p]
		if !ok {
			v = &partitionView{Partition: p}
			views[p] = v
		}
		v.Active = true
		_, v.HasCursor = s.controller.CursorFor(p)
	}

	names := make([]string, 0, len(views))
	for p := range views {
		names = append(names, p)
	}
	sort.Strings(names)

	page := make([]partitionView, 0, limit)
	for i := offset; i < len(names) && len(page) < limit; i++ {
		page = append(page, *views[names[i]])
	}
	writeJSON(w, http.StatusOK, partitionListResponse{
		Partitions: page,
		Total:      len(names),
		Limit:      limit,
		Offset:     offset,
	})
}

// getCursor handles GET /v1/partitions/{partition}/cursor.
func (s *Server) getCursor(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "refill controller unavailable")
		return
	}
	cursor, ok := s.controller.CursorFor(partition)
	if !ok {
		writeError(w, http.StatusNotFound, "no cursor for partition")
		return
	}
	writeJSON(w, http.StatusOK, cursorResponse{
		Partition: partition,
		Active:    s.controller.IsActive(partition),
		Cursor:    cursor,
	})
}

// requestRefill handles POST /v1/partitions/{partition}/refill. Only active
// partitions can be refilled.
func (s *Server) requestRefill(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	if s.controller == nil || s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "refill workers unavailable")
		return
	}
	if !s.controller.IsActive(partition) {
		writeError(w, http.StatusNotFound, "partition is not active")
		return
	}
	err := s.submitter.Submit(r.Context(), frontier.RefillRequest{
		Partition: partition,
		Requested: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("manual refill not queued",
			zap.String("request_id", requestID(r.Context())),
			zap.String("partition", partition),
			zap.Error(err),
		)
		if errors.Is(err, frontier.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "refill queue closed")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "refill not queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"partition": partition, "status": "queued"})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	limit := def
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}
