package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/buffer"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/config"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/dispatcher"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	queueMemory "github.com/JakeFAU/realtime-cpi-frontier/internal/queue/memory"
)

type harness struct {
	server     *Server
	buffer     *buffer.RoundRobin
	reporter   *fakeReporter
	controller *fakeController
	queue      *queueMemory.Queue
	clock      *system.Manual
}

type harnessOption func(*config.Config)

func withAPIKey(key string) harnessOption {
	return func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{Enabled: true, APIKey: key}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Config{
		Server:  config.ServerConfig{RequestTimeout: 5 * time.Second},
		Logging: config.LoggingConfig{Development: true},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		buffer:     buffer.NewRoundRobin(nil, zap.NewNop()),
		reporter:   &fakeReporter{},
		controller: newFakeController(),
		queue:      queueMemory.NewQueue(1),
		clock:      system.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	dispatch := dispatcher.New(h.queue, nil)
	h.server = NewServer(h.buffer, h.reporter, h.controller, dispatch, h.clock, cfg, zap.NewNop())
	return h
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeReporter struct {
	mu        sync.Mutex
	calls     []frontier.StatusUpdate
	err       error
	panicWith any
}

func (r *fakeReporter) Report(
	_ context.Context,
	url string,
	md frontier.Metadata,
	outcome frontier.Outcome,
) (frontier.StatusUpdate, error) {
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return frontier.StatusUpdate{}, r.err
	}
	update := frontier.StatusUpdate{
		URL:           url,
		Partition:     "a.com",
		Status:        outcome,
		NextFetchDate: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
		Metadata:      md,
	}
	r.calls = append(r.calls, update)
	return update, nil
}

func (r *fakeReporter) reported() []frontier.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frontier.StatusUpdate(nil), r.calls...)
}

type fakeController struct {
	mu        sync.Mutex
	active    map[string]struct{}
	cursors   map[string][]any
	queryDate time.Time
	reseedErr error
	reseeds   int
}

func newFakeController() *fakeController {
	return &fakeController{
		active:  make(map[string]struct{}),
		cursors: make(map[string][]any),
	}
}

func (c *fakeController) Reseed(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reseeds++
	return c.reseedErr
}

func (c *fakeController) ActivePartitions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for p := range c.active {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *fakeController) IsActive(partition string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[partition]
	return ok
}

func (c *fakeController) CursorFor(partition string) ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tuple, ok := c.cursors[partition]
	return tuple, ok
}

func (c *fakeController) QueryDate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryDate
}

func (c *fakeController) activate(partitions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range partitions {
		c.active[p] = struct{}{}
	}
}
