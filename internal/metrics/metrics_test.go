package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if bufferEntriesTotal == nil || refillQueriesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveBufferAdd(t *testing.T) {
	Init()
	added := testutil.ToFloat64(bufferEntriesTotal.WithLabelValues("added"))
	dup := testutil.ToFloat64(bufferEntriesTotal.WithLabelValues("duplicate"))

	ObserveBufferAdd(true)
	ObserveBufferAdd(false)
	ObserveBufferAdd(false)

	if got := testutil.ToFloat64(bufferEntriesTotal.WithLabelValues("added")); got != added+1 {
		t.Errorf("expected added counter %f, got %f", added+1, got)
	}
	if got := testutil.ToFloat64(bufferEntriesTotal.WithLabelValues("duplicate")); got != dup+2 {
		t.Errorf("expected duplicate counter %f, got %f", dup+2, got)
	}
}

func TestObserveRefill(t *testing.T) {
	Init()
	docs := testutil.ToFloat64(refillDocsTotal)
	already := testutil.ToFloat64(refillAlreadyBufferedTotal)
	errs := testutil.ToFloat64(refillQueriesTotal.WithLabelValues("error"))

	ObserveRefill(5, 2, 10*time.Millisecond)
	ObserveRefillError()

	if got := testutil.ToFloat64(refillDocsTotal); got != docs+5 {
		t.Errorf("expected docs %f, got %f", docs+5, got)
	}
	if got := testutil.ToFloat64(refillAlreadyBufferedTotal); got != already+2 {
		t.Errorf("expected already buffered %f, got %f", already+2, got)
	}
	if got := testutil.ToFloat64(refillQueriesTotal.WithLabelValues("error")); got != errs+1 {
		t.Errorf("expected error queries %f, got %f", errs+1, got)
	}
}

func TestObserveReseedSetsActiveGauge(t *testing.T) {
	Init()
	ObserveReseed(nil, 7)
	if got := testutil.ToFloat64(activePartitions); got != 7 {
		t.Errorf("expected active partitions 7, got %f", got)
	}
	// Failed reseeds leave the gauge alone.
	ObserveReseed(errors.New("boom"), 0)
	if got := testutil.ToFloat64(activePartitions); got != 7 {
		t.Errorf("expected active partitions to stay 7, got %f", got)
	}
}

func TestObserveRateLimitDelay(t *testing.T) {
	Init()
	before := histogramCount(t, rateLimitDelaySeconds)

	ObserveRateLimitDelay(20 * time.Millisecond)

	if got := histogramCount(t, rateLimitDelaySeconds); got != before+1 {
		t.Errorf("expected %d observations, got %d", before+1, got)
	}
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
