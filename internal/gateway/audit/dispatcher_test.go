package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/signflow/internal/app/signing"
)

func outcome(id string) signing.Outcome {
	return signing.Outcome{SessionID: id, ContainerID: "doc-1", Method: signing.MethodSmartID, Status: signing.StatusCommitted}
}

func TestDispatcherDedupPerSession(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{MaxQueue: 4, Workers: 1, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Record(context.Background(), outcome("s-1")))
	require.NoError(t, d.Record(context.Background(), outcome("s-1")))
	close(exec.block)

	require.Eventually(t, func() bool { return exec.CallCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return exec.CallCount() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcherRetriesUpToMaxAttempts(t *testing.T) {
	exec := &stubExecutor{}
	exec.failures.Store(5)
	metrics := NewMetrics(prometheus.NewRegistry())
	d, err := NewDispatcher(Config{MaxQueue: 4, Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, Metrics: metrics}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Record(context.Background(), outcome("s-retry")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.failTotal.WithLabelValues("smart_id", "COMMITTED")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), exec.CallCount())
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.retryTotal.WithLabelValues("smart_id", "COMMITTED")))
	require.Equal(t, []int{1, 2, 3}, exec.Attempts())
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.queueDepth))
}

func TestDispatcherRecoversAfterTransientFailure(t *testing.T) {
	exec := &stubExecutor{}
	exec.failures.Store(1)
	d, err := NewDispatcher(Config{Workers: 1, BackoffBase: time.Millisecond, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Record(context.Background(), outcome("s-flaky")))
	require.Eventually(t, func() bool { return exec.Delivered() == 1 }, time.Second, 5*time.Millisecond)
	ids := exec.DeliveryIDs()
	require.Len(t, ids, 2)
	require.Equal(t, ids[0], ids[1])
}

func TestDispatcherRateLimit(t *testing.T) {
	d, err := NewDispatcher(Config{MaxQueue: 2, Workers: 1, RateLimit: 1, Metrics: NewMetrics(prometheus.NewRegistry())}, &stubExecutor{})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Record(context.Background(), outcome("s-rate")))
	require.ErrorIs(t, d.Record(context.Background(), outcome("s-rate-2")), ErrRateLimited)

	d.UpdateRateLimit(0)
	require.NoError(t, d.Record(context.Background(), outcome("s-rate-3")))
}

func TestDispatcherQueueFull(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{MaxQueue: 1, Workers: 1, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(exec.block)
		d.Close()
	})

	require.NoError(t, d.Record(context.Background(), outcome("s-a")))
	require.Eventually(t, func() bool { return exec.Started() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Record(context.Background(), outcome("s-b")))
	require.ErrorIs(t, d.Record(context.Background(), outcome("s-c")), ErrQueueFull)
}

func TestCloseDrainsQueue(t *testing.T) {
	exec := &stubExecutor{}
	d, err := NewDispatcher(Config{MaxQueue: 8, Workers: 1, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, d.Record(context.Background(), outcome(id)))
	}
	d.Close()
	require.Equal(t, int64(3), exec.Delivered())
	require.ErrorIs(t, d.Record(context.Background(), outcome("s-4")), ErrClosed)
	d.Close()
}

func TestRecordRequiresSessionID(t *testing.T) {
	d, err := NewDispatcher(Config{Metrics: NewMetrics(prometheus.NewRegistry())}, &stubExecutor{})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.Error(t, d.Record(context.Background(), signing.Outcome{}))
}

func TestDebugHandler(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{Workers: 2, RateLimit: 10, RateBurst: 5, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(exec.block)
		d.Close()
	})
	require.NoError(t, d.Record(context.Background(), outcome("s-debug")))

	rec := httptest.NewRecorder()
	d.DebugHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap debugSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 2, snap.Workers)
	require.Equal(t, 10.0, snap.RateLimit)
	require.Equal(t, []string{"s-debug"}, snap.Sessions)
	require.Len(t, snap.Pending, 1)
	require.Equal(t, "smart_id", snap.Pending[0].Method)
	require.NotEmpty(t, snap.Pending[0].DeliveryID)
}

func TestLogExecutor(t *testing.T) {
	require.NoError(t, NewLogExecutor(nil).Deliver(context.Background(), Record{DeliveryID: "d-1", Outcome: outcome("s-1")}))
}

type stubExecutor struct {
	block     chan struct{}
	count     atomic.Int64
	started   atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64

	mu       sync.Mutex
	attempts []int
	ids      []string
}

func (s *stubExecutor) Deliver(ctx context.Context, record Record) error {
	s.started.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.count.Add(1)
	s.mu.Lock()
	s.attempts = append(s.attempts, record.Attempt)
	s.ids = append(s.ids, record.DeliveryID)
	s.mu.Unlock()
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("broker unavailable")
	}
	s.delivered.Add(1)
	return nil
}

func (s *stubExecutor) CallCount() int64 { return s.count.Load() }
func (s *stubExecutor) Started() int64   { return s.started.Load() }
func (s *stubExecutor) Delivered() int64 { return s.delivered.Load() }

func (s *stubExecutor) Attempts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.attempts...)
}

func (s *stubExecutor) DeliveryIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}
