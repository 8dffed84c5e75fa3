// Package audit 异步投递签名会话终止结果。
package audit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aegis-sign/signflow/internal/app/signing"
)

var (
	// ErrQueueFull 当队列无可用 slot 时返回。
	ErrQueueFull = errors.New("audit dispatcher queue full")
	// ErrRateLimited 表示命中速率限制。
	ErrRateLimited = errors.New("audit dispatcher rate limited")
	// ErrClosed 表示 Dispatcher 已关闭。
	ErrClosed = errors.New("audit dispatcher closed")
)

// Record 是一次投递的载荷。
type Record struct {
	DeliveryID string
	Outcome    signing.Outcome
	Attempt    int
}

// Executor 执行具体投递（日志、Kafka 等）。
type Executor interface {
	Deliver(ctx context.Context, record Record) error
}

// Dispatcher 接收会话结果、排队并调度投递，实现 signing.OutcomeRecorder。
type Dispatcher struct {
	cfg      Config
	executor Executor

	queue   chan *job
	stopCh  chan struct{}
	closed  atomic.Bool
	metrics *Metrics

	limiter atomic.Pointer[rate.Limiter]
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*jobState

	wg sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

var _ signing.OutcomeRecorder = (*Dispatcher)(nil)

type job struct {
	outcome    signing.Outcome
	deliveryID string
}

type jobState struct {
	job      *job
	attempts int
}

// NewDispatcher 创建并启动后台 worker。
func NewDispatcher(cfg Config, executor Executor) (*Dispatcher, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	normalized := cfg.normalize()
	d := &Dispatcher{
		cfg:      normalized,
		executor: executor,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,
		states:   make(map[string]*jobState),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if normalized.RateLimit > 0 {
		d.limiter.Store(rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst))
	}
	d.start()
	return d, nil
}

// Record 将会话结果入队；同一会话在投递完成前重复提交会被忽略。
func (d *Dispatcher) Record(ctx context.Context, outcome signing.Outcome) error {
	if outcome.SessionID == "" {
		return errors.New("session id is required for audit")
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if limiter := d.limiter.Load(); limiter != nil && !limiter.Allow() {
		return ErrRateLimited
	}
	d.mu.Lock()
	if _, ok := d.states[outcome.SessionID]; ok {
		d.mu.Unlock()
		return nil
	}
	j := &job{outcome: outcome, deliveryID: uuid.NewString()}
	d.states[outcome.SessionID] = &jobState{job: j}
	d.mu.Unlock()

	select {
	case d.queue <- j:
		d.metrics.incQueueDepth()
		d.metrics.incEnqueued(string(outcome.Method), string(outcome.Status))
		d.logger.Debug("audit enqueued", slog.String("session", outcome.SessionID), slog.String("delivery_id", j.deliveryID))
		return nil
	default:
		d.mu.Lock()
		delete(d.states, outcome.SessionID)
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// Close 停止接收新结果，投递队列中剩余的结果后返回。
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.stopCh)
	d.wg.Wait()
}

// UpdateRateLimit 热更新速率限制。
func (d *Dispatcher) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), d.cfg.RateBurst))
}

func (d *Dispatcher) start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			d.drain()
			return
		case j := <-d.queue:
			if j == nil {
				continue
			}
			d.handleJob(j)
		}
	}
}

// drain 在关闭时把队列中剩余任务各投递一次，不再安排重试。
func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			if j != nil {
				d.handleJob(j)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) handleJob(j *job) {
	state := d.markInFlight(j.outcome.SessionID)
	if state == nil {
		return
	}
	attempt := state.attempts
	method, status := string(j.outcome.Method), string(j.outcome.Status)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
	start := time.Now()
	err := d.executor.Deliver(ctx, Record{DeliveryID: j.deliveryID, Outcome: j.outcome, Attempt: attempt})
	cancel()
	d.metrics.observeLatency(method, float64(time.Since(start).Milliseconds()))

	if err == nil {
		d.finishJob(j.outcome.SessionID)
		return
	}

	if attempt >= d.cfg.MaxAttempts || d.closed.Load() {
		d.finishJob(j.outcome.SessionID)
		d.metrics.incFail(method, status)
		d.logger.Warn("audit delivery failed permanently",
			slog.String("session", j.outcome.SessionID),
			slog.String("delivery_id", j.deliveryID),
			slog.Int("attempts", attempt),
			slog.Any("err", err))
		return
	}

	delay := d.backoffDelay(attempt)
	d.metrics.incRetry(method, status)
	d.logger.Info("audit retry scheduled",
		slog.String("session", j.outcome.SessionID),
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay),
		slog.String("delivery_id", j.deliveryID))
	time.AfterFunc(delay, func() {
		if d.closed.Load() {
			d.metrics.incFail(method, status)
			d.finishJob(j.outcome.SessionID)
			return
		}
		select {
		case <-d.stopCh:
			d.metrics.incFail(method, status)
			d.finishJob(j.outcome.SessionID)
		case d.queue <- j:
		}
	})
}

func (d *Dispatcher) markInFlight(sessionID string) *jobState {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.states[sessionID]
	if state == nil {
		return nil
	}
	state.attempts++
	return state
}

func (d *Dispatcher) finishJob(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.states[sessionID]; ok {
		delete(d.states, sessionID)
		d.metrics.decQueueDepth()
	}
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase * time.Duration(1<<(attempt-1))
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return d.jitter(delay, 0.2)
}

func (d *Dispatcher) jitter(dur time.Duration, factor float64) time.Duration {
	maxJitter := time.Duration(float64(dur) * factor)
	if maxJitter <= 0 {
		return dur
	}
	d.randMu.Lock()
	delta := time.Duration(d.rnd.Int63n(int64(2*maxJitter+1))) - maxJitter
	d.randMu.Unlock()
	candidate := dur + delta
	if candidate < 0 {
		return 0
	}
	return candidate
}
