package card

import (
	"context"
	"sync"
	"time"
)

// ReaderResource 是进程内唯一的读卡器句柄，同一时刻只允许一个租约。
type ReaderResource struct {
	sem     chan struct{}
	metrics *Metrics
}

// NewReaderResource 创建读卡器资源。
func NewReaderResource(metrics *Metrics) *ReaderResource {
	return &ReaderResource{sem: make(chan struct{}, 1), metrics: metrics}
}

// Lease 是读卡器租约，Release 必须在 defer 中调用。
type Lease struct {
	once    sync.Once
	release func()
	onClose []func()
}

// Acquire 等待读卡器空闲；ctx 结束时放弃等待。
func (r *ReaderResource) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.metrics.observeReaderWait(float64(time.Since(start).Milliseconds()))
	return &Lease{release: func() { <-r.sem }}, nil
}

// OnRelease 注册释放时执行的清理（断电、关闭非接触轮询），按注册逆序执行。
func (l *Lease) OnRelease(fn func()) {
	l.onClose = append(l.onClose, fn)
}

// Release 执行清理并归还读卡器，重复调用无效。
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for i := len(l.onClose) - 1; i >= 0; i-- {
			l.onClose[i]()
		}
		l.release()
	})
}
