package relay

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout 表示轮询在提供方超时时间内未得到终止结果。
var ErrPollTimeout = errors.New("relay poll timed out")

// Clock 提供可替换的计时器。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock 返回系统时钟。
func RealClock() Clock { return realClock{} }

// Poller 以固定间隔调用 fn，直到完成、出错、超时或 ctx 结束。
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock
}

// Run 每轮之前检查 ctx；等待期间 ctx 结束立即返回 ctx.Err()。
func (p Poller) Run(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clock.Now().Add(p.Timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && !clock.Now().Before(deadline) {
			return ErrPollTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}
