package relay

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// LookupGroup 基于 singleflight 合并相同 key 的在飞查询。
type LookupGroup struct {
	name    string
	metrics *Metrics
	group   singleflight.Group
}

// NewLookupGroup 创建查询合并器。
func NewLookupGroup(name string, metrics *Metrics) *LookupGroup {
	return &LookupGroup{name: name, metrics: metrics}
}

// Do 执行或加入同 key 的查询；ctx 结束时立即返回，不影响其他等待者。
func (g *LookupGroup) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if g == nil {
		return fn(ctx)
	}
	// 查询不随单个调用者取消。
	resultCh := g.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Shared {
			g.metrics.incShared(g.name)
		}
		return res.Val, res.Err
	}
}
