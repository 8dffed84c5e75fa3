package signing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
)

// ContainerLister 列出全部容器 ID。
type ContainerLister interface {
	ContainerIDs(ctx context.Context) ([]string, error)
}

// SweeperConfig 定义清理器参数。
type SweeperConfig struct {
	Controller    *Controller
	Lister        ContainerLister
	Logger        *slog.Logger
	Clock         Clock
	StaleAfter    time.Duration
	Interval      time.Duration
	JitterPercent float64
}

// Sweeper 周期清理无会话占用的过期待定签名，并回收保留期外的终止会话。
type Sweeper struct {
	cfg    SweeperConfig
	rand   *rand.Rand
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper 创建清理器。
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.JitterPercent <= 0 {
		cfg.JitterPercent = 0.1
	}
	return &Sweeper{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start 启动后台清理，直到 ctx 结束。
func (s *Sweeper) Start(ctx context.Context) {
	if ctx == nil || s == nil {
		return
	}
	s.Stop()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.nextInterval())
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
				s.RunOnce(s.ctx)
				timer.Reset(s.nextInterval())
			}
		}
	}()
}

// Stop 停止后台清理。
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cancel = nil
	s.ctx = nil
}

// RunOnce 扫描全部容器，返回删除的待定签名数量。
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if s == nil || s.cfg.Controller == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.cfg.Clock.Now()
	if pruned := s.cfg.Controller.PruneTerminal(now); pruned > 0 {
		s.cfg.Logger.Debug("terminal sessions pruned", slog.Int("count", pruned))
	}
	if s.cfg.Lister == nil {
		return 0
	}
	ids, err := s.cfg.Lister.ContainerIDs(ctx)
	if err != nil {
		s.cfg.Logger.Warn("list containers failed", slog.Any("err", err))
		return 0
	}
	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.cfg.Controller.sweepStalePending(ctx, id, now.Add(-s.cfg.StaleAfter)) {
			removed++
		}
	}
	return removed
}

func (s *Sweeper) nextInterval() time.Duration {
	base := float64(s.cfg.Interval)
	jitter := base * s.cfg.JitterPercent
	delta := (s.rand.Float64()*2 - 1) * jitter
	return time.Duration(base + delta)
}

// sweepStalePending 在锁内认领空闲容器，锁外删除早于 cutoff 的待定签名。
func (c *Controller) sweepStalePending(ctx context.Context, containerID string, cutoff time.Time) bool {
	if !c.claimForSweep(containerID) {
		return false
	}
	defer c.releaseSweep(containerID)
	records, err := c.cfg.Container.Signatures(ctx, containerID)
	if err != nil {
		return false
	}
	pending, ok := container.PendingOf(records)
	if !ok || pending.CreatedAt.After(cutoff) {
		return false
	}
	if err := c.cfg.Container.RemovePendingSignature(ctx, containerID); err != nil {
		c.logger.Warn("sweep pending signature failed", slog.String("container", containerID), slog.Any("err", err))
		return false
	}
	c.metrics.incStalePending("sweeper")
	c.logger.Info("stale pending signature swept",
		slog.String("container", containerID),
		slog.String("signature", pending.ID),
		slog.Time("created_at", pending.CreatedAt))
	return true
}

// claimForSweep 容器无会话且未被认领时登记认领。
func (c *Controller) claimForSweep(containerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.byContainer[containerID]; busy {
		return false
	}
	if _, busy := c.sweeping[containerID]; busy {
		return false
	}
	c.sweeping[containerID] = struct{}{}
	return true
}

func (c *Controller) releaseSweep(containerID string) {
	c.mu.Lock()
	delete(c.sweeping, containerID)
	c.mu.Unlock()
}
