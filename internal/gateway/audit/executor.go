package audit

import (
	"context"
	"log/slog"
)

// LogExecutor 将结果写入结构化日志，用于未配置消息总线的部署。
type LogExecutor struct {
	logger *slog.Logger
}

// NewLogExecutor 返回一个只写日志的执行器。
func NewLogExecutor(logger *slog.Logger) LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return LogExecutor{logger: logger}
}

// Deliver 记录一条审计日志，不含任何凭据材料。
func (e LogExecutor) Deliver(_ context.Context, record Record) error {
	o := record.Outcome
	e.logger.Info("signing session outcome",
		slog.String("delivery_id", record.DeliveryID),
		slog.String("session", o.SessionID),
		slog.String("container", o.ContainerID),
		slog.String("method", string(o.Method)),
		slog.String("status", string(o.Status)),
		slog.String("code", string(o.Code)),
		slog.String("fault", o.Fault),
		slog.String("signature", o.SignatureID),
		slog.Duration("elapsed", o.FinishedAt.Sub(o.StartedAt)))
	return nil
}
