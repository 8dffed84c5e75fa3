package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/pkg/apierrors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSessionNotFound 会话不存在或已过期清理。
var ErrSessionNotFound = errors.New("signing session not found")

// Outcome 是会话终止结果，交给审计记录。
type Outcome struct {
	SessionID   string
	ContainerID string
	Method      Method
	Status      Status
	Code        apierrors.Code
	Fault       string
	SignatureID string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// OutcomeRecorder 接收会话终止结果。
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome Outcome) error
}

// Clock 用于可测试的时间来源。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config 控制 Controller。
type Config struct {
	Container       container.Container
	Adapters        map[Method]Adapter
	Recorder        OutcomeRecorder
	Logger          *slog.Logger
	Metrics         *Metrics
	Tracer          trace.Tracer
	Clock           Clock
	FinalizeTimeout time.Duration
	// Retention 终止会话保留多久以便重新订阅。
	Retention time.Duration
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/aegis-sign/signflow/internal/app/signing")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return cfg
}

// StartRequest 是 UI 发起的签名请求。
type StartRequest struct {
	ContainerID string
	Method      Method
	Role        *container.RoleData
	Credentials *Credentials
}

// Controller 管理签名会话：单容器单会话、分派适配器、提交或回滚。
type Controller struct {
	cfg      Config
	preparer *container.Preparer
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	byContainer map[string]*Session
	byID        map[string]*Session
	// sweeping 记录清理器已认领、正在做存储 I/O 的容器。
	sweeping map[string]struct{}

	wg sync.WaitGroup
}

// NewController 创建 Controller。
func NewController(cfg Config) (*Controller, error) {
	if cfg.Container == nil {
		return nil, errors.New("container is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("at least one signing adapter is required")
	}
	normalized := cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:         normalized,
		preparer:    container.NewPreparer(normalized.Container),
		logger:      normalized.Logger,
		metrics:     normalized.Metrics,
		tracer:      normalized.Tracer,
		baseCtx:     ctx,
		baseCancel:  cancel,
		byContainer: make(map[string]*Session),
		byID:        make(map[string]*Session),
		sweeping:    make(map[string]struct{}),
	}, nil
}

// Close 取消全部在飞会话并等待协调协程退出。
func (c *Controller) Close() {
	c.baseCancel()
	c.wg.Wait()
}

// Start 发起签名。输入错误与同容器并发请求同步拒绝。
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Session, error) {
	adapter, ok := c.cfg.Adapters[req.Method]
	if !ok {
		c.metrics.incRejected(req.Method, "unsupported_method")
		req.Credentials.Wipe()
		return nil, apierrors.InvalidCredentials(fmt.Sprintf("unsupported signing method %q", req.Method))
	}
	if req.Credentials == nil {
		req.Credentials = &Credentials{}
	}
	now := c.cfg.Clock.Now()
	sess := newSession(uuid.NewString(), req.ContainerID, req.Method, now)
	adapterReq := &Request{
		SessionID:   sess.ID(),
		Method:      req.Method,
		Role:        req.Role,
		Credentials: req.Credentials,
	}
	if err := adapter.Validate(adapterReq); err != nil {
		c.metrics.incRejected(req.Method, "invalid_input")
		req.Credentials.Wipe()
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.byContainer[req.ContainerID]; ok {
		c.mu.Unlock()
		c.metrics.incRejected(req.Method, "in_flight")
		req.Credentials.Wipe()
		c.logger.Warn("signing rejected, container busy",
			slog.String("container", req.ContainerID),
			slog.String("active_session", existing.ID()))
		return nil, apierrors.ProtocolInvariant("another signing session is in progress for this container")
	}
	if _, ok := c.sweeping[req.ContainerID]; ok {
		c.mu.Unlock()
		c.metrics.incRejected(req.Method, "in_flight")
		req.Credentials.Wipe()
		c.logger.Warn("signing rejected, container being swept", slog.String("container", req.ContainerID))
		return nil, apierrors.ProtocolInvariant("container is being cleaned up, retry shortly")
	}
	sess.transition(now, StatusPreparing, nil)
	c.byContainer[req.ContainerID] = sess
	c.byID[sess.ID()] = sess
	c.mu.Unlock()
	c.metrics.incStarted(req.Method)

	spanCtx, span := c.tracer.Start(context.WithoutCancel(ctx), "signing.session", trace.WithAttributes(
		attribute.String("signing.session_id", sess.ID()),
		attribute.String("signing.method", string(req.Method)),
		attribute.String("signing.container_id", req.ContainerID),
	))

	c.recoverStalePending(spanCtx, req.ContainerID)
	doc, err := c.preparer.Prepare(spanCtx, req.ContainerID)
	if err != nil {
		apiErr := c.prepareError(err)
		c.finish(spanCtx, span, sess, StatusFailed, apiErr, "")
		req.Credentials.Wipe()
		return nil, apiErr
	}
	adapterReq.Document = doc

	sessCtx, cancel := context.WithCancel(trace.ContextWithSpan(c.baseCtx, span))
	sess.setCancel(cancel)
	if sess.isCancelRequested() {
		cancel()
		c.logger.Info("signing cancelled before dispatch", slog.String("session", sess.ID()))
		c.finish(spanCtx, span, sess, StatusCancelled, cancelledError(), "")
		req.Credentials.Wipe()
		return sess, nil
	}
	events, err := adapter.Start(sessCtx, adapterReq)
	if err != nil {
		cancel()
		apiErr := c.classify(req.Method, err)
		c.cleanupPending(spanCtx, req.ContainerID)
		c.finish(spanCtx, span, sess, StatusFailed, apiErr, "")
		req.Credentials.Wipe()
		return nil, apiErr
	}
	sess.transition(c.cfg.Clock.Now(), StatusAwaitingProof, nil)
	span.AddEvent("awaiting_proof")

	c.wg.Add(1)
	go c.run(sessCtx, cancel, span, sess, adapterReq, events)
	return sess, nil
}

// Cancel 取消会话；FINALIZING 或已终止时忽略并返回 false。
func (c *Controller) Cancel(sessionID string) (bool, error) {
	sess, err := c.Lookup(sessionID)
	if err != nil {
		return false, err
	}
	accepted := sess.requestCancel()
	c.logger.Info("signing cancel requested", slog.String("session", sessionID), slog.Bool("accepted", accepted))
	return accepted, nil
}

// Lookup 按 ID 查找会话（含保留期内的终止会话）。
func (c *Controller) Lookup(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Active 返回占用容器的会话。
func (c *Controller) Active(containerID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.byContainer[containerID]
	return sess, ok
}

// PruneTerminal 清理超过保留期的终止会话，返回清理数量。
func (c *Controller) PruneTerminal(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, sess := range c.byID {
		snap := sess.Snapshot()
		if snap.Status.Terminal() && now.Sub(snap.UpdatedAt) > c.cfg.Retention {
			delete(c.byID, id)
			removed++
		}
	}
	return removed
}

// run 是单个会话的协调协程：所有状态转换在此线性化。
func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, span trace.Span, sess *Session, req *Request, events <-chan Event) {
	defer c.wg.Done()
	defer cancel()
	defer req.Credentials.Wipe()

	finalStatus := StatusFailed
	var (
		finalErr    *apierrors.Error
		signatureID string
		terminated  bool
	)
	spanCtx := trace.ContextWithSpan(context.WithoutCancel(ctx), span)
	defer func() {
		if finalStatus != StatusCommitted {
			c.cleanupPending(spanCtx, sess.ContainerID())
		}
		c.finish(spanCtx, span, sess, finalStatus, finalErr, signatureID)
	}()

	for ev := range events {
		if terminated {
			continue
		}
		switch ev.Kind {
		case EventChallengeIssued:
			sess.update(c.cfg.Clock.Now(), func(s *Snapshot) bool {
				if s.Status != StatusAwaitingProof {
					return false
				}
				s.Challenge = ev.Challenge
				return true
			})
			span.AddEvent("challenge_issued")
		case EventDeviceSelectionRequested:
			sess.update(c.cfg.Clock.Now(), func(s *Snapshot) bool {
				if s.Status != StatusAwaitingProof {
					return false
				}
				s.DeviceSelection = true
				return true
			})
			span.AddEvent("device_selection_requested")
		case EventProofReceived:
			terminated = true
			if sess.isCancelRequested() {
				finalStatus, finalErr = StatusCancelled, cancelledError()
				continue
			}
			if _, ok := sess.transition(c.cfg.Clock.Now(), StatusFinalizing, nil); !ok {
				finalErr = apierrors.New(apierrors.CodeTechnicalError, "session left awaiting state before proof")
				continue
			}
			span.AddEvent("finalizing")
			finalStatus, finalErr, signatureID = c.finalize(spanCtx, sess, req.Method, ev.Signature)
		case EventFaulted:
			terminated = true
			if sess.isCancelRequested() && errors.Is(ev.Err, context.Canceled) {
				finalStatus, finalErr = StatusCancelled, cancelledError()
				continue
			}
			finalErr = c.classify(req.Method, ev.Err)
			if finalErr.Code == apierrors.CodeUserCancelled {
				finalStatus = StatusCancelled
			}
			c.logger.Info("signing adapter faulted",
				slog.String("session", sess.ID()),
				slog.String("method", string(req.Method)),
				slog.String("code", string(finalErr.Code)),
				slog.String("fault", finalErr.Fault))
		case EventCancelled:
			terminated = true
			finalStatus, finalErr = StatusCancelled, cancelledError()
		}
	}
	if !terminated {
		if sess.isCancelRequested() {
			finalStatus, finalErr = StatusCancelled, cancelledError()
		} else {
			finalErr = apierrors.New(apierrors.CodeTechnicalError, "signing adapter ended without result")
		}
	}
}

// finalize 绑定签名并校验新增签名的状态；失败时删除刚添加的签名。
func (c *Controller) finalize(ctx context.Context, sess *Session, method Method, signature []byte) (Status, *apierrors.Error, string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
	defer cancel()
	containerID := sess.ContainerID()

	before, err := c.cfg.Container.Signatures(ctx, containerID)
	if err != nil {
		return StatusFailed, c.containerError(method, err), ""
	}
	if err := c.cfg.Container.FinalizeSignature(ctx, containerID, signature); err != nil {
		c.logger.Warn("finalize signature failed", slog.String("session", sess.ID()), slog.Any("err", err))
		return StatusFailed, c.containerError(method, err), ""
	}
	after, err := c.cfg.Container.Signatures(ctx, containerID)
	if err != nil {
		return StatusFailed, c.containerError(method, err), ""
	}
	added := newSignatures(before, after)
	if len(added) != 1 {
		c.logger.Error("unexpected signature delta after finalize",
			slog.String("session", sess.ID()), slog.Int("added", len(added)))
		for _, rec := range added {
			_ = c.cfg.Container.RemoveSignature(ctx, containerID, rec.ID)
		}
		return StatusFailed, apierrors.New(apierrors.CodeTechnicalError, "signature was not committed"), ""
	}
	rec := added[0]
	if !rec.Status.Acceptable() {
		if err := c.cfg.Container.RemoveSignature(ctx, containerID, rec.ID); err != nil {
			c.logger.Error("remove rejected signature failed", slog.String("session", sess.ID()), slog.Any("err", err))
		}
		return StatusFailed, apierrors.New(apierrors.CodeTechnicalError, "signature validation failed").WithFault(string(rec.Status)), ""
	}
	return StatusCommitted, nil, rec.ID
}

func newSignatures(before, after []container.SignatureRecord) []container.SignatureRecord {
	seen := make(map[string]bool, len(before))
	for _, r := range before {
		if !r.Pending {
			seen[r.ID] = true
		}
	}
	var added []container.SignatureRecord
	for _, r := range after {
		if !r.Pending && !seen[r.ID] {
			added = append(added, r)
		}
	}
	return added
}

func (c *Controller) finish(ctx context.Context, span trace.Span, sess *Session, status Status, apiErr *apierrors.Error, signatureID string) {
	now := c.cfg.Clock.Now()
	snap, _ := sess.transition(now, status, func(s *Snapshot) {
		s.Error = apiErr
		s.SignatureID = signatureID
	})

	c.mu.Lock()
	if c.byContainer[sess.ContainerID()] == sess {
		delete(c.byContainer, sess.ContainerID())
	}
	c.mu.Unlock()

	code := ""
	fault := ""
	if apiErr != nil {
		code = string(apiErr.Code)
		fault = apiErr.Fault
	}
	c.metrics.observeFinished(snap.Method, snap.Status, code, float64(now.Sub(snap.StartedAt).Milliseconds()))
	c.metrics.incFault(snap.Method, fault)

	span.SetAttributes(attribute.String("signing.status", string(snap.Status)))
	if snap.Status == StatusFailed {
		span.SetStatus(codes.Error, code)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	c.logger.Info("signing session finished",
		slog.String("session", snap.SessionID),
		slog.String("container", snap.ContainerID),
		slog.String("method", string(snap.Method)),
		slog.String("status", string(snap.Status)),
		slog.String("code", code))

	if c.cfg.Recorder != nil {
		outcome := Outcome{
			SessionID:   snap.SessionID,
			ContainerID: snap.ContainerID,
			Method:      snap.Method,
			Status:      snap.Status,
			Code:        apierrors.Code(code),
			Fault:       fault,
			SignatureID: signatureID,
			StartedAt:   snap.StartedAt,
			FinishedAt:  now,
		}
		if err := c.cfg.Recorder.Record(ctx, outcome); err != nil {
			c.logger.Warn("record signing outcome failed", slog.String("session", snap.SessionID), slog.Any("err", err))
		}
	}
}

// recoverStalePending 删除崩溃会话遗留的待定签名；调用方已独占该容器。
func (c *Controller) recoverStalePending(ctx context.Context, containerID string) {
	records, err := c.cfg.Container.Signatures(ctx, containerID)
	if err != nil {
		return
	}
	pending, ok := container.PendingOf(records)
	if !ok {
		return
	}
	if err := c.cfg.Container.RemovePendingSignature(ctx, containerID); err != nil {
		c.logger.Warn("remove stale pending signature failed", slog.String("container", containerID), slog.Any("err", err))
		return
	}
	c.metrics.incStalePending("start")
	c.logger.Info("stale pending signature removed",
		slog.String("container", containerID),
		slog.String("signature", pending.ID),
		slog.Time("created_at", pending.CreatedAt))
}

func (c *Controller) cleanupPending(ctx context.Context, containerID string) {
	if err := c.cfg.Container.RemovePendingSignature(ctx, containerID); err != nil {
		c.logger.Error("remove pending signature failed", slog.String("container", containerID), slog.Any("err", err))
	}
}

func (c *Controller) prepareError(err error) *apierrors.Error {
	switch {
	case errors.Is(err, container.ErrContainerEmpty):
		return apierrors.NewKind(apierrors.KindInputValidation, apierrors.CodeTechnicalError, "container has no data files").WithCause(err)
	case errors.Is(err, container.ErrContainerAlreadyPending):
		return apierrors.ProtocolInvariant("container already holds a pending signature").WithCause(err)
	case errors.Is(err, container.ErrContainerNotFound):
		return apierrors.NewKind(apierrors.KindInputValidation, apierrors.CodeTechnicalError, "container not found").WithCause(err)
	default:
		return apierrors.New(apierrors.CodeTechnicalError, "prepare signable data failed").WithCause(err)
	}
}

func (c *Controller) containerError(method Method, err error) *apierrors.Error {
	switch {
	case errors.Is(err, container.ErrCertificateRevoked):
		return faults.ToError(faults.Wrap(BackendOf(method), faults.CodeCertificateRevoked, err))
	case errors.Is(err, container.ErrRevocationUnavailable):
		return faults.ToError(faults.Wrap(BackendOf(method), faults.TransportCode(err), err))
	case errors.Is(err, container.ErrContainerAlreadyPending):
		return apierrors.ProtocolInvariant("container already holds a pending signature").WithCause(err)
	case errors.Is(err, container.ErrDocumentChanged):
		return apierrors.ProtocolInvariant("container data files changed during signing").WithCause(err)
	default:
		return apierrors.New(apierrors.CodeTechnicalError, "finalize signature failed").WithCause(err)
	}
}

// classify 将适配器错误统一为业务错误。
func (c *Controller) classify(method Method, err error) *apierrors.Error {
	if err == nil {
		return apierrors.New(apierrors.CodeTechnicalError, faults.Message(apierrors.CodeTechnicalError))
	}
	var fault *faults.Fault
	if errors.As(err, &fault) {
		return faults.ToError(fault)
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return cancelledError()
	}
	if errors.Is(err, container.ErrCertificateRevoked) || errors.Is(err, container.ErrRevocationUnavailable) ||
		errors.Is(err, container.ErrContainerAlreadyPending) || errors.Is(err, container.ErrDocumentChanged) {
		return c.containerError(method, err)
	}
	return faults.ToError(faults.Wrap(BackendOf(method), faults.CodeTechnicalError, err))
}

func cancelledError() *apierrors.Error {
	return apierrors.New(apierrors.CodeUserCancelled, faults.Message(apierrors.CodeUserCancelled))
}

// BackendOf 返回签名方式对应的故障后端。
func BackendOf(m Method) faults.Backend {
	switch m {
	case MethodMobileID:
		return faults.BackendMobileID
	case MethodSmartID:
		return faults.BackendSmartID
	default:
		return faults.BackendCard
	}
}
