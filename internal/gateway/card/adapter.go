// Package card 实现接触式与 NFC 智能卡签名适配器。
package card

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/app/signing"
	"github.com/aegis-sign/signflow/pkg/apierrors"
	"github.com/aegis-sign/signflow/pkg/validator"
)

// Config 控制智能卡适配器。
type Config struct {
	Driver    Driver
	Tunnel    Tunnel
	Container container.Container
	Resource  *ReaderResource
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Adapter 实现 signing.Adapter，同时服务 card_contact 与 card_nfc。
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

var _ signing.Adapter = (*Adapter)(nil)

// New 创建适配器。
func New(cfg Config) (*Adapter, error) {
	if cfg.Driver == nil {
		return nil, errors.New("card driver is required")
	}
	if cfg.Container == nil {
		return nil, errors.New("container is required")
	}
	if cfg.Resource == nil {
		cfg.Resource = NewReaderResource(cfg.Metrics)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: cfg.Logger}, nil
}

// Validate 校验 PIN2、可选 PUK 与 NFC 的 CAN。
func (a *Adapter) Validate(req *signing.Request) error {
	creds := req.Credentials
	if creds == nil {
		return apierrors.InvalidCredentials("PIN2 is required")
	}
	switch req.Method {
	case signing.MethodCardContact:
	case signing.MethodCardNFC:
		if a.cfg.Tunnel == nil {
			return apierrors.InvalidCredentials("contactless signing is not available")
		}
		if err := validator.ValidateCAN(creds.CAN); err != nil {
			return apierrors.InvalidCredentials("CAN must be 6 digits").WithCause(err)
		}
	default:
		return apierrors.InvalidCredentials(fmt.Sprintf("unsupported card method %q", req.Method))
	}
	if err := validator.ValidatePIN2(creds.PIN2); err != nil {
		return apierrors.InvalidCredentials("PIN2 must be 5-12 digits").WithCause(err)
	}
	if len(creds.PUK) > 0 {
		if err := validator.ValidatePUK(creds.PUK); err != nil {
			return apierrors.InvalidCredentials("PUK must be 8-12 digits").WithCause(err)
		}
	}
	return nil
}

// Start 在后台执行签名仪式并以单个终止事件结束。
func (a *Adapter) Start(ctx context.Context, req *signing.Request) (<-chan signing.Event, error) {
	if req.Document == nil {
		return nil, apierrors.ProtocolInvariant("signable document is required")
	}
	em := signing.NewEmitter()
	go func() {
		signature, err := a.Sign(ctx, req)
		switch {
		case err == nil:
			em.Finish(signing.ProofReceived(signature))
		case errors.Is(err, context.Canceled):
			em.Finish(signing.Cancelled())
		default:
			em.Finish(signing.Faulted(err))
		}
	}()
	return em.Events(), nil
}

// Sign 执行完整签名仪式并返回原始签名值。
// 失败时删除本次创建的待定签名；PIN2、PUK、CAN 在任何退出路径上清零。
func (a *Adapter) Sign(ctx context.Context, req *signing.Request) (signature []byte, err error) {
	creds := req.Credentials
	prepared := false
	defer creds.Wipe()
	defer func() {
		if err != nil && prepared {
			if rmErr := a.cfg.Container.RemovePendingSignature(context.WithoutCancel(ctx), req.Document.ContainerID); rmErr != nil {
				a.logger.Error("remove pending signature failed", slog.String("session", req.SessionID), slog.Any("err", rmErr))
			}
		}
		a.cfg.Metrics.incOperation(string(req.Method), result(err))
	}()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("card ceremony panicked", slog.String("session", req.SessionID), slog.Any("panic", r))
			signature = nil
			err = faults.Wrap(faults.BackendCard, faults.CodeTechnicalError, fmt.Errorf("card ceremony panic: %v", r))
		}
	}()

	lease, err := a.cfg.Resource.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	tok, err := a.cfg.Driver.Open(ctx, creds.Reader)
	if err != nil {
		return nil, toFault(err)
	}
	lease.OnRelease(func() {
		if cerr := tok.Close(); cerr != nil {
			a.logger.Warn("card close failed", slog.Any("err", cerr))
		}
	})
	if req.Method == signing.MethodCardNFC {
		secured, err := a.cfg.Tunnel.Establish(ctx, tok, creds.CAN)
		if err != nil {
			return nil, toFault(err)
		}
		tok = secured
	}

	cert, err := tok.Certificate(ctx)
	if err != nil {
		return nil, toFault(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataToSign, err := a.cfg.Container.PrepareSignature(ctx, req.Document, cert, req.Role)
	if err != nil {
		return nil, err
	}
	prepared = true

	if len(creds.PUK) > 0 {
		if err := tok.UnblockPIN(ctx, creds.PUK, creds.PIN2); err != nil {
			return nil, toFault(err)
		}
		a.logger.Info("PIN2 unblocked with PUK", slog.String("session", req.SessionID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(dataToSign)
	signature, err = tok.SignDigest(ctx, creds.PIN2, digest[:])
	if err != nil {
		return nil, toFault(err)
	}
	a.logger.Info("card signature computed", slog.String("session", req.SessionID), slog.String("method", string(req.Method)))
	return signature, nil
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var fault *faults.Fault
	if errors.As(err, &fault) {
		return string(fault.Code)
	}
	return "error"
}
