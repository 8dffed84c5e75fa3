// Package smartid 实现基于应用的远程签名（Smart-ID）适配器。
package smartid

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/app/signing"
	"github.com/aegis-sign/signflow/internal/infra/relay"
	"github.com/aegis-sign/signflow/pkg/apierrors"
	"github.com/aegis-sign/signflow/pkg/validator"
	"github.com/google/uuid"
)

const (
	opCertificateChoice = "sid_certificate_choice"
	opSignature         = "sid_signature"
	opPollSession       = "sid_poll_session"
)

// Doer 是中继 JSON 客户端。
type Doer interface {
	Do(ctx context.Context, op, method, path string, in, out any, timeout time.Duration) error
}

// Notifier 发出本地挑战码通知。
type Notifier interface {
	Notify(ctx context.Context, sessionID, challenge string) error
}

// PowerState 报告设备是否处于省电模式；省电时不发通知。
type PowerState interface {
	PowerSaving() bool
}

// Config 控制 Smart-ID 适配器。
type Config struct {
	Relay     Doer
	Container container.Container
	Notifier  Notifier
	Power     PowerState

	RelyingPartyUUID string
	RelyingPartyName string
	DisplayText      string

	PersonalCodeRules validator.PersonalCodeRules

	PollInterval time.Duration
	PollTimeout  time.Duration
	LongPoll     time.Duration
	Clock        relay.Clock
	Logger       *slog.Logger
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 125 * time.Second
	}
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = relay.RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Adapter 实现 signing.Adapter。
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

var _ signing.Adapter = (*Adapter)(nil)

// New 创建适配器。
func New(cfg Config) (*Adapter, error) {
	if cfg.Relay == nil {
		return nil, errors.New("smart-id relay client is required")
	}
	if cfg.Container == nil {
		return nil, errors.New("container is required")
	}
	if _, err := uuid.Parse(cfg.RelyingPartyUUID); err != nil {
		return nil, fmt.Errorf("invalid relying party uuid: %w", err)
	}
	if cfg.RelyingPartyName == "" {
		return nil, errors.New("relying party name is required")
	}
	normalized := cfg.normalize()
	return &Adapter{cfg: normalized, logger: normalized.Logger}, nil
}

// Validate 校验国家与个人识别码。
func (a *Adapter) Validate(req *signing.Request) error {
	creds := req.Credentials
	if creds == nil {
		return apierrors.InvalidCredentials("country and personal code are required")
	}
	if err := validator.ValidatePersonalCode(creds.Country, creds.PersonalCode, a.cfg.PersonalCodeRules); err != nil {
		return apierrors.InvalidCredentials("invalid country or personal code").WithCause(err)
	}
	return nil
}

// Start 启动 Smart-ID 签名流程。
func (a *Adapter) Start(ctx context.Context, req *signing.Request) (<-chan signing.Event, error) {
	if req.Document == nil {
		return nil, apierrors.ProtocolInvariant("signable document is required")
	}
	em := signing.NewEmitter()
	go a.run(ctx, req, em)
	return em.Events(), nil
}

func (a *Adapter) run(ctx context.Context, req *signing.Request, em *signing.Emitter) {
	signature, err := a.sign(ctx, req, em)
	switch {
	case err == nil:
		em.Finish(signing.ProofReceived(signature))
	case errors.Is(err, context.Canceled):
		a.logger.Info("smart-id signing cancelled", slog.String("session", req.SessionID))
		em.Finish(signing.Cancelled())
	default:
		em.Finish(signing.Faulted(err))
	}
}

func (a *Adapter) sign(ctx context.Context, req *signing.Request, em *signing.Emitter) ([]byte, error) {
	creds := req.Credentials
	country := strings.ToUpper(creds.Country)
	code := creds.PersonalCode
	if country == "LV" {
		code = strings.Replace(code, "-", "", 1)
		code = code[:6] + "-" + code[6:]
	}

	var choice sessionResponse
	err := a.cfg.Relay.Do(ctx, opCertificateChoice, http.MethodPost,
		"/certificatechoice/etsi/"+url.PathEscape(semanticsID(country, code)),
		certificateChoiceRequest{
			RelyingPartyUUID: a.cfg.RelyingPartyUUID,
			RelyingPartyName: a.cfg.RelyingPartyName,
			CertificateLevel: certificateLevelQualified,
		}, &choice, 0)
	if err != nil {
		return nil, a.fault(opCertificateChoice, err)
	}
	deviceSelection := false
	st, err := a.poll(ctx, choice.SessionID, func(st *sessionStatus) {
		if st.DeviceSelectionRequired && !deviceSelection {
			deviceSelection = true
			em.Emit(signing.DeviceSelectionRequested())
		}
	})
	if err != nil {
		return nil, err
	}
	cert, err := parseCertificate(st)
	if err != nil {
		return nil, err
	}
	documentNumber := st.Result.DocumentNumber
	if documentNumber == "" {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, errors.New("certificate choice carries no document number"))
	}

	dataToSign, err := a.cfg.Container.PrepareSignature(ctx, req.Document, cert, req.Role)
	if err != nil {
		return nil, err
	}
	hash := SignatureHash(dataToSign)
	var signResp sessionResponse
	err = a.cfg.Relay.Do(ctx, opSignature, http.MethodPost, "/signature/document/"+url.PathEscape(documentNumber), signatureRequest{
		RelyingPartyUUID: a.cfg.RelyingPartyUUID,
		RelyingPartyName: a.cfg.RelyingPartyName,
		CertificateLevel: certificateLevelQualified,
		Hash:             base64.StdEncoding.EncodeToString(hash),
		HashType:         hashTypeSHA256,
		AllowedInteractionsOrder: []interaction{{
			Type:          interactionDisplayTextAndPIN,
			DisplayText60: DisplayText(a.cfg.DisplayText),
		}},
	}, &signResp, 0)
	if err != nil {
		return nil, a.fault(opSignature, err)
	}

	challenge := VerificationCode(hash)
	em.Emit(signing.ChallengeIssued(challenge))
	a.notify(ctx, req.SessionID, challenge)
	a.logger.Info("smart-id signature requested", slog.String("session", req.SessionID), slog.String("country", country))

	st, err = a.poll(ctx, signResp.SessionID, nil)
	if err != nil {
		return nil, err
	}
	if st.Signature == nil || st.Signature.Value == "" {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, errors.New("session result carries no signature"))
	}
	value, err := base64.StdEncoding.DecodeString(st.Signature.Value)
	if err != nil {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, err)
	}
	return value, nil
}

func (a *Adapter) notify(ctx context.Context, sessionID, challenge string) {
	if a.cfg.Notifier == nil {
		return
	}
	if a.cfg.Power != nil && a.cfg.Power.PowerSaving() {
		a.logger.Debug("challenge notification skipped in power saving mode", slog.String("session", sessionID))
		return
	}
	if err := a.cfg.Notifier.Notify(ctx, sessionID, challenge); err != nil {
		a.logger.Warn("challenge notification failed", slog.String("session", sessionID), slog.Any("err", err))
	}
}

// poll 轮询会话直到 COMPLETE；endResult 非 OK 时返回对应终止码。
func (a *Adapter) poll(ctx context.Context, sessionID string, onRunning func(*sessionStatus)) (*sessionStatus, error) {
	if sessionID == "" {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, errors.New("relay returned empty session id"))
	}
	path := "/session/" + url.PathEscape(sessionID) + "?timeoutMs=" + strconv.FormatInt(a.cfg.LongPoll.Milliseconds(), 10)
	var final *sessionStatus
	poller := relay.Poller{Interval: a.cfg.PollInterval, Timeout: a.cfg.PollTimeout, Clock: a.cfg.Clock}
	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		var st sessionStatus
		if err := a.cfg.Relay.Do(ctx, opPollSession, http.MethodGet, path, nil, &st, a.cfg.LongPoll+10*time.Second); err != nil {
			return false, a.fault(opPollSession, err)
		}
		if st.State != stateComplete {
			if onRunning != nil {
				onRunning(&st)
			}
			return false, nil
		}
		code := faults.Code(st.Result.EndResult)
		if code != faults.CodeOK {
			if !faults.Known(faults.BackendSmartID, code) {
				return false, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, fmt.Errorf("unknown end result %q", st.Result.EndResult))
			}
			return false, faults.New(faults.BackendSmartID, code)
		}
		final = &st
		return true, nil
	})
	if errors.Is(err, relay.ErrPollTimeout) {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTimeout, err)
	}
	return final, err
}

func parseCertificate(st *sessionStatus) (*x509.Certificate, error) {
	if st.Cert == nil || st.Cert.Value == "" {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, errors.New("certificate choice carries no certificate"))
	}
	der, err := base64.StdEncoding.DecodeString(st.Cert.Value)
	if err != nil {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, err)
	}
	return cert, nil
}

// fault 将中继错误归类为 Smart-ID 终止码；取消原样返回。
func (a *Adapter) fault(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *relay.StatusError
	if errors.As(err, &statusErr) {
		return faults.Wrap(faults.BackendSmartID, statusCode(statusErr, op), err)
	}
	var transportErr *relay.TransportError
	if errors.As(err, &transportErr) {
		return faults.Wrap(faults.BackendSmartID, transportErr.Code, err)
	}
	if errors.Is(err, relay.ErrRateLimited) {
		return faults.Wrap(faults.BackendSmartID, faults.CodeTooManyRequests, err)
	}
	return faults.Wrap(faults.BackendSmartID, faults.CodeTechnicalError, err)
}
