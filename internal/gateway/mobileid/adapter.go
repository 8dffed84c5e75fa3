// Package mobileid 实现基于推送的远程签名（Mobile-ID）适配器。
package mobileid

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
	opCertificate   = "mid_certificate"
	opSignature     = "mid_signature"
	opPollSignature = "mid_poll_signature"
)

// Doer 是中继 JSON 客户端。
type Doer interface {
	Do(ctx context.Context, op, method, path string, in, out any, timeout time.Duration) error
}

// Config 控制 Mobile-ID 适配器。
type Config struct {
	Relay     Doer
	Lookups   *relay.LookupGroup
	Container container.Container

	RelyingPartyUUID string
	RelyingPartyName string
	// Locale 为 BCP-47 区域设置，决定手机上的提示语言。
	Locale      string
	DisplayText string

	PhoneRules        validator.PhoneRules
	PersonalCodeRules validator.PersonalCodeRules

	PollInterval time.Duration
	// PollTimeout 为提供方会话超时（含余量），超过后结果为 TIMEOUT。
	PollTimeout time.Duration
	// LongPoll 作为 timeoutMs 传给中继。
	LongPoll time.Duration
	Clock    relay.Clock
	Logger   *slog.Logger
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
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
		return nil, errors.New("mobile-id relay client is required")
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

// Validate 在任何网络请求之前校验手机号与个人识别码。
func (a *Adapter) Validate(req *signing.Request) error {
	creds := req.Credentials
	if creds == nil {
		return apierrors.InvalidCredentials("phone number and personal code are required")
	}
	if err := validator.ValidatePhone(creds.PhoneNumber, a.cfg.PhoneRules); err != nil {
		return apierrors.InvalidCredentials("invalid phone number").WithCause(err)
	}
	country := "EE"
	if strings.HasPrefix(creds.PhoneNumber, "+370") {
		country = "LT"
	}
	if err := validator.ValidatePersonalCode(country, creds.PersonalCode, a.cfg.PersonalCodeRules); err != nil {
		return apierrors.InvalidCredentials("invalid personal code").WithCause(err)
	}
	return nil
}

// Start 启动 Mobile-ID 签名流程。
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
		a.logger.Info("mobile-id signing cancelled", slog.String("session", req.SessionID))
		em.Finish(signing.Cancelled())
	default:
		em.Finish(signing.Faulted(err))
	}
}

func (a *Adapter) sign(ctx context.Context, req *signing.Request, em *signing.Emitter) ([]byte, error) {
	creds := req.Credentials
	cert, err := a.certificate(ctx, creds.PhoneNumber, creds.PersonalCode)
	if err != nil {
		return nil, err
	}
	dataToSign, err := a.cfg.Container.PrepareSignature(ctx, req.Document, cert, req.Role)
	if err != nil {
		return nil, err
	}
	hash := SignatureHash(dataToSign)
	text, format := DisplayText(a.cfg.DisplayText)
	var resp signatureResponse
	err = a.cfg.Relay.Do(ctx, opSignature, http.MethodPost, "/signature", signatureRequest{
		RelyingPartyUUID:       a.cfg.RelyingPartyUUID,
		RelyingPartyName:       a.cfg.RelyingPartyName,
		PhoneNumber:            creds.PhoneNumber,
		NationalIdentityNumber: creds.PersonalCode,
		Hash:                   base64.StdEncoding.EncodeToString(hash),
		HashType:               hashTypeSHA256,
		Language:               Language(a.cfg.Locale),
		DisplayText:            text,
		DisplayTextFormat:      format,
	}, &resp, 0)
	if err != nil {
		return nil, a.fault(opSignature, err)
	}
	if resp.SessionID == "" {
		return nil, faults.New(faults.BackendMobileID, faults.CodeTechnicalError)
	}
	challenge := resp.VerificationCode
	if challenge == "" {
		challenge = VerificationCode(hash)
	}
	em.Emit(signing.ChallengeIssued(challenge))
	a.logger.Info("mobile-id signature requested",
		slog.String("session", req.SessionID),
		slog.String("phone", validator.MaskPhone(creds.PhoneNumber)))
	return a.poll(ctx, resp.SessionID)
}

// certificate 查询签名证书；同一身份的并发查询合并为一次。
func (a *Adapter) certificate(ctx context.Context, phone, personalCode string) (*x509.Certificate, error) {
	val, err := a.cfg.Lookups.Do(ctx, phone+"|"+personalCode, func(ctx context.Context) (any, error) {
		var resp certificateResponse
		err := a.cfg.Relay.Do(ctx, opCertificate, http.MethodPost, "/certificate", certificateRequest{
			RelyingPartyUUID:       a.cfg.RelyingPartyUUID,
			RelyingPartyName:       a.cfg.RelyingPartyName,
			PhoneNumber:            phone,
			NationalIdentityNumber: personalCode,
		}, &resp, 0)
		if err != nil {
			return nil, a.fault(opCertificate, err)
		}
		switch code := faults.Code(resp.Result); code {
		case faults.CodeOK:
		case faults.CodeNotFound, faults.CodeNotActive:
			return nil, faults.New(faults.BackendMobileID, code)
		default:
			return nil, faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, fmt.Errorf("unexpected certificate result %q", resp.Result))
		}
		der, err := base64.StdEncoding.DecodeString(resp.Cert)
		if err != nil {
			return nil, faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, err)
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*x509.Certificate), nil
}

func (a *Adapter) poll(ctx context.Context, sessionID string) ([]byte, error) {
	path := "/signature/session/" + url.PathEscape(sessionID) + "?timeoutMs=" + strconv.FormatInt(a.cfg.LongPoll.Milliseconds(), 10)
	var signature []byte
	poller := relay.Poller{Interval: a.cfg.PollInterval, Timeout: a.cfg.PollTimeout, Clock: a.cfg.Clock}
	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		var st sessionStatus
		if err := a.cfg.Relay.Do(ctx, opPollSignature, http.MethodGet, path, nil, &st, a.cfg.LongPoll+10*time.Second); err != nil {
			return false, a.fault(opPollSignature, err)
		}
		if st.State != stateComplete {
			return false, nil
		}
		code := faults.Code(st.Result)
		if code != faults.CodeOK {
			if !faults.Known(faults.BackendMobileID, code) {
				return false, faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, fmt.Errorf("unknown session result %q", st.Result))
			}
			return false, faults.New(faults.BackendMobileID, code)
		}
		value, err := decodeSignature(&st)
		if err != nil {
			return false, faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, err)
		}
		signature = value
		return true, nil
	})
	if errors.Is(err, relay.ErrPollTimeout) {
		return nil, faults.Wrap(faults.BackendMobileID, faults.CodeTimeout, err)
	}
	return signature, err
}

// fault 将中继错误归类为 Mobile-ID 终止码；取消原样返回。
func (a *Adapter) fault(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *relay.StatusError
	if errors.As(err, &statusErr) {
		return faults.Wrap(faults.BackendMobileID, statusCode(statusErr, op), err)
	}
	var transportErr *relay.TransportError
	if errors.As(err, &transportErr) {
		return faults.Wrap(faults.BackendMobileID, transportErr.Code, err)
	}
	if errors.Is(err, relay.ErrRateLimited) {
		return faults.Wrap(faults.BackendMobileID, faults.CodeTooManyRequests, err)
	}
	var fault *faults.Fault
	if errors.As(err, &fault) {
		return err
	}
	return faults.Wrap(faults.BackendMobileID, faults.CodeTechnicalError, err)
}
