package ocspcheck

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"golang.org/x/crypto/ocsp"
)

const maxResponseSize = 1 << 20

// ErrNoIssuer 找不到签发者证书，无法构造 OCSP 请求。
var ErrNoIssuer = errors.New("issuer certificate not configured")

// Config 控制 OCSP 查询。
type Config struct {
	Issuers    []*x509.Certificate
	HTTPClient *http.Client
	Timeout    time.Duration
	// ResponderURL 覆盖证书中的 AIA 地址。
	ResponderURL string
	Logger       *slog.Logger
	Clock        func() time.Time
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// Checker 通过 OCSP 查询签名证书状态。
type Checker struct {
	cfg Config
}

// New 创建 Checker。
func New(cfg Config) *Checker {
	return &Checker{cfg: cfg.normalize()}
}

// Check 返回证书的校验状态；吊销返回 ErrCertificateRevoked，网络错误返回 ErrRevocationUnavailable。
func (c *Checker) Check(ctx context.Context, cert *x509.Certificate) (container.ValidatorStatus, error) {
	if cert == nil {
		return container.StatusInvalid, errors.New("certificate is required")
	}
	issuer := c.issuerOf(cert)
	if issuer == nil {
		c.cfg.Logger.Warn("ocsp issuer missing", slog.String("subject", cert.Subject.CommonName))
		return container.StatusUnknown, ErrNoIssuer
	}
	responder := c.cfg.ResponderURL
	if responder == "" && len(cert.OCSPServer) > 0 {
		responder = cert.OCSPServer[0]
	}
	if responder == "" {
		return container.StatusUnknown, errors.New("certificate has no ocsp responder")
	}
	reqBytes, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return container.StatusUnknown, fmt.Errorf("create ocsp request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(reqBytes))
	if err != nil {
		return container.StatusUnknown, fmt.Errorf("build ocsp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return container.StatusUnknown, fmt.Errorf("%w: %w", container.ErrRevocationUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return container.StatusUnknown, fmt.Errorf("%w: responder status %d", container.ErrRevocationUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return container.StatusUnknown, fmt.Errorf("%w: %w", container.ErrRevocationUnavailable, err)
	}
	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return container.StatusUnknown, fmt.Errorf("parse ocsp response: %w", err)
	}
	now := c.cfg.Clock()
	if now.Before(parsed.ThisUpdate.Add(-5*time.Minute)) || (!parsed.NextUpdate.IsZero() && now.After(parsed.NextUpdate)) {
		return container.StatusUnknown, errors.New("ocsp response outside validity window")
	}
	switch parsed.Status {
	case ocsp.Good:
		return container.StatusValid, nil
	case ocsp.Revoked:
		c.cfg.Logger.Info("signer certificate revoked",
			slog.String("serial", cert.SerialNumber.String()),
			slog.Time("revoked_at", parsed.RevokedAt))
		return container.StatusInvalid, container.ErrCertificateRevoked
	default:
		return container.StatusUnknown, nil
	}
}

func (c *Checker) issuerOf(cert *x509.Certificate) *x509.Certificate {
	for _, candidate := range c.cfg.Issuers {
		if candidate != nil && bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			return candidate
		}
	}
	return nil
}
