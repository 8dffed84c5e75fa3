package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/signflow/internal/app/faults"
	"golang.org/x/time/rate"
)

const maxBodySize = 1 << 20

// ErrRateLimited 表示本地速率限制拒绝了请求。
var ErrRateLimited = errors.New("relay rate limited")

// Config 控制中继 HTTP 客户端。
type Config struct {
	// Name 用作日志与指标标签。
	Name    string
	BaseURL string
	// Endpoint 覆盖拨号目标，支持 unix:/path 与 vsock://cid:port。
	Endpoint  string
	ProxyURL  string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	UserAgent string
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Metrics   *Metrics
	// HTTPClient 非空时直接使用，忽略 Endpoint/ProxyURL/TLSConfig。
	HTTPClient *http.Client
}

func (c *Config) normalize() Config {
	cfg := *c
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "signflow/1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// StatusError 表示中继返回了非 2xx 状态码。
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned status %d", e.Status)
}

// TransportError 表示网络层失败，Code 为归类后的终止码。
type TransportError struct {
	Code faults.Code
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay transport %s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client 是面向签名中继的 JSON over HTTP 客户端，不做自动重试。
type Client struct {
	cfg     Config
	http    *http.Client
	limiter atomic.Pointer[rate.Limiter]
	metrics *Metrics
	logger  *slog.Logger
}

// NewClient 创建中继客户端。
func NewClient(cfg Config) (*Client, error) {
	normalized := cfg.normalize()
	if normalized.BaseURL == "" {
		return nil, errors.New("relay base url is required")
	}
	if _, err := url.Parse(normalized.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid relay base url: %w", err)
	}
	httpClient := normalized.HTTPClient
	if httpClient == nil {
		transport, err := newTransport(normalized)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}
	}
	c := &Client{
		cfg:     normalized,
		http:    httpClient,
		metrics: normalized.Metrics,
		logger:  normalized.Logger,
	}
	c.UpdateRateLimit(normalized.RateLimit)
	return c, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg.TLSConfig
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, &TransportError{Code: faults.CodeInvalidProxySettings, Err: fmt.Errorf("invalid proxy url %q", cfg.ProxyURL)}
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialEndpoint(ctx, endpoint, addr)
		}
	}
	return transport, nil
}

// UpdateRateLimit 热更新速率限制，<=0 表示不限制。
func (c *Client) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		c.limiter.Store(nil)
		return
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), c.cfg.RateBurst))
}

// Name 返回中继名称。
func (c *Client) Name() string { return c.cfg.Name }

// Do 发送 JSON 请求并解码 2xx 响应；timeout 为 0 时使用默认超时。
func (c *Client) Do(ctx context.Context, op, method, path string, in, out any, timeout time.Duration) error {
	if limiter := c.limiter.Load(); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.metrics.incRateWait(c.cfg.Name)
			return ErrRateLimited
		}
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(c.cfg.Name, op, 0, float64(time.Since(start).Milliseconds()))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		code := faults.TransportCode(err)
		c.logger.Warn("relay request failed", slog.String("relay", c.cfg.Name), slog.String("op", op), slog.String("code", string(code)), slog.Any("err", err))
		return &TransportError{Code: code, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.observe(c.cfg.Name, op, resp.StatusCode, float64(time.Since(start).Milliseconds()))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Code: faults.TransportCode(err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Info("relay returned error status", slog.String("relay", c.cfg.Name), slog.String("op", op), slog.Int("status", resp.StatusCode))
		return &StatusError{Status: resp.StatusCode, Body: raw}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
