// Package config 加载 signflowd 配置：YAML 文件 + SIGNFLOW_* 环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是守护进程的全部配置。
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	MobileID  RelayConfig     `yaml:"mobile_id"`
	SmartID   RelayConfig     `yaml:"smart_id"`
	Card      CardConfig      `yaml:"card"`
	Store     StoreConfig     `yaml:"store"`
	OCSP      OCSPConfig      `yaml:"ocsp"`
	Audit     AuditConfig     `yaml:"audit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RelayConfig 描述一个远程签名中继。URL 为空表示禁用该签名方式。
type RelayConfig struct {
	URL string `yaml:"url"`
	// Endpoint 覆盖拨号目标，例如 unix:/run/relay.sock 或 vsock://3:8443。
	Endpoint         string        `yaml:"endpoint"`
	Proxy            string        `yaml:"proxy"`
	RelyingPartyUUID string        `yaml:"relying_party_uuid"`
	RelyingPartyName string        `yaml:"relying_party_name"`
	DisplayText      string        `yaml:"display_text"`
	Locale           string        `yaml:"locale"`
	PhonePrefixes    []string      `yaml:"phone_prefixes"`
	SkipChecksum     bool          `yaml:"skip_checksum"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	LongPoll         time.Duration `yaml:"long_poll"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
}

// Enabled 判断是否配置了中继地址。
func (r RelayConfig) Enabled() bool { return r.URL != "" }

// CardConfig 选择读卡器驱动。
type CardConfig struct {
	// Driver 为 pcsc、pkcs11 或 none。
	Driver     string `yaml:"driver"`
	PCSCSocket string `yaml:"pcsc_socket"`
	ModulePath string `yaml:"module_path"`
	TokenLabel string `yaml:"token_label"`
}

// StoreConfig 描述容器存储。
type StoreConfig struct {
	Path string `yaml:"path"`
}

// OCSPConfig 控制提交前的吊销检查。
type OCSPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ResponderURL string        `yaml:"responder_url"`
	IssuersFile  string        `yaml:"issuers_file"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AuditConfig 控制终止结果的投递。Brokers 为空时只写日志。
type AuditConfig struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	ClientID    string   `yaml:"client_id"`
	Workers     int      `yaml:"workers"`
	MaxQueue    int      `yaml:"max_queue"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// SweeperConfig 控制过期待定签名清理。
type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// TelemetryConfig 控制 OTLP 追踪导出。Endpoint 为空时不导出。
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default 返回默认配置。
func Default() Config {
	cfg := Config{}
	return cfg.normalize()
}

// Load 读取 YAML 文件（path 为空则跳过），再应用环境变量覆盖。
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查组合约束。
func (c Config) Validate() error {
	switch c.Card.Driver {
	case "pcsc", "none":
	case "pkcs11":
		if c.Card.ModulePath == "" {
			return errors.New("card.module_path is required for the pkcs11 driver")
		}
	default:
		return fmt.Errorf("unknown card driver %q", c.Card.Driver)
	}
	if c.MobileID.Enabled() && c.MobileID.RelyingPartyUUID == "" {
		return errors.New("mobile_id.relying_party_uuid is required")
	}
	if c.SmartID.Enabled() && c.SmartID.RelyingPartyUUID == "" {
		return errors.New("smart_id.relying_party_uuid is required")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio %v out of range", c.Telemetry.SampleRatio)
	}
	return nil
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":9090"
	}
	cfg.MobileID = cfg.MobileID.normalize(5 * time.Second)
	cfg.SmartID = cfg.SmartID.normalize(5 * time.Second)
	if cfg.Card.Driver == "" {
		cfg.Card.Driver = "pcsc"
	}
	if cfg.Card.TokenLabel == "" {
		cfg.Card.TokenLabel = "PIN2"
	}
	if cfg.OCSP.Timeout <= 0 {
		cfg.OCSP.Timeout = 5 * time.Second
	}
	if cfg.Audit.Topic == "" && len(cfg.Audit.Brokers) > 0 {
		cfg.Audit.Topic = "signflow.signing-outcomes"
	}
	if cfg.Audit.ClientID == "" {
		cfg.Audit.ClientID = "signflowd"
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 4
	}
	if cfg.Audit.MaxQueue <= 0 {
		cfg.Audit.MaxQueue = 1024
	}
	if cfg.Audit.MaxAttempts <= 0 {
		cfg.Audit.MaxAttempts = 3
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	if cfg.Sweeper.StaleAfter <= 0 {
		cfg.Sweeper.StaleAfter = 15 * time.Minute
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "signflowd"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	return cfg
}

func (r RelayConfig) normalize(pollInterval time.Duration) RelayConfig {
	if r.PollInterval <= 0 {
		r.PollInterval = pollInterval
	}
	if r.PollTimeout <= 0 {
		r.PollTimeout = 125 * time.Second
	}
	if r.LongPoll <= 0 {
		r.LongPoll = r.PollInterval
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = 30 * time.Second
	}
	if r.RateBurst <= 0 {
		r.RateBurst = 1
	}
	if r.Locale == "" {
		r.Locale = "en"
	}
	return r
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SIGNFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SIGNFLOW_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	applyRelayEnv("SIGNFLOW_MID", &cfg.MobileID)
	applyRelayEnv("SIGNFLOW_SID", &cfg.SmartID)
	if v := os.Getenv("SIGNFLOW_CARD_DRIVER"); v != "" {
		cfg.Card.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("SIGNFLOW_PCSC_SOCKET"); v != "" {
		cfg.Card.PCSCSocket = v
	}
	if v := os.Getenv("SIGNFLOW_PKCS11_MODULE"); v != "" {
		cfg.Card.ModulePath = v
	}
	if v := os.Getenv("SIGNFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v, ok := readBool("SIGNFLOW_OCSP_ENABLED"); ok {
		cfg.OCSP.Enabled = v
	}
	if v := os.Getenv("SIGNFLOW_OCSP_RESPONDER"); v != "" {
		cfg.OCSP.ResponderURL = v
	}
	if d := readDuration("SIGNFLOW_OCSP_TIMEOUT"); d > 0 {
		cfg.OCSP.Timeout = d
	}
	if v := os.Getenv("SIGNFLOW_AUDIT_BROKERS"); v != "" {
		cfg.Audit.Brokers = splitList(v)
	}
	if v := os.Getenv("SIGNFLOW_AUDIT_TOPIC"); v != "" {
		cfg.Audit.Topic = v
	}
	if v := readInt("SIGNFLOW_AUDIT_WORKERS"); v > 0 {
		cfg.Audit.Workers = v
	}
	if v := readInt("SIGNFLOW_AUDIT_QUEUE"); v > 0 {
		cfg.Audit.MaxQueue = v
	}
	if d := readDuration("SIGNFLOW_SWEEP_INTERVAL"); d > 0 {
		cfg.Sweeper.Interval = d
	}
	if d := readDuration("SIGNFLOW_SWEEP_STALE_AFTER"); d > 0 {
		cfg.Sweeper.StaleAfter = d
	}
	if v := os.Getenv("SIGNFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v, ok := readBool("SIGNFLOW_OTLP_INSECURE"); ok {
		cfg.Telemetry.Insecure = v
	}
}

func applyRelayEnv(prefix string, r *RelayConfig) {
	if v := os.Getenv(prefix + "_URL"); v != "" {
		r.URL = v
	}
	if v := os.Getenv(prefix + "_ENDPOINT"); v != "" {
		r.Endpoint = v
	}
	if v := os.Getenv(prefix + "_PROXY"); v != "" {
		r.Proxy = v
	}
	if v := os.Getenv(prefix + "_RP_UUID"); v != "" {
		r.RelyingPartyUUID = v
	}
	if v := os.Getenv(prefix + "_RP_NAME"); v != "" {
		r.RelyingPartyName = v
	}
	if d := readDuration(prefix + "_POLL_INTERVAL"); d > 0 {
		r.PollInterval = d
	}
	if d := readDuration(prefix + "_POLL_TIMEOUT"); d > 0 {
		r.PollTimeout = d
	}
	if v := readFloat(prefix + "_RATE_LIMIT"); v >= 0 {
		r.RateLimit = v
	}
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}

func readBool(key string) (bool, bool) {
	value := os.Getenv(key)
	if value == "" {
		return false, false
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return v, true
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
