package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	signflowapi "github.com/aegis-sign/signflow/internal/api"
	"github.com/aegis-sign/signflow/internal/app/signing"
	"github.com/aegis-sign/signflow/internal/config"
	"github.com/aegis-sign/signflow/internal/gateway/audit"
	"github.com/aegis-sign/signflow/internal/gateway/card"
	"github.com/aegis-sign/signflow/internal/gateway/mobileid"
	"github.com/aegis-sign/signflow/internal/gateway/smartid"
	"github.com/aegis-sign/signflow/internal/infra/containerstore"
	"github.com/aegis-sign/signflow/internal/infra/kafkaaudit"
	"github.com/aegis-sign/signflow/internal/infra/ocspcheck"
	"github.com/aegis-sign/signflow/internal/infra/pcsc"
	"github.com/aegis-sign/signflow/internal/infra/pkcs11token"
	"github.com/aegis-sign/signflow/internal/infra/relay"
	"github.com/aegis-sign/signflow/internal/infra/telemetry"
	"github.com/aegis-sign/signflow/pkg/validator"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC signing session servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SIGNFLOW_CONFIG"), "path to the YAML configuration file")
	return cmd
}

// app 持有守护进程的全部组件，按依赖逆序关闭。
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *containerstore.Store
	dispatcher *audit.Dispatcher
	controller *signing.Controller
	sweeper    *signing.Sweeper
	methods    []signing.Method
	closers    []func() error
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	a, err := buildApp(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.sweeper.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.httpHandler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	signflowapi.RegisterSigningSessionsServer(grpcSrv, signflowapi.NewGRPCServer(a.controller))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(signflowapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", slog.Any("err", err))
		}
		grpcSrv.GracefulStop()
		return nil
	})
	return g.Wait()
}

// buildApp 根据配置装配存储、适配器、审计与控制器。
func buildApp(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	storeCfg := containerstore.Config{Path: cfg.Store.Path, Logger: logger}
	if cfg.OCSP.Enabled {
		checker, err := newRevocationChecker(cfg.OCSP, logger)
		if err != nil {
			return fail(err)
		}
		storeCfg.Revocation = checker
	}
	store, err := containerstore.Open(storeCfg)
	if err != nil {
		return fail(fmt.Errorf("open container store: %w", err))
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	adapters, err := buildAdapters(cfg, store, logger, reg)
	if err != nil {
		return fail(err)
	}
	for method := range adapters {
		a.methods = append(a.methods, method)
	}

	executor, closeExecutor, err := newAuditExecutor(cfg.Audit, logger)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, closeExecutor)
	dispatcher, err := audit.NewDispatcher(audit.Config{
		MaxQueue:    cfg.Audit.MaxQueue,
		Workers:     cfg.Audit.Workers,
		MaxAttempts: cfg.Audit.MaxAttempts,
		Logger:      logger,
		Metrics:     audit.NewMetrics(reg),
	}, executor)
	if err != nil {
		return fail(err)
	}
	a.dispatcher = dispatcher
	a.closers = append(a.closers, func() error { dispatcher.Close(); return nil })

	controller, err := signing.NewController(signing.Config{
		Container: store,
		Adapters:  adapters,
		Recorder:  dispatcher,
		Logger:    logger,
		Metrics:   signing.NewMetrics(reg),
		Tracer:    telemetry.Tracer(),
	})
	if err != nil {
		return fail(err)
	}
	a.controller = controller
	a.closers = append(a.closers, func() error { controller.Close(); return nil })

	a.sweeper = signing.NewSweeper(signing.SweeperConfig{
		Controller: controller,
		Lister:     store,
		Logger:     logger,
		StaleAfter: cfg.Sweeper.StaleAfter,
		Interval:   cfg.Sweeper.Interval,
	})
	a.closers = append(a.closers, func() error { a.sweeper.Stop(); return nil })

	logger.Info("signing methods enabled", slog.Any("methods", a.methods))
	return a, nil
}

func buildAdapters(cfg config.Config, store *containerstore.Store, logger *slog.Logger, reg prometheus.Registerer) (map[signing.Method]signing.Adapter, error) {
	adapters := make(map[signing.Method]signing.Adapter)
	relayMetrics := relay.NewMetrics(reg)

	if cfg.MobileID.Enabled() {
		client, err := newRelayClient("mobile_id", cfg.MobileID, relayMetrics, logger)
		if err != nil {
			return nil, err
		}
		adapter, err := mobileid.New(mobileid.Config{
			Relay:            client,
			Lookups:          relay.NewLookupGroup("mobile_id", relayMetrics),
			Container:        store,
			RelyingPartyUUID: cfg.MobileID.RelyingPartyUUID,
			RelyingPartyName: cfg.MobileID.RelyingPartyName,
			Locale:           cfg.MobileID.Locale,
			DisplayText:      cfg.MobileID.DisplayText,
			PhoneRules:       validator.PhoneRules{Prefixes: cfg.MobileID.PhonePrefixes},
			PersonalCodeRules: validator.PersonalCodeRules{
				SkipChecksum: cfg.MobileID.SkipChecksum,
			},
			PollInterval: cfg.MobileID.PollInterval,
			PollTimeout:  cfg.MobileID.PollTimeout,
			LongPoll:     cfg.MobileID.LongPoll,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mobile-id adapter: %w", err)
		}
		adapters[signing.MethodMobileID] = adapter
	}

	if cfg.SmartID.Enabled() {
		client, err := newRelayClient("smart_id", cfg.SmartID, relayMetrics, logger)
		if err != nil {
			return nil, err
		}
		adapter, err := smartid.New(smartid.Config{
			Relay:            client,
			Container:        store,
			RelyingPartyUUID: cfg.SmartID.RelyingPartyUUID,
			RelyingPartyName: cfg.SmartID.RelyingPartyName,
			DisplayText:      cfg.SmartID.DisplayText,
			PersonalCodeRules: validator.PersonalCodeRules{
				SkipChecksum: cfg.SmartID.SkipChecksum,
			},
			PollInterval: cfg.SmartID.PollInterval,
			PollTimeout:  cfg.SmartID.PollTimeout,
			LongPoll:     cfg.SmartID.LongPoll,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("smart-id adapter: %w", err)
		}
		adapters[signing.MethodSmartID] = adapter
	}

	driver, err := newCardDriver(cfg.Card, logger)
	if err != nil {
		return nil, err
	}
	if driver != nil {
		adapter, err := card.New(card.Config{
			Driver:    driver,
			Container: store,
			Metrics:   card.NewMetrics(reg),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("card adapter: %w", err)
		}
		adapters[signing.MethodCardContact] = adapter
	}
	return adapters, nil
}

func newRelayClient(name string, rc config.RelayConfig, metrics *relay.Metrics, logger *slog.Logger) (*relay.Client, error) {
	client, err := relay.NewClient(relay.Config{
		Name:      name,
		BaseURL:   rc.URL,
		Endpoint:  rc.Endpoint,
		ProxyURL:  rc.Proxy,
		Timeout:   rc.RequestTimeout,
		RateLimit: rc.RateLimit,
		RateBurst: rc.RateBurst,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%s relay: %w", name, err)
	}
	return client, nil
}

func newCardDriver(cc config.CardConfig, logger *slog.Logger) (card.Driver, error) {
	switch cc.Driver {
	case "pcsc":
		return pcsc.NewDriver(pcsc.Config{SocketPath: cc.PCSCSocket, Logger: logger}), nil
	case "pkcs11":
		driver, err := pkcs11token.NewDriver(pkcs11token.Config{
			ModulePath: cc.ModulePath,
			TokenLabel: cc.TokenLabel,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("pkcs11 driver: %w", err)
		}
		return driver, nil
	default:
		return nil, nil
	}
}

func newAuditExecutor(ac config.AuditConfig, logger *slog.Logger) (audit.Executor, func() error, error) {
	if len(ac.Brokers) == 0 {
		return audit.NewLogExecutor(logger), func() error { return nil }, nil
	}
	publisher, err := kafkaaudit.NewPublisher(kafkaaudit.Config{
		Brokers:  ac.Brokers,
		Topic:    ac.Topic,
		ClientID: ac.ClientID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kafka audit publisher: %w", err)
	}
	return publisher, publisher.Close, nil
}

func newRevocationChecker(oc config.OCSPConfig, logger *slog.Logger) (*ocspcheck.Checker, error) {
	var issuers []*x509.Certificate
	if oc.IssuersFile != "" {
		loaded, err := loadCertificates(oc.IssuersFile)
		if err != nil {
			return nil, err
		}
		issuers = loaded
	}
	return ocspcheck.New(ocspcheck.Config{
		Issuers:      issuers,
		Timeout:      oc.Timeout,
		ResponderURL: oc.ResponderURL,
		Logger:       logger,
	}), nil
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issuers: %w", err)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse issuer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return certs, nil
}

func (a *app) httpHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	signflowapi.NewHTTPHandler(a.controller, a.logger).Register(mux)
	mux.Handle("GET /debug/audit", a.dispatcher.DebugHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close 按装配逆序关闭：先停清理器与控制器（回滚在飞会话），再排空审计，最后关闭存储。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", slog.Any("err", err))
		}
	}
	a.closers = nil
}
