package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/metrics"
	"github.com/aussiebroadwan/arcrelay/internal/relay/service"
	"github.com/aussiebroadwan/arcrelay/pkg/authsdk"
	"github.com/aussiebroadwan/arcrelay/pkg/httpx"
	"github.com/aussiebroadwan/arcrelay/pkg/popx"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	ServiceName = "arcrelay"

	shutdownGracePeriod = 5 * time.Second
)

// Application wires the relay session and its collaborators.
type Application struct {
	cfg    Config
	logger *slog.Logger

	registry    *prometheus.Registry
	tokens      *service.TokenProvider
	provisioner *service.RelayProvisioner
	session     *service.Session
	helper      *ProxyHelper

	metricsServer *http.Server
}

// Option adjusts an Application before its services are built.
type Option func(*Application)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// New validates cfg and builds every dependency. It does no network I/O.
func New(cfg Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slogx.New(slogx.Config{
			Service: ServiceName,
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}

	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.initMetricsServer()

	return app, nil
}

func (app *Application) initServices() error {
	cfg := app.cfg

	cred, err := loadCredential(cfg.Identity())
	if err != nil {
		return err
	}

	sdk, err := authsdk.NewSDKClient(cfg.Authority(), cfg.ClientID, cred)
	if err != nil {
		return &domain.ConfigFault{Field: "Instance", Message: "token client", Err: err}
	}
	sdk.HTTPClient = httpx.NewClient(cfg.RequestTimeout, app.logger)

	key, err := popx.NewKey()
	if err != nil {
		return fmt.Errorf("generate pop key: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheus(app.registry)

	app.tokens = service.NewTokenProvider(sdk, key)
	app.tokens.Metrics = rec

	target := cfg.Target()
	app.provisioner = &service.RelayProvisioner{
		Tokens:             app.tokens,
		Management:         httpx.NewClient(cfg.RequestTimeout, app.logger),
		Registration:       httpx.NewLoopbackClient(cfg.RequestTimeout, app.logger),
		ManagementEndpoint: cfg.ManagementEndpoint,
		ProxyBaseURL:       cfg.ProxyBaseURL,
		Target:             target,
		Metrics:            rec,
	}

	app.session = &service.Session{
		Provisioner: app.provisioner,
		Tokens:      app.tokens,
		Channels: service.PinnedChannels(
			target.ExpectedServerIdentity(),
			cfg.LocalProxyAddress,
			cfg.PollMaxBytes,
			cfg.RequestTimeout,
			app.logger,
		),
		Config:  cfg.SessionConfig(),
		Backoff: service.NewBackoff(cfg.RetryInitialInterval, cfg.RetryMaxInterval),
		Pacer:   httpx.NewPacer(cfg.PollInterval, 1),
		Logger:  app.logger,
		Metrics: rec,
	}

	app.helper = NewProxyHelper(cfg.PathToProxy, app.logger)
	return nil
}

func loadCredential(id domain.ApplicationIdentity) (authsdk.Credential, error) {
	if !id.UsesCertificate() {
		return authsdk.ClientSecret(id.ClientSecret), nil
	}
	cert, err := authsdk.LoadCertificate(id.CertificatePath, id.CertificatePassword)
	if err != nil {
		return nil, &domain.ConfigFault{Field: "CertificatePath", Message: "load certificate", Err: err}
	}
	return cert, nil
}

func (app *Application) initMetricsServer() {
	if app.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.metricsServer = &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Registry returns the Prometheus registry the relay metrics are registered on.
func (app *Application) Registry() *prometheus.Registry { return app.registry }

// Run starts the helper and the metrics server, then drives the session until
// ctx is cancelled or a fatal fault ends it. Cancellation is a clean exit.
func (app *Application) Run(ctx context.Context) error {
	ctx = slogx.WithContext(ctx, app.logger)

	if err := app.helper.Start(); err != nil {
		return err
	}
	defer app.stopHelper()

	serverErrors := make(chan error, 1)
	if app.metricsServer != nil {
		go func() {
			serverErrors <- app.metricsServer.ListenAndServe()
		}()
		defer app.shutdownMetrics()
	}

	app.logger.Info("relay session starting",
		slog.String("machine", app.cfg.ArcServerName),
		slog.String("metrics_addr", app.cfg.MetricsAddr),
		slog.String("version", BuildVersion),
	)

	sessionErrors := make(chan error, 1)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sessionErrors <- app.session.Run(sctx)
	}()

	select {
	case err := <-serverErrors:
		cancel()
		<-sessionErrors
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case err := <-sessionErrors:
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			app.logger.Info("shutdown requested")
			return nil
		}
		return err
	}
}

// Provision obtains a single relay lease and returns it without polling.
func (app *Application) Provision(ctx context.Context) (domain.RelayEndpoint, error) {
	ctx = slogx.WithContext(ctx, app.logger)

	if err := app.helper.Start(); err != nil {
		return domain.RelayEndpoint{}, err
	}
	defer app.stopHelper()

	return app.provisioner.Provision(ctx)
}

func (app *Application) stopHelper() {
	if err := app.helper.Stop(); err != nil {
		app.logger.Error("proxy helper shutdown failed", slog.Any("error", err))
	}
}

func (app *Application) shutdownMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := app.metricsServer.Shutdown(ctx); err != nil {
		app.logger.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}
