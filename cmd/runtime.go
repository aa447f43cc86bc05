package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/api"
	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/manager"
	"github.com/teemow/mailsession/internal/prefs"
	"github.com/teemow/mailsession/internal/registry"
)

// runtime bundles the full session stack for one process.
type runtime struct {
	registry *registry.Registry
	creds    *credentials.Store
	prefs    *prefs.Store
	fallback *api.ProxyFallback
	client   *api.Client
	manager  *manager.Manager
	provider *instrumentation.Provider
}

// newRuntime wires the stack: credential store, registry, preference store,
// request pipeline, and the account state manager on top.
func newRuntime(ctx context.Context, debugMode bool) (*runtime, error) {
	setupLogging(debugMode)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return nil, fmt.Errorf("creating instrumentation provider: %w", err)
	}
	metrics := provider.Metrics()

	creds := credentials.NewStore()
	reg := registry.New()
	prefStore := prefs.NewStore(prefsDir())
	fallback := api.NewProxyFallback()
	fallback.SetMetrics(metrics)

	clientConfig := api.DefaultClientConfig()
	clientConfig.AppVersion = version

	injector := api.NewInjector(creds, api.InjectorConfig{
		AppVersion: clientConfig.AppVersion,
		UserAgent:  clientConfig.UserAgent,
		Locale:     clientConfig.Locale,
	})
	injector.SetMetrics(metrics)

	validator := api.NewValidator(fallback, nil)
	validator.SetMetrics(metrics)

	retry := api.DefaultRetryPolicy()
	retry.SetMetrics(metrics)

	transport := api.NewTransport(nil, injector, validator, nil, retry)
	transport.SetMetrics(metrics)

	client := api.NewClient(clientConfig, transport, fallback)

	auth := api.NewAuthenticator(creds, client, injector, clientConfig.RefreshPath)
	auth.SetMetrics(metrics)
	auth.SetAccountResolver(func() (account.ID, bool) {
		return reg.Primary()
	})
	transport.SetAuthenticator(auth)

	mgr := manager.New(reg, creds, prefStore, fallback, manager.Config{})
	mgr.SetMetrics(metrics)
	auth.SetForcedLogoutHook(mgr.ForceLogout)
	mgr.Start()

	return &runtime{
		registry: reg,
		creds:    creds,
		prefs:    prefStore,
		fallback: fallback,
		client:   client,
		manager:  mgr,
		provider: provider,
	}, nil
}

func (rt *runtime) shutdown(ctx context.Context) {
	rt.manager.Stop()
	if err := rt.provider.Shutdown(ctx); err != nil {
		slog.Warn("instrumentation shutdown failed", "error", err)
	}
}

// startMetricsServer brings the dedicated metrics listener up and confirms
// it is serving before returning.
func (rt *runtime) startMetricsServer(addr string) (*instrumentation.MetricsServer, error) {
	if addr == "" {
		addr = ":9090"
	}
	if env := os.Getenv("METRICS_ADDR"); env != "" {
		addr = env
	}

	server, err := instrumentation.NewMetricsServer(instrumentation.MetricsServerConfig{
		Addr:     addr,
		Provider: rt.provider,
	})
	if err != nil {
		return nil, fmt.Errorf("creating metrics server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("metrics server failed to start: %w", err)
		}
	case <-time.After(200 * time.Millisecond):
	}

	slog.Info("metrics server started", "addr", server.Addr())
	return server, nil
}

func setupLogging(debugMode bool) {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func prefsDir() string {
	if dir := os.Getenv("MAILSESSION_PREFS_DIR"); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "mailsession", "prefs")
}
