// Command voicerelay runs the voice conversation relay gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/workshoplabs/voicerelay/pkg/audit"
	"github.com/workshoplabs/voicerelay/pkg/gateway/config"
	gatewayserver "github.com/workshoplabs/voicerelay/pkg/gateway/server"
	"github.com/workshoplabs/voicerelay/pkg/tenant"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildStore wires the tenant config store and optional Redis layers
// selected by config.
func buildStore(cfg config.Config, logger *slog.Logger) (tenant.Store, audit.Recorder, error) {
	var store tenant.Store
	var err error

	switch cfg.Store {
	case config.StoreSupabase:
		store, err = tenant.NewSupabaseStore(tenant.SupabaseConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseKey,
			Table:  cfg.SupabaseTable,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("supabase store: %w", err)
		}
	case config.StoreStatic:
		store, err = tenant.LoadStaticStore(cfg.TenantsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("static store: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store)
	}

	var recorder audit.Recorder = audit.Noop{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		recorder = audit.NewRedis(client, logger, cfg.AuditTTL)
		if cfg.ConfigCacheTTL > 0 {
			store = tenant.NewCachedStore(store, client, cfg.ConfigCacheTTL)
		}
	}

	return store, recorder, nil
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, recorder, err := buildStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	if c, ok := recorder.(io.Closer); ok {
		defer c.Close()
	}

	gw := deps.newGateway(cfg, logger, gatewayserver.Options{
		Resolver: tenant.NewResolver(store, cfg.DefaultAPIKey),
		Audit:    recorder,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay gateway",
		"addr", cfg.Addr,
		"store", cfg.Store,
		"model", cfg.Model,
		"streaming_tokens", cfg.StreamingTokens,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.NotifySessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		logger.Warn("grace period elapsed, canceling live sessions", "sessions", gw.SessionCount())
		gw.CancelSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A missing .env file is fine; env vars may come from the runtime.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "voicerelay: load .env: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicerelay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
