package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/turnrelay/internal/auth"
	"github.com/vovakirdan/turnrelay/internal/config"
	"github.com/vovakirdan/turnrelay/internal/metrics"
	"github.com/vovakirdan/turnrelay/internal/signal"
)

// App wires the signaling service to an HTTP server.
type App struct {
	addr            string
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	log             *zerolog.Logger

	ready chan struct{}
	bound net.Addr
}

// New constructs the application with provided configuration.
func New(cfg *config.SignalConfig, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	var jwtConfig *auth.JWTConfig
	if cfg.JWTSecret != "" {
		jwtConfig = &auth.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			TTL:      cfg.JWTTTL,
		}
		logger.Info().Str("issuer", cfg.JWTIssuer).Msg("token auth enabled")
	} else {
		logger.Warn().Msg("token auth disabled, anyone may listen")
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	srv := signal.New(signal.Options{
		JWT:      jwtConfig,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Logger:   logger,
	})

	server := &stdhttp.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return &App{
		addr:            cfg.Addr,
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
		ready:           make(chan struct{}),
	}, nil
}

// Ready is closed once the server accepts connections.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr is the bound address. Valid after Ready.
func (a *App) Addr() net.Addr {
	return a.bound
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.bound = ln.Addr()
	close(a.ready)
	a.log.Info().Str("addr", a.bound.String()).Msg("signaling service listening")

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}
