package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/TangGee/odai-mcp"
	"github.com/TangGee/odai-mcp/servers/odai"
	"golang.org/x/sync/errgroup"
)

const (
	ssePath    = "/sse"
	healthPath = "/health"

	shutdownTimeout = 5 * time.Second
)

func run(ctx context.Context, cfg Config, stdin io.Reader, stdout, stderr io.Writer) error {
	level, err := cfg.slogLevel()
	if err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	dataset, err := odai.LoadDataset(cfg.DataPath)
	if err != nil {
		logger.Error("failed to load dataset, serving empty data", slog.String("err", err.Error()))
	}
	generator := odai.NewGenerator(dataset, nil)
	odaiServer := odai.NewServer(dataset, generator, odai.WithLogger(logger))

	options := []mcp.ServerOption{
		mcp.WithResourceServer(odaiServer),
		mcp.WithToolServer(odaiServer),
		mcp.WithServerLogger(logger),
		mcp.WithServerPingInterval(cfg.PingInterval),
	}

	switch cfg.Transport {
	case transportSSE:
		ln, err := net.Listen("tcp", cfg.addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.addr(), err)
		}
		return runSSE(ctx, cfg, ln, logger, options)
	default:
		return runStdIO(ctx, stdin, stdout, logger, options)
	}
}

func runStdIO(
	ctx context.Context,
	stdin io.Reader,
	stdout io.Writer,
	logger *slog.Logger,
	options []mcp.ServerOption,
) error {
	transport := mcp.NewStdIO(stdin, stdout, mcp.WithStdIOLogger(logger))
	// The session outlives Serve at EOF while its last responses are written.
	disconnected := make(chan struct{})
	options = append(options, mcp.WithServerOnClientDisconnected(func(string) {
		close(disconnected)
	}))
	srv := mcp.NewServer(odai.Info(), transport, options...)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	logger.Info("serving on stdio")

	select {
	case <-ctx.Done():
	case <-served:
		logger.Info("stdin closed")
		select {
		case <-ctx.Done():
		case <-disconnected:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func runSSE(
	ctx context.Context,
	cfg Config,
	ln net.Listener,
	logger *slog.Logger,
	options []mcp.ServerOption,
) error {
	sseServer := mcp.NewSSEServer(ssePath, mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(odai.Info(), sseServer, options...)
	limiter := mcp.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	httpServer := &http.Server{
		Handler:           newHTTPHandler(sseServer, limiter, cfg.RateLimitExempt, logger),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.Serve()
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("serving on sse", slog.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sessions go first: their streams keep the HTTP connections busy.
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown server: %w", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newHTTPHandler(
	sseServer *mcp.SSEServer,
	limiter *mcp.RateLimiter,
	exemptPaths []string,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ssePath, sseServer)
	mux.HandleFunc("GET "+healthPath, handleHealth)

	return mcp.RateLimit(limiter,
		mcp.WithExemptPaths(exemptPaths...),
		mcp.WithRateLimitLogger(logger),
	)(mux)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"name":    odai.Name,
		"version": odai.Version,
	})
}
