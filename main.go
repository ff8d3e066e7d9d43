package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"poleposition/raceserver/internal/config"
	grpcstream "poleposition/raceserver/internal/grpc"
	"poleposition/raceserver/internal/httpapi"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/results"
)

const (
	shutdownTimeout = 10 * time.Second
	retentionSweep  = time.Hour
	adminWindow     = time.Minute
	adminLimit      = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "race server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()
	logging.ReplaceGlobals(logger)

	//1.- Persistence, notification and replay are optional side channels.
	var store *results.Store
	if cfg.Storage.ResultsDB != "" {
		if store, err = results.Open(cfg.Storage.ResultsDB); err != nil {
			return err
		}
		defer store.Close()
	}
	notifier, err := results.NewNotifier(cfg.Notify, logger.With(logging.String("component", "notify")))
	if err != nil {
		return err
	}
	recorder := replay.NewRecorder(cfg.Storage.ReplayDir, time.Now, logger.With(logging.String("component", "replay")))
	var cleaner *replay.Cleaner
	if cfg.Storage.ReplayDir != "" {
		cleaner = replay.NewCleaner(cfg.Storage.ReplayDir, replay.RetentionPolicy{MaxRaces: cfg.Storage.ReplayKeep}, logger)
	}

	opts := []ServerOption{WithRecorder(recorder), WithNotifier(notifier)}
	if store != nil {
		opts = append(opts, WithResultsStore(store))
	}
	if cfg.RacerSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.RacerSecret)
		if err != nil {
			return err
		}
		opts = append(opts, WithWebsocketAuthenticator(authenticator))
	}
	srv, err := NewServer(cfg, logger, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)
	if cleaner != nil {
		go cleaner.Run(ctx, retentionSweep)
	}

	//2.- HTTP carries the race websocket and the observability endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	registerControlDocEndpoints(mux)
	apiOpts := httpapi.Options{
		Logger:      logger.With(logging.String("component", "http")),
		Readiness:   srv,
		Race:        srv.race,
		Resetter:    srv.race,
		Ticks:       srv.monitor.Snapshot,
		Drops:       srv.gate.Drops,
		Violations:  srv.sanitizer.Counters,
		Bandwidth:   srv.regulator.Usage,
		Replay:      recorder.Stats,
		Storage:     cleaner.Stats,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(adminWindow, adminLimit, time.Now),
	}
	if store != nil {
		apiOpts.Results = store
	}
	httpapi.NewHandlerSet(apiOpts).Register(mux)
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	grpcServer, err := startGRPC(cfg, srv.feed, logger, errCh)
	if err != nil {
		return err
	}
	logger.Info("race server listening",
		logging.String("url", listenerURL(cfg.Address, false)),
		logging.String("websocket", websocketURL(cfg.Address, false)),
		logging.String("grpc_address", cfg.GRPCAddress),
	)

	var finished <-chan match.Results
	if cfg.Race.ShutdownOnResults {
		finished = srv.Finished()
	}
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("listener failed", logging.Error(runErr))
	case res := <-finished:
		logger.Info("race complete, shutting down", logging.String("race_id", res.RaceID))
	}

	//3.- Stop accepting, drop the race clients, then drain the observers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	srv.Close()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("race server stopped")
	return runErr
}

// startGRPC serves the standings stream when an address is configured.
func startGRPC(cfg *config.Config, source grpcstream.StandingsSource, logger *logging.Logger, errCh chan<- error) (*grpc.Server, error) {
	if cfg.GRPCAddress == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddress, err)
	}
	server := grpc.NewServer(grpcstream.ServerOptions(cfg.GRPCSecret)...)
	grpcstream.Register(server, grpcstream.NewService(source,
		grpcstream.WithRate(cfg.Race.StandingsRate),
		grpcstream.WithLogger(logger.With(logging.String("component", "grpc"))),
	))
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	return server, nil
}
