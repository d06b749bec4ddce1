package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"live-recorder/internal/adapters"
	"live-recorder/internal/capture"
	"live-recorder/internal/notify"
	"live-recorder/internal/platform/config"
	"live-recorder/internal/platform/logger"
	"live-recorder/internal/platform/metrics"
	"live-recorder/internal/recorder"
	"live-recorder/internal/shutdown"
	"live-recorder/internal/storage"
)

const (
	serverShutdownTimeout = 10 * time.Second
	watcherDrainTimeout   = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile, configFile string

	cmd := &cobra.Command{
		Use:          "recorder",
		Short:        "Watch live channels and record them while they are live",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := config.Load(envFile)
			if err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load env file: %w", err)
			}
			if configFile != "" {
				return os.Setenv("CONFIG_FILE", configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), loadSettings())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file with process settings")
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Targets file (overrides CONFIG_FILE)")
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func run(ctx context.Context, s settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New(s.LogLevel, s.LogFormat)
	met := metrics.New()

	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	client, err := adapters.NewHTTPClient(s.ProxyURL, s.ProbeTimeout)
	if err != nil {
		return err
	}
	dialer, err := capture.NewDialer(s.ProxyURL)
	if err != nil {
		return err
	}
	remuxer, err := capture.NewFFmpegRemuxer(s.FFmpegPath, s.FFmpegExtraArgs, s.RemuxTimeout, log)
	if err != nil {
		return err
	}

	coord := shutdown.New(log, s.ShutdownGrace, s.ShutdownTimeout)
	streamed := capture.NewStreamedEngine(dialer, remuxer, coord.Jobs, log)
	streamed.IdleTimeout = s.StreamIdle
	engines := map[capture.Strategy]capture.Engine{
		capture.StrategySegmented: capture.NewSegmentedEngine(client, coord.Jobs, log, s.TempDir),
		capture.StrategyStreamed:  streamed,
	}

	var store sessionStore = recorder.NewInMemorySessionStore()
	if s.DBPath != "" {
		db, err := storage.OpenSQLite(ctx, s.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if n, err := db.MarkInterrupted(ctx); err != nil {
			log.Warn("could not close out interrupted sessions", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Warn("previous run left sessions open", slog.Int64("sessions", n))
		}
		store = db
	}

	var notifier recorder.Notifier = notify.NewLog(log)
	if s.WebhookURL != "" {
		notifier = notify.NewWebhook(s.WebhookURL, nil)
	}

	table := adapters.Table(client, adapters.Account{Username: s.TwitcastingUser, Token: s.TwitcastingToken}, log)
	reg := recorder.NewRegistry(log)
	machine := recorder.NewMachine(recorder.MachineConfig{
		Registry:  reg,
		Adapters:  table,
		Engines:   engines,
		Notifier:  notifier,
		Store:     store,
		Sessions:  coord.Sessions,
		Metrics:   met,
		Log:       log,
		OutputDir: s.OutputDir,
	})
	sched := recorder.NewScheduler(reg, recorder.NewFileSource(s.ConfigFile), table, machine, met, log)
	sched.StartDelay = s.StartDelay
	sched.LaunchDelay = s.LaunchDelay
	sched.ProbeTimeout = s.ProbeTimeout
	sched.MaxConcurrentProbes = s.MaxConcurrentProbes

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(func() {
		live, _ := reg.Counts()
		met.SetTargets(reg.Len(), live)
	}).ServeHTTP)
	recorder.NewHandler(reg, store, log).Routes(r)

	srv := &http.Server{Addr: s.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info("recorder starting",
		slog.String("listen_addr", s.ListenAddr),
		slog.String("config_file", s.ConfigFile),
		slog.String("output_dir", s.OutputDir),
		slog.String("log_level", s.LogLevel))

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.Error("server error", slog.String("error", err.Error()))
		runErr = err
	}

	// No capture may start once the coordinator has begun cancelling.
	stopSched()
	<-schedDone

	if err := coord.Shutdown(context.Background()); err != nil {
		log.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	if !waitTimeout(machine.Wait, watcherDrainTimeout) {
		log.Warn("some capture sessions did not report completion")
	}
	machine.Release()

	sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("server shutdown error", slog.String("error", err.Error()))
	}
	log.Info("recorder stopped")
	return runErr
}

// sessionStore is written by the machine and read by the status API.
type sessionStore interface {
	recorder.SessionStore
	recorder.SessionHistory
}

func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
