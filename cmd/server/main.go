package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/vision-api/internal/config"
	"github.com/Brownie44l1/vision-api/internal/handlers"
	"github.com/Brownie44l1/vision-api/internal/inference"
	"github.com/Brownie44l1/vision-api/internal/model"
	"github.com/Brownie44l1/vision-api/internal/upload"
	"github.com/Brownie44l1/vision-api/pkg/logger"
	"github.com/Brownie44l1/vision-api/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /analyze-image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	predict := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Classify local images and print one JSON result per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd.Context(), configPath, args)
		},
	}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Incident image classification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Log at info until the config says otherwise; a logger set up by
		// the caller beforehand is kept.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if logger.Initialized() {
				return nil
			}
			return logger.Init("info")
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides $VISION_CONFIG)")
	root.AddCommand(serve, predict)
	return root
}

// setup loads config, applies its log level and builds the model. A model that
// cannot be loaded is fatal to the caller.
func setup(ctx context.Context, configPath string) (*config.Config, *model.Model, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return nil, nil, fmt.Errorf("failed to set log level: %w", err)
	}

	m, err := model.Load(ctx, model.LoadOptions{
		ONNX: model.ONNXOptions{
			ModelPath:      cfg.BackbonePath,
			LibraryPath:    cfg.ONNXLibraryPath,
			InputName:      cfg.InputName,
			OutputName:     cfg.OutputName,
			IntraOpThreads: cfg.IntraOpThreads,
		},
		HeadPath: cfg.HeadPath,
		HeadSeed: cfg.HeadSeed,
		Logger:   logger.Named("model"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model: %w", err)
	}
	return cfg, m, nil
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, m, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeModel(m)

	log := logger.Named("server")
	mm := metrics.NewManager(
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithHistogramBuckets(cfg.LatencyBuckets),
	)
	predictor := inference.NewPredictor(m,
		inference.WithMetrics(mm),
		inference.WithLogger(logger.Named("inference")),
	)
	store := upload.NewStore(
		upload.WithDir(cfg.UploadDir),
		upload.WithMetrics(mm),
		upload.WithLogger(logger.Named("upload")),
	)
	h := handlers.NewHandler(predictor, store, m,
		handlers.WithMaxUploadBytes(cfg.MaxUploadBytes),
		handlers.WithLogger(logger.Named("handlers")),
	)

	accessLog := logger.Named("access").Level(zerolog.InfoLevel)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: h.Router(handlers.RouterOptions{
			CORSOrigins: cfg.CORSOrigins,
			Metrics:     mm,
			AccessLog:   &accessLog,
		}),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("upload_dir", store.Dir()).Strs("classes", model.ClassList()).
			Msg("starting HTTP server")
		log.Info().Msg("endpoints: POST /analyze-image, GET /healthz, GET /info, GET /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

func runPredict(ctx context.Context, configPath string, paths []string) error {
	_, m, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeModel(m)

	predictor := inference.NewPredictor(m, inference.WithLogger(logger.Named("inference")))
	enc := json.NewEncoder(os.Stdout)
	for _, p := range paths {
		res, err := predictor.PredictImage(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if err := enc.Encode(struct {
			Path string `json:"path"`
			inference.Result
		}{p, res}); err != nil {
			return err
		}
	}
	return nil
}

func closeModel(m *model.Model) {
	if err := m.Close(); err != nil {
		l := logger.Get()
		l.Error().Err(err).Msg("failed to release model")
	}
}
