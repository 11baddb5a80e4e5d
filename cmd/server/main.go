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
	"strings"
	"syscall"

	"github.com/Brownie44l1/mnist-api/internal/artifact"
	"github.com/Brownie44l1/mnist-api/internal/config"
	"github.com/Brownie44l1/mnist-api/internal/handlers"
	"github.com/Brownie44l1/mnist-api/internal/model"
	"github.com/Brownie44l1/mnist-api/internal/nn"
	"gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	}
	hostFlag = cli.StringFlag{
		Name:  "host",
		Usage: "Interface to listen on",
	}
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "Port to listen on",
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "Inference backend (native, onnxruntime)",
	}
	modelPathFlag = cli.StringFlag{
		Name:  "model-path",
		Usage: "Local path of the parameter file",
	}
	modelURLFlag = cli.StringFlag{
		Name:  "model-url",
		Usage: "Where to download the parameter file from when it is missing",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "mnist-api"
	app.Usage = "serve handwritten digit predictions over HTTP"
	app.Flags = []cli.Flag{
		configFlag,
		hostFlag,
		portFlag,
		backendFlag,
		modelPathFlag,
		modelURLFlag,
		logLevelFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	applyFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	logger := buildLogger(cfg.Log.Level, cfg.Log.Format)

	predictor, err := buildPredictor(cfg, logger)
	if err != nil {
		logger.Error("predictor_init_failed", "backend", cfg.Model.Backend, "error", err.Error())
		return cli.NewExitError(err.Error(), 1)
	}
	defer func() {
		if err := predictor.Close(); err != nil {
			logger.Warn("predictor_close_failed", "error", err.Error())
		}
	}()

	// The artifact is fetched and bound before the listener opens, so the
	// first request never pays for the download.
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), cfg.Model.LoadTimeout)
	info, err := predictor.Info(warmCtx)
	cancelWarm()
	if err != nil {
		logger.Error("model_load_failed", "backend", predictor.Name(), "error", err.Error())
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info("model_loaded",
		"backend", info.Backend,
		"architecture", info.Architecture,
		"parameters", info.Parameters,
	)

	metrics := handlers.NewMetrics()
	handler := handlers.NewHandler(predictor, handlers.Options{
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: handlers.NewRouter(handler, handlers.RouterConfig{
			CORSOrigins: cfg.Server.CORSOrigins,
			Logger:      logger,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("server_failed", "error", err.Error())
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err.Error())
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info("server_stopped")
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(hostFlag.Name) {
		cfg.Server.Host = c.String(hostFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.Server.Port = c.Int(portFlag.Name)
	}
	if c.IsSet(backendFlag.Name) {
		cfg.Model.Backend = c.String(backendFlag.Name)
	}
	if c.IsSet(modelPathFlag.Name) {
		cfg.Model.Path = c.String(modelPathFlag.Name)
	}
	if c.IsSet(modelURLFlag.Name) {
		cfg.Model.URL = c.String(modelURLFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = c.String(logLevelFlag.Name)
	}
}

func buildPredictor(cfg config.Config, logger *slog.Logger) (model.Predictor, error) {
	switch cfg.Model.Backend {
	case config.BackendNative:
		fetcher, err := artifact.New(artifact.Config{
			URL:        cfg.Model.URL,
			Path:       cfg.Model.Path,
			Digest:     cfg.Model.Digest,
			Timeout:    cfg.Model.DownloadTimeout,
			ChunkSize:  cfg.Model.ChunkSize,
			MaxRetries: cfg.Model.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		provider, err := model.NewProvider(model.ProviderConfig{
			Architecture: nn.MNISTClassifier(),
			Artifact:     fetcher,
			Workers:      cfg.Model.Workers,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return model.NewClassifier(provider), nil

	case config.BackendONNXRuntime:
		fetcher, err := artifact.New(artifact.Config{
			URL:        cfg.ONNX.URL,
			Path:       cfg.ONNX.Path,
			Digest:     cfg.ONNX.Digest,
			Timeout:    cfg.Model.DownloadTimeout,
			ChunkSize:  cfg.Model.ChunkSize,
			MaxRetries: cfg.Model.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Model.LoadTimeout)
		defer cancel()
		path, err := fetcher.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		return model.NewONNXClassifier(path, model.ONNXConfig{
			LibraryPath: cfg.ONNX.LibraryPath,
			InputName:   cfg.ONNX.InputName,
			OutputName:  cfg.ONNX.OutputName,
		})

	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Model.Backend)
	}
}

func buildLogger(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "discard":
		return slog.New(slog.NewJSONHandler(io.Discard, opts))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
}
