package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kvanite/squish/metrics"
	"github.com/kvanite/squish/server"
	"github.com/kvanite/squish/storage"
	"github.com/kvanite/squish/transcode"
	"github.com/kvanite/squish/utils"
)

var CommitHash = ""

type config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`

	TempDir        string `env:"TEMP_DIR" envDefault:"/tmp"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"209715200"`

	FFmpegBinary      string        `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
	FFprobeBinary     string        `env:"FFPROBE_BINARY" envDefault:"ffprobe"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"60s"`
	ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	Storage storage.Config `envPrefix:"S3_"`
}

const environmentPrefix = "SQUISH_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

func createLog() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""

	logLevelValue := os.Getenv(logLevelEnvKey)
	logLevel, logLevelErr := zapcore.ParseLevel(logLevelValue)

	if logLevelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	rawLog := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("squish")

	if CommitHash != "" {
		rawLog = rawLog.With(zap.String("commit", CommitHash))
	}

	if logLevelErr != nil && logLevelValue != "" {
		rawLog.With(zap.String(logLevelEnvKey, logLevelValue)).Warn("unable to parse log level, using INFO")
	}

	return rawLog
}

func main() {
	parentLogger := createLog()
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		log.Fatal("failed to create temp dir", zap.Error(err))
	}

	store := storage.NewStorage(parentLogger, cfg.Storage)
	if err := store.Connect(context.Background(), cfg.PostgresDSN); err != nil {
		log.Fatal("failed to connect storage", zap.Error(err))
	}
	defer store.Close()

	pipeline := transcode.NewPipeline(parentLogger,
		transcode.WithFFmpegBinary(cfg.FFmpegBinary),
		transcode.WithFFprobeBinary(cfg.FFprobeBinary),
		transcode.WithProcessingTimeout(cfg.ProcessingTimeout),
		transcode.WithProbeTimeout(cfg.ProbeTimeout),
		transcode.WithTempDir(cfg.TempDir),
	)

	httpServer := server.NewServer(server.ServerOptions{
		ParentLogger:   parentLogger,
		Pipeline:       pipeline,
		Store:          store,
		Addr:           cfg.ListenAddr,
		TempDir:        cfg.TempDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := errgroup.Group{}

	// HTTP API
	g.Go(func() error {
		defer cancel()

		return httpServer.Run(ctx)
	})

	// Expired artifact sweeper
	g.Go(func() error {
		sweepLog := parentLogger.Named("sweeper")
		defer utils.PanicRecovery(sweepLog)

		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				removed, err := store.Sweep(ctx)
				if err != nil {
					sweepLog.With(zap.Error(err)).Warn("sweep failed")
					continue
				}
				metrics.ArtifactsSweptTotal.Add(float64(removed))
			}
		}
	})

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
		log.Info("context done, shutting down")
	}

	if err := g.Wait(); err != nil {
		log.Fatal("error group error", zap.Error(err))
	}
}
