package main

import (
	"blockfuzz/config"
	"blockfuzz/internal/corpus"
	"blockfuzz/internal/coverage"
	"blockfuzz/internal/crash"
	"blockfuzz/internal/scheduler"
	"blockfuzz/internal/seeds"
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"blockfuzz/pkg/database"
	"blockfuzz/pkg/logger"
	"blockfuzz/pkg/mq"
	"blockfuzz/pkg/telemetry"
	"blockfuzz/pkg/watchdog"
	"os/exec"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func setUpMmapRNDBits(logger *zap.Logger) {
	// Set the mmap_rnd_bits to 28 to avoid ASLR issues on ASAN
	if err := exec.Command("sysctl", "-w", "vm.mmap_rnd_bits=28").Run(); err != nil {
		logger.Warn("Failed to set mmap_rnd_bits", zap.Error(err))
	} else {
		logger.Info("Successfully set mmap_rnd_bits to 28")
	}
}

func newGlobalCoverage(appConfig *config.AppConfig) *coverage.Global {
	return coverage.NewGlobal(uint32(appConfig.FuzzConfig.TotalBlocks), appConfig.FuzzConfig.BitmapSize)
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			types.NewCampaign,           // inject campaign identity
			newGlobalCoverage,           // inject global coverage map
			corpus.NewCorpus,            // inject corpus
			crash.NewCrashManager,       // inject crash manager
			seeds.NewSeedManager,        // inject seed manager
			watchdog.NewWatchDogFactory, // inject watchdog factory
		),
		target.Module, // inject executor and reproducer
		fx.Invoke(
			setUpMmapRNDBits, // set up mmap_rnd_bits
			scheduler.NewScheduler,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
