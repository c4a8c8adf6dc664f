package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	ShmModePrivate = "private" // segment created per worker, id handed to the target via env
	ShmModePID     = "pid"     // legacy: key derived from the target's pid

	// HangExt marks inputs that outlived EXEC_TIMEOUT in the crash folder.
	HangExt = "hang"
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	OtelEndpoint       string
	LogLevel           string
	ServiceName        string

	FuzzConfig FuzzConfig
}

// FuzzConfig holds the run parameters. The yaml tags are used by the optional
// BLOCKFUZZ_CONFIG file; environment variables override it.
type FuzzConfig struct {
	TargetBin    string `yaml:"target_bin"`
	SanitizerBin string `yaml:"sanitizer_bin"`
	CorpusDir    string `yaml:"corpus_dir"`
	CrashDir     string `yaml:"crash_dir"`
	ScratchDir   string `yaml:"scratch_dir"`
	SyncDir      string `yaml:"sync_dir"`
	SeedArchive  string `yaml:"seed_archive"`
	InputExt     string `yaml:"input_ext"`
	DumpExt      string `yaml:"dump_ext"`

	Rounds      int `yaml:"rounds"`
	Workers     int `yaml:"workers"`
	Iterations  int `yaml:"iterations"`
	TotalBlocks int `yaml:"total_blocks"`
	BitmapSize  int `yaml:"bitmap_size"`

	ExecTimeout   time.Duration `yaml:"exec_timeout"`
	RNGSeed       uint64        `yaml:"rng_seed"`
	ShmMode       string        `yaml:"shm_mode"`
	DedupOnGrowth bool          `yaml:"dedup_on_growth"`
}

// DefaultFuzzConfig mirrors the parameters the fuzzer historically had compiled in.
func DefaultFuzzConfig() FuzzConfig {
	return FuzzConfig{
		TargetBin:    "targets/exif_coverage",
		SanitizerBin: "targets/exifsan",
		CorpusDir:    "corpus/",
		CrashDir:     "crashes/",
		ScratchDir:   "targets/",
		InputExt:     "jpg",
		DumpExt:      "dmp",
		Rounds:       10,
		Workers:      30,
		Iterations:   100,
		TotalBlocks:  651,
		BitmapSize:   0x60,
		ExecTimeout:  5 * time.Second,
		ShmMode:      ShmModePrivate,
	}
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found")
	}

	config, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	return config
}

func loadConfig(getenv func(string) string) (*AppConfig, error) {
	config := &AppConfig{
		DatabaseURL:        getenv("DATABASE_URL"),
		RabbitMQURL:        getenv("RABBITMQ_URL"),
		RedisSentinelHosts: getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    getenv("REDIS_MASTER"),
		RedisUrl:           getenv("REDIS_URL"),
		OtelEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:           getenv("LOG_LEVEL"),
		ServiceName:        getenv("SERVICE_NAME"),
		FuzzConfig:         DefaultFuzzConfig(),
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "blockfuzz"
	}

	if path := getenv("BLOCKFUZZ_CONFIG"); path != "" {
		if err := loadYaml(path, &config.FuzzConfig); err != nil {
			return nil, err
		}
	}

	fc := &config.FuzzConfig
	fc.TargetBin = parseString(getenv("TARGET_BIN"), fc.TargetBin)
	fc.SanitizerBin = parseString(getenv("SANITIZER_BIN"), fc.SanitizerBin)
	fc.CorpusDir = parseString(getenv("CORPUS_DIR"), fc.CorpusDir)
	fc.CrashDir = parseString(getenv("CRASH_DIR"), fc.CrashDir)
	fc.ScratchDir = parseString(getenv("SCRATCH_DIR"), fc.ScratchDir)
	fc.SyncDir = parseString(getenv("SYNC_DIR"), fc.SyncDir)
	fc.SeedArchive = parseString(getenv("SEED_ARCHIVE"), fc.SeedArchive)
	fc.InputExt = parseString(getenv("INPUT_EXT"), fc.InputExt)
	fc.DumpExt = parseString(getenv("DUMP_EXT"), fc.DumpExt)
	fc.Rounds = parseInt(getenv("ROUNDS"), fc.Rounds)
	fc.Workers = parseInt(getenv("WORKERS"), fc.Workers)
	fc.Iterations = parseInt(getenv("ITERATIONS"), fc.Iterations)
	fc.TotalBlocks = parseInt(getenv("TOTAL_BLOCKS"), fc.TotalBlocks)
	fc.BitmapSize = parseInt(getenv("BITMAP_SIZE"), fc.BitmapSize)
	fc.ExecTimeout = parseDuration(getenv("EXEC_TIMEOUT"), fc.ExecTimeout)
	fc.RNGSeed = parseUint(getenv("RNG_SEED"), fc.RNGSeed)
	fc.ShmMode = strings.ToLower(parseString(getenv("SHM_MODE"), fc.ShmMode))
	fc.DedupOnGrowth = parseBool(getenv("DEDUP_ON_GROWTH"), fc.DedupOnGrowth)

	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadYaml(path string, fc *FuzzConfig) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(content, fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects parameter combinations the fuzzer cannot run with.
func (fc *FuzzConfig) Validate() error {
	if fc.Rounds <= 0 || fc.Workers <= 0 || fc.Iterations <= 0 {
		return fmt.Errorf("rounds, workers and iterations must be positive (got %d/%d/%d)",
			fc.Rounds, fc.Workers, fc.Iterations)
	}
	if fc.TotalBlocks <= 0 {
		return fmt.Errorf("total blocks must be positive, got %d", fc.TotalBlocks)
	}
	if fc.BitmapSize*8 < fc.TotalBlocks {
		return fmt.Errorf("bitmap of %d bytes cannot hold %d blocks", fc.BitmapSize, fc.TotalBlocks)
	}
	if fc.ExecTimeout <= 0 {
		return fmt.Errorf("exec timeout must be positive, got %s", fc.ExecTimeout)
	}
	if fc.ShmMode != ShmModePrivate && fc.ShmMode != ShmModePID {
		return fmt.Errorf("unknown shm mode %q", fc.ShmMode)
	}
	if fc.TargetBin == "" || fc.CorpusDir == "" || fc.CrashDir == "" || fc.ScratchDir == "" {
		return fmt.Errorf("target binary, corpus, crash and scratch paths are required")
	}
	// crash input, dump and hang files share the crash folder and differ only by extension
	if fc.InputExt == "" || fc.DumpExt == "" {
		return fmt.Errorf("input and dump extensions are required")
	}
	if fc.InputExt == fc.DumpExt {
		return fmt.Errorf("input and dump extensions must differ, both are %q", fc.InputExt)
	}
	if fc.InputExt == HangExt || fc.DumpExt == HangExt {
		return fmt.Errorf("extension %q is reserved for hangs", HangExt)
	}
	return nil
}

func parseString(val string, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseUint(val string, defaultVal uint64) uint64 {
	if val == "" {
		return defaultVal
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return u
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
