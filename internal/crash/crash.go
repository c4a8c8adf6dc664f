package crash

import (
	"blockfuzz/config"
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"blockfuzz/internal/utils"
	"blockfuzz/pkg/database"
	"blockfuzz/pkg/mq"
	"blockfuzz/pkg/telemetry"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const HangExt = config.HangExt

// CrashManager persists crash and hang inputs, keeps the campaign counters and
// forwards every finding to the configured sinks.
type CrashManager struct {
	db         *gorm.DB
	rabbitMQ   mq.RabbitMQ
	logger     *zap.Logger
	campaign   *types.Campaign
	reproducer target.Reproducer

	crashDir string
	inputExt string
	dumpExt  string

	mu      sync.Mutex
	crashes int
	hangs   int

	crashChan chan types.CrashMessage
	chanMu    sync.RWMutex
	closed    bool
	done      chan struct{}
}

type CrashManagerParams struct {
	fx.In

	Config     *config.AppConfig
	Logger     *zap.Logger
	Lifecycle  fx.Lifecycle
	Campaign   *types.Campaign
	Reproducer target.Reproducer
	DB         *gorm.DB    `optional:"true"`
	RabbitMQ   mq.RabbitMQ `optional:"true"`
}

func NewCrashManager(p CrashManagerParams) *CrashManager {
	fc := p.Config.FuzzConfig
	if err := os.MkdirAll(fc.CrashDir, 0755); err != nil {
		// without a crash folder no finding can be kept
		p.Logger.Fatal("failed to create crash folder", zap.String("dir", fc.CrashDir), zap.Error(err))
		return nil
	}

	c := &CrashManager{
		db:         p.DB,
		rabbitMQ:   p.RabbitMQ,
		logger:     p.Logger.Named("crash"),
		campaign:   p.Campaign,
		reproducer: p.Reproducer,
		crashDir:   fc.CrashDir,
		inputExt:   fc.InputExt,
		dumpExt:    fc.DumpExt,
		crashChan:  make(chan types.CrashMessage, 1024),
		done:       make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			go c.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.chanMu.Lock()
			c.closed = true
			close(c.crashChan)
			c.chanMu.Unlock()
			c.logger.Debug("waiting for crash manager to finish processing")
			<-c.done
			return nil
		},
	})

	return c
}

// Triage keeps a crashing input: it writes the input under a fresh name,
// bumps the crash counter, replays the input through the sanitizer build and
// stores its report next to the input with the dump extension.
func (c *CrashManager) Triage(ctx context.Context, rng *rand.Rand, input []byte, res *target.Result, worker, round int) (types.CrashMessage, error) {
	inputPath, err := utils.WriteUniqueFile(rng, c.crashDir, c.inputExt, input)
	if err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to persist crash input: %w", err)
	}

	c.mu.Lock()
	c.crashes++
	first := c.crashes == 1
	c.mu.Unlock()

	report, err := c.reproducer.Reproduce(ctx, inputPath)
	if err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to reproduce %s: %w", inputPath, err)
	}
	dumpPath := utils.ReplaceExt(inputPath, c.dumpExt)
	if err := os.WriteFile(dumpPath, report, 0644); err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to write crash dump: %w", err)
	}

	msg := types.CrashMessage{
		Kind:      types.KindCrash,
		InputFile: inputPath,
		DumpFile:  dumpPath,
		Worker:    worker,
		Round:     round,
		FoundAt:   time.Now(),
	}
	if res != nil && res.Signal != 0 {
		msg.Signal = res.Signal.String()
	}

	c.logger.Info("crash found",
		zap.String("input", inputPath),
		zap.String("dump", dumpPath),
		zap.String("signal", msg.Signal),
		zap.Int("worker", worker),
		zap.Int("round", round))
	if first {
		telemetry.FromContext(ctx).AddEvent("first_crash", telemetry.NewEventAttributes(map[string]string{
			"fuzz.crash.input":  inputPath,
			"fuzz.crash.signal": msg.Signal,
			"fuzz.worker":       strconv.Itoa(worker),
		}))
	}

	c.enqueue(msg)
	return msg, nil
}

// RecordHang keeps an input that outlived the execution timeout.
func (c *CrashManager) RecordHang(ctx context.Context, rng *rand.Rand, input []byte, worker, round int) (types.CrashMessage, error) {
	inputPath, err := utils.WriteUniqueFile(rng, c.crashDir, HangExt, input)
	if err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to persist hang input: %w", err)
	}

	c.mu.Lock()
	c.hangs++
	c.mu.Unlock()

	msg := types.CrashMessage{
		Kind:      types.KindHang,
		InputFile: inputPath,
		Worker:    worker,
		Round:     round,
		FoundAt:   time.Now(),
	}
	c.logger.Info("hang found", zap.String("input", inputPath), zap.Int("worker", worker))
	c.enqueue(msg)
	return msg, nil
}

// Counts returns the number of crashes and hangs recorded so far.
func (c *CrashManager) Counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashes, c.hangs
}

func (c *CrashManager) enqueue(msg types.CrashMessage) {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	if c.closed {
		c.logger.Warn("crash manager stopped, finding not reported", zap.String("input", msg.InputFile))
		return
	}
	c.crashChan <- msg
}

func (c *CrashManager) start() {
	defer close(c.done)
	for msg := range c.crashChan {
		if err := c.report(msg); err != nil {
			c.logger.Error("failed to report finding", zap.String("input", msg.InputFile), zap.Error(err))
		}
	}
}

// report forwards one finding to the database and the crash queue.
func (c *CrashManager) report(msg types.CrashMessage) error {
	if c.db != nil {
		if err := database.AddCrashes(context.Background(), c.db, []*database.Crash{database.NewCrash(c.campaign.ID, msg)}); err != nil {
			return fmt.Errorf("failed to add crash: %w", err)
		}
	}
	if c.rabbitMQ != nil {
		payload := types.CrashReportMessage{CampaignID: c.campaign.ID, CrashMessage: msg}
		if err := c.rabbitMQ.PublishJSON(context.Background(), mq.CrashQueueName, payload); err != nil {
			return fmt.Errorf("failed to publish crash: %w", err)
		}
	}
	return nil
}
