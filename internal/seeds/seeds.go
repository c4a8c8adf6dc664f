package seeds

import (
	"blockfuzz/config"
	"blockfuzz/internal/types"
	"blockfuzz/internal/utils"
	"blockfuzz/pkg/database"
	"blockfuzz/pkg/mq"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize  = 256
	defaultFlushEvery = 30 * time.Second
)

// SeedManager fans in every corpus addition of the campaign and forwards
// them, batched, to the database and the seed queue.
type SeedManager struct {
	rabbitMQ mq.RabbitMQ
	db       *gorm.DB
	logger   *zap.Logger
	campaign *types.Campaign

	bundleDir  string
	batchSize  int
	flushEvery time.Duration

	seedChan chan types.SeedMessage
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	received atomic.Int64
}

type SeedManagerParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
	Campaign  *types.Campaign
	DB        *gorm.DB    `optional:"true"`
	RabbitMQ  mq.RabbitMQ `optional:"true"`
}

func NewSeedManager(p SeedManagerParams) *SeedManager {
	s := &SeedManager{
		rabbitMQ:   p.RabbitMQ,
		db:         p.DB,
		logger:     p.Logger.Named("seeds"),
		campaign:   p.Campaign,
		bundleDir:  filepath.Join(p.Config.FuzzConfig.ScratchDir, "bundles"),
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
		seedChan:   make(chan types.SeedMessage, 1024),
		done:       make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.logger.Debug("starting seed manager")
			go s.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Debug("stopping seed manager")
			s.mu.Lock()
			s.closed = true
			close(s.seedChan)
			s.mu.Unlock()
			<-s.done // wait until the last batch is flushed
			return nil
		},
	})

	return s
}

// Submit queues one corpus addition. Submissions after shutdown are dropped.
func (s *SeedManager) Submit(msg types.SeedMessage) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("seed manager stopped, dropping seed", zap.String("seed", msg.SeedFile))
		return
	}
	s.seedChan <- msg
}

// Received reports how many seeds have been batched so far.
func (s *SeedManager) Received() int {
	return int(s.received.Load())
}

func (s *SeedManager) start() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]types.SeedMessage, 0, s.batchSize)

	for {
		select {
		case seed, ok := <-s.seedChan:
			if !ok {
				// channel closed: flush any remaining seeds, then exit
				if len(batch) > 0 {
					s.processSeedMessages(batch)
				}
				return
			}
			batch = append(batch, seed)

			if len(batch) >= s.batchSize {
				s.processSeedMessages(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.processSeedMessages(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *SeedManager) processSeedMessages(msgs []types.SeedMessage) {
	s.received.Add(int64(len(msgs)))

	s.logger.Debug("processing seed messages", zap.Int("seeds_count", len(msgs)))

	if s.db != nil {
		records := make([]*database.Seed, 0, len(msgs))
		for _, msg := range msgs {
			records = append(records, database.NewSeed(s.campaign.ID, msg))
		}
		if err := database.AddSeeds(context.Background(), s.db, records); err != nil {
			s.logger.Error("failed to save seeds to database", zap.Error(err), zap.Int("seeds_count", len(msgs)))
		}
	}

	if s.rabbitMQ != nil {
		bundlePath, err := s.bundle(msgs)
		if err != nil {
			s.logger.Error("failed to create seed bundle", zap.Error(err))
			return
		}
		bundleMsg := types.SeedBundleMessage{
			CampaignID: s.campaign.ID,
			BundlePath: bundlePath,
			SeedCount:  len(msgs),
		}
		if err := s.rabbitMQ.PublishJSON(context.Background(), mq.SeedQueueName, bundleMsg); err != nil {
			s.logger.Error("failed to publish seed bundle", zap.Error(err), zap.String("bundle", bundlePath))
		}
	}
}

// bundle packs the batch into a tar.gz under bundleDir, naming each member by
// a fresh UUID.
func (s *SeedManager) bundle(msgs []types.SeedMessage) (string, error) {
	if err := os.MkdirAll(s.bundleDir, 0755); err != nil {
		return "", err
	}
	tmpDir, err := os.MkdirTemp("", "seed-bundle-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	for _, msg := range msgs {
		if err := utils.CopyFile(msg.SeedFile, filepath.Join(tmpDir, uuid.NewString())); err != nil {
			s.logger.Warn("skipping seed in bundle", zap.String("seed", msg.SeedFile), zap.Error(err))
		}
	}

	bundlePath := filepath.Join(s.bundleDir, "seeds-"+uuid.NewString()+".tar.gz")
	if err := utils.CompressTarGz(tmpDir, bundlePath); err != nil {
		return "", err
	}
	return bundlePath, nil
}
