package scheduler

import (
	"blockfuzz/config"
	"blockfuzz/internal/corpus"
	"blockfuzz/internal/coverage"
	"blockfuzz/internal/crash"
	"blockfuzz/internal/seeds"
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"blockfuzz/internal/worker"
	"blockfuzz/pkg/telemetry"
	"blockfuzz/pkg/watchdog"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunnerOpener hands out target runners. It is implemented by
// target.Executor.
type RunnerOpener interface {
	Open() (target.Runner, error)
}

// Scheduler drives the campaign: it replays the corpus once, then runs the
// configured number of rounds, each a pool of workers joined before the
// next round starts.
type Scheduler struct {
	logger        *zap.Logger
	cfg           config.FuzzConfig
	campaign      *types.Campaign
	executor      RunnerOpener
	corpus        *corpus.Corpus
	global        *coverage.Global
	crashManager  *crash.CrashManager
	seedManager   *seeds.SeedManager
	reporter      *Reporter
	tracerFactory *telemetry.TracerFactory
	watchdogs     *watchdog.WatchDogFactory

	rngSeed  uint64
	syncChan chan string
	done     chan struct{}
}

type SchedulerParams struct {
	fx.In

	Lc              fx.Lifecycle
	Shutdowner      fx.Shutdowner
	Logger          *zap.Logger
	AppConfig       *config.AppConfig
	Campaign        *types.Campaign
	Executor        *target.Executor
	Corpus          *corpus.Corpus
	Global          *coverage.Global
	CrashManager    *crash.CrashManager
	SeedManager     *seeds.SeedManager
	TracerFactory   *telemetry.TracerFactory
	WatchDogFactory *watchdog.WatchDogFactory
	RedisClient     *redis.Client `optional:"true"`
}

func NewScheduler(params SchedulerParams) *Scheduler {
	s := newScheduler(params)

	schedulerCtx, cancel := context.WithCancel(context.Background())
	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(s.done)
				exitCode := 0
				if err := s.Run(schedulerCtx); err != nil && schedulerCtx.Err() == nil {
					s.logger.Error("campaign aborted", zap.Error(err))
					exitCode = 1
				}
				if schedulerCtx.Err() == nil {
					params.Shutdowner.Shutdown(fx.ExitCode(exitCode))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-s.done
			return nil
		},
	})
	return s
}

func newScheduler(params SchedulerParams) *Scheduler {
	fc := params.AppConfig.FuzzConfig
	logger := params.Logger.With(zap.String("campaign", params.Campaign.ID))

	rngSeed := fc.RNGSeed
	if rngSeed == 0 {
		rngSeed = rand.Uint64()
	}
	logger.Info("campaign configured",
		zap.String("target", fc.TargetBin),
		zap.String("shm_mode", fc.ShmMode),
		zap.Int("rounds", fc.Rounds),
		zap.Int("workers", fc.Workers),
		zap.Int("iterations", fc.Iterations),
		zap.Uint64("rng_seed", rngSeed))

	return &Scheduler{
		logger:        logger,
		cfg:           fc,
		campaign:      params.Campaign,
		executor:      params.Executor,
		corpus:        params.Corpus,
		global:        params.Global,
		crashManager:  params.CrashManager,
		seedManager:   params.SeedManager,
		reporter:      NewReporter(logger, os.Stdout, params.RedisClient, params.Campaign),
		tracerFactory: params.TracerFactory,
		watchdogs:     params.WatchDogFactory,
		rngSeed:       rngSeed,
		syncChan:      make(chan string, 1024),
		done:          make(chan struct{}),
	}
}

// Run executes the whole campaign. It returns the first fatal error.
func (s *Scheduler) Run(ctx context.Context) error {
	tracer := s.tracerFactory.NewTracer(ctx, "fuzzing campaign")
	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithCampaignID(s.campaign.ID).
		WithTarget(s.cfg.TargetBin).
		WithWorkers(s.cfg.Workers).
		WithExtraAttribute("fuzz.shm_mode", s.cfg.ShmMode).
		WithExtraAttribute("fuzz.rng_seed", fmt.Sprintf("%d", s.rngSeed)))
	tracer.Start()
	defer tracer.End()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	err := s.run(ctx)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Scheduler) run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.ScratchDir, 0755); err != nil {
		return fmt.Errorf("failed to create scratch folder: %w", err)
	}
	if s.cfg.SeedArchive != "" {
		if err := s.corpus.Bootstrap(ctx, s.cfg.SeedArchive); err != nil {
			return err
		}
	}
	if s.cfg.SyncDir != "" {
		s.watchSyncDir(ctx)
	}

	// one runner per worker slot, reused across rounds
	runners := make([]target.Runner, s.cfg.Workers)
	defer func() {
		for _, runner := range runners {
			if runner != nil {
				runner.Close()
			}
		}
	}()
	for i := range runners {
		runner, err := s.executor.Open()
		if err != nil {
			return err
		}
		runners[i] = runner
	}

	if err := s.initialize(ctx, runners[0]); err != nil {
		return err
	}

	start := time.Now()
	var total worker.Stats
	for round := 0; round < s.cfg.Rounds; round++ {
		if err := s.runRound(ctx, round, runners, &total, start); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
	}

	crashes, hangs := s.crashManager.Counts()
	count, totalBlocks := s.global.Snapshot()
	s.logger.Info("campaign finished",
		zap.Int("iterations", total.Iterations),
		zap.Uint32("coverage", count),
		zap.Uint32("total_blocks", totalBlocks),
		zap.Int("crashes", crashes),
		zap.Int("hangs", hangs),
		zap.Int("corpus_size", s.corpus.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// initialize replays the corpus directory to build the baseline coverage.
func (s *Scheduler) initialize(ctx context.Context, runner target.Runner) error {
	tracer := telemetry.FromContext(ctx).Spawn("replaying corpus")
	tracer.Start()
	defer tracer.End()

	replayed, err := s.corpus.Load(ctx, runner, s.scratchPath("replay"), s.global)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.corpus.Len() == 0 {
		return fmt.Errorf("%w: no usable seed among %d files in %s", corpus.ErrEmptyCorpus, replayed, s.cfg.CorpusDir)
	}

	count, total := s.global.Snapshot()
	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithCorpusSize(s.corpus.Len()).
		WithCoverage(int(count), int(total)))
	return nil
}

// runRound spawns one worker per runner and waits for all of them. The first
// failing worker cancels its siblings. Once joined, the sync inbox is
// imported and progress is reported on the round span. total accumulates the
// campaign statistics.
func (s *Scheduler) runRound(ctx context.Context, round int, runners []target.Runner, total *worker.Stats, start time.Time) error {
	tracer := telemetry.FromContext(ctx).Spawn(fmt.Sprintf("round %d", round))
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithRound(round))
	tracer.Start()
	defer tracer.End()
	roundCtx := context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	roundStart := time.Now()
	results := make([]worker.Stats, len(runners))
	g, gctx := errgroup.WithContext(roundCtx)
	for i, runner := range runners {
		w := worker.New(worker.Params{
			ID:        i,
			Round:     round,
			Logger:    s.logger,
			Rand:      s.workerRand(round, i),
			Runner:    runner,
			Corpus:    s.corpus,
			Global:    s.global,
			Triager:   s.crashManager,
			Seeds:     s.seedManager,
			InputPath: s.scratchPath(fmt.Sprintf("worker-%d", i)),
		})
		g.Go(func() error {
			stats, err := w.Run(gctx, s.cfg.Iterations)
			results[i] = stats
			return err
		})
	}
	err := g.Wait()
	roundElapsed := time.Since(roundStart)

	var stats worker.Stats
	for _, r := range results {
		stats.Add(r)
	}
	total.Add(stats)
	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithExtraAttribute("fuzz.round.iterations", stats.Iterations).
		WithExtraAttribute("fuzz.round.execs_per_sec", rate(stats.Iterations, roundElapsed)).
		WithExtraAttribute("fuzz.round.new_coverage", stats.NewCoverage))
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := s.importSyncInbox(roundCtx, runners[0], round); err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}
	s.report(roundCtx, round+1, *total, time.Since(start))
	return nil
}

func rate(iterations int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(iterations) / elapsed.Seconds()
}

func (s *Scheduler) report(ctx context.Context, round int, total worker.Stats, elapsed time.Duration) {
	crashes, hangs := s.crashManager.Counts()
	count, totalBlocks := s.global.Snapshot()
	s.reporter.Report(ctx, Progress{
		Round:       round,
		Rounds:      s.cfg.Rounds,
		Iterations:  total.Iterations,
		Elapsed:     elapsed,
		Coverage:    count,
		TotalBlocks: totalBlocks,
		Crashes:     crashes,
		Hangs:       hangs,
		CorpusSize:  s.corpus.Len(),
		CPUPercent:  hostCPUPercent(s.logger),
	})
}

// workerRand derives the generator of one worker in one round from the
// campaign seed, so a campaign with a fixed RNG_SEED is reproducible.
func (s *Scheduler) workerRand(round, idx int) *rand.Rand {
	return rand.New(rand.NewPCG(s.rngSeed, uint64(round)<<32|uint64(uint32(idx))))
}

func (s *Scheduler) scratchPath(name string) string {
	return filepath.Join(s.cfg.ScratchDir, name+"."+s.cfg.InputExt)
}

// scheduler-owned generator for sync imports; never collides with a worker stream
func (s *Scheduler) importRand(round int) *rand.Rand {
	return rand.New(rand.NewPCG(s.rngSeed^math.MaxUint64, uint64(round)))
}
