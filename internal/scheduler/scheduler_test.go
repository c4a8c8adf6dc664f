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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

// byteRunner covers the block named by the first input byte and crashes on
// inputs starting with 0xFF.
type byteRunner struct {
	fail error
}

func (r *byteRunner) Run(ctx context.Context, inputPath string) (*target.Result, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	sample := coverage.NewMap(651, 0x60)
	res := &target.Result{Outcome: target.Benign, Sample: sample}
	if len(data) > 0 {
		sample.Set(uint32(data[0]))
		if data[0] == 0xFF {
			res.Outcome = target.Crash
		}
	}
	return res, nil
}

func (r *byteRunner) Close() error { return nil }

type fakeOpener struct {
	mu     sync.Mutex
	opened int
	closed atomic.Int32
	fail   error
}

func (o *fakeOpener) Open() (target.Runner, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	return &closingRunner{byteRunner{fail: o.fail}, &o.closed}, nil
}

type closingRunner struct {
	byteRunner
	closed *atomic.Int32
}

func (r *closingRunner) Close() error {
	r.closed.Add(1)
	return nil
}

type fakeReproducer struct{}

func (fakeReproducer) Reproduce(ctx context.Context, inputPath string) ([]byte, error) {
	return []byte("sanitizer report"), nil
}

type fakeShutdowner struct {
	calls atomic.Int32
}

func (f *fakeShutdowner) Shutdown(...fx.ShutdownOption) error {
	f.calls.Add(1)
	return nil
}

type fixture struct {
	cfg        *config.AppConfig
	params     SchedulerParams
	opener     *fakeOpener
	shutdowner *fakeShutdowner
	out        *bytes.Buffer
}

func newFixture(t *testing.T, seedData ...[]byte) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{FuzzConfig: config.DefaultFuzzConfig()}
	fc := &cfg.FuzzConfig
	fc.CorpusDir = filepath.Join(root, "corpus")
	fc.CrashDir = filepath.Join(root, "crashes")
	fc.ScratchDir = filepath.Join(root, "scratch")
	fc.Rounds = 2
	fc.Workers = 3
	fc.Iterations = 25
	fc.RNGSeed = 1234
	require.NoError(t, os.MkdirAll(fc.CorpusDir, 0755))
	for i, data := range seedData {
		require.NoError(t, os.WriteFile(filepath.Join(fc.CorpusDir, "seed"+string(rune('a'+i))), data, 0644))
	}

	logger := zaptest.NewLogger(t)
	lc := fxtest.NewLifecycle(t)
	campaign := types.NewCampaign()
	crashManager := crash.NewCrashManager(crash.CrashManagerParams{
		Config: cfg, Logger: logger, Lifecycle: lc, Campaign: campaign, Reproducer: fakeReproducer{},
	})
	seedManager := seeds.NewSeedManager(seeds.SeedManagerParams{
		Config: cfg, Logger: logger, Lifecycle: lc, Campaign: campaign,
	})
	lc.RequireStart()
	t.Cleanup(lc.RequireStop)

	f := &fixture{
		cfg:        cfg,
		opener:     &fakeOpener{},
		shutdowner: &fakeShutdowner{},
		out:        &bytes.Buffer{},
	}
	f.params = SchedulerParams{
		Lc:              fxtest.NewLifecycle(t),
		Shutdowner:      f.shutdowner,
		Logger:          logger,
		AppConfig:       cfg,
		Campaign:        campaign,
		Corpus:          corpus.NewCorpus(logger, cfg),
		Global:          coverage.NewGlobal(uint32(fc.TotalBlocks), fc.BitmapSize),
		CrashManager:    crashManager,
		SeedManager:     seedManager,
		TracerFactory:   telemetry.NewTracerFactory(telemetry.TracerFactoryParams{}),
		WatchDogFactory: watchdog.NewWatchDogFactory(logger),
	}
	return f
}

func (f *fixture) scheduler() *Scheduler {
	s := newScheduler(f.params)
	s.executor = f.opener
	s.reporter.out = f.out
	return s
}

func TestCampaignRunsAllRounds(t *testing.T) {
	f := newFixture(t, []byte{0x01, 0x02, 0x03}, []byte{0x01, 0x02, 0x03}, []byte{0xFF, 0x00})
	s := f.scheduler()

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, f.opener.opened, "one runner per worker slot")
	assert.Equal(t, int32(3), f.opener.closed.Load())
	assert.GreaterOrEqual(t, s.corpus.Len(), 2)

	count, _ := s.global.Snapshot()
	assert.GreaterOrEqual(t, count, uint32(2), "seed replay covers blocks 0x01 and 0xFF")

	out := f.out.String()
	assert.Contains(t, out, "[+-]")
	assert.Contains(t, out, "[++]")
	assert.Contains(t, out, "/651")

	crashes, _ := s.crashManager.Counts()
	entries, err := os.ReadDir(f.cfg.FuzzConfig.CrashDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2*crashes, "input and dump per crash")

	for i := range 3 {
		assert.FileExists(t, filepath.Join(f.cfg.FuzzConfig.ScratchDir, "worker-"+string(rune('0'+i))+".jpg"))
	}
}

func TestCampaignWithEmptyCorpusFails(t *testing.T) {
	f := newFixture(t, []byte{})
	err := f.scheduler().Run(context.Background())
	assert.ErrorIs(t, err, corpus.ErrEmptyCorpus)
}

func TestCampaignMissingCorpusDirFails(t *testing.T) {
	f := newFixture(t)
	f.cfg.FuzzConfig.CorpusDir = filepath.Join(t.TempDir(), "nope")
	f.params.Corpus = corpus.NewCorpus(zaptest.NewLogger(t), f.cfg)
	assert.Error(t, f.scheduler().Run(context.Background()))
}

func TestCampaignAbortsOnRunnerFailure(t *testing.T) {
	f := newFixture(t, []byte{1})
	f.opener.fail = coverage.ErrSegment
	err := f.scheduler().Run(context.Background())
	assert.True(t, errors.Is(err, coverage.ErrSegment))
}

func TestImportSyncInbox(t *testing.T) {
	f := newFixture(t, []byte{1})
	s := f.scheduler()
	require.NoError(t, os.MkdirAll(f.cfg.FuzzConfig.ScratchDir, 0755))

	inbox := t.TempDir()
	fresh := filepath.Join(inbox, "fresh")
	empty := filepath.Join(inbox, "empty")
	require.NoError(t, os.WriteFile(fresh, []byte{0x42, 0x00}, 0644))
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	s.syncChan <- fresh
	s.syncChan <- fresh
	s.syncChan <- empty
	s.syncChan <- filepath.Join(inbox, "vanished")

	require.NoError(t, s.importSyncInbox(context.Background(), &byteRunner{}, 0))
	assert.Equal(t, 1, s.corpus.Len(), "only the fresh seed is kept, once")
	assert.True(t, s.corpus.Contains([]byte{0x42, 0x00}))
	count, _ := s.global.Snapshot()
	assert.Equal(t, uint32(1), count)
}

func TestImportSyncInboxClosedChannel(t *testing.T) {
	f := newFixture(t, []byte{1})
	s := f.scheduler()
	close(s.syncChan)
	require.NoError(t, s.importSyncInbox(context.Background(), &byteRunner{}, 0))
	assert.Nil(t, s.syncChan)
	require.NoError(t, s.importSyncInbox(context.Background(), &byteRunner{}, 1))
}

func TestWorkerRandIsReproducible(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler()

	assert.Equal(t, s.workerRand(1, 2).Uint64(), s.workerRand(1, 2).Uint64())
	assert.NotEqual(t, s.workerRand(1, 2).Uint64(), s.workerRand(2, 1).Uint64())
	assert.NotEqual(t, s.workerRand(0, 0).Uint64(), s.importRand(0).Uint64())
}

func TestRandomSeedWhenUnset(t *testing.T) {
	f := newFixture(t)
	f.cfg.FuzzConfig.RNGSeed = 0
	s := newScheduler(f.params)
	assert.NotZero(t, s.rngSeed)
}

func TestSchedulerLifecycleShutsDownWhenDone(t *testing.T) {
	f := newFixture(t, []byte{1, 2})
	f.cfg.FuzzConfig.Rounds = 1
	f.cfg.FuzzConfig.Iterations = 5
	lc := fxtest.NewLifecycle(t)
	f.params.Lc = lc

	s := NewScheduler(f.params)
	s.executor = f.opener
	s.reporter.out = f.out

	lc.RequireStart()
	assert.Eventually(t, func() bool { return f.shutdowner.calls.Load() == 1 }, 10*time.Second, 10*time.Millisecond)
	lc.RequireStop()
}

// recordingTracer keeps the attributes set on each span by name.
type recordingTracer struct {
	mu    *sync.Mutex
	name  string
	spans map[string][]attribute.KeyValue
}

func newRecordingTracer() *recordingTracer {
	return &recordingTracer{mu: &sync.Mutex{}, name: "campaign", spans: map[string][]attribute.KeyValue{}}
}

func (r *recordingTracer) Start() {}
func (r *recordingTracer) WithAttributes(attributes *telemetry.SpanAttributes) telemetry.Tracer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans[r.name] = append(r.spans[r.name], attributes.Attributes()...)
	return r
}
func (r *recordingTracer) AddEvent(name string, attributes telemetry.EventAttributes) {}
func (r *recordingTracer) SetStatus(code codes.Code, message string)                 {}
func (r *recordingTracer) Spawn(spanName string) telemetry.Tracer {
	return &recordingTracer{mu: r.mu, name: spanName, spans: r.spans}
}
func (r *recordingTracer) AddLink(spanContext trace.SpanContext) {}
func (r *recordingTracer) Export() string                        { return "" }
func (r *recordingTracer) End()                                  {}

func (r *recordingTracer) attr(span, key string) (attribute.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found attribute.Value
	ok := false
	for _, kv := range r.spans[span] {
		if string(kv.Key) == key {
			found, ok = kv.Value, true
		}
	}
	return found, ok
}

func TestRoundSpanCarriesThroughputAndProgress(t *testing.T) {
	f := newFixture(t, []byte{0x01, 0x02}, []byte{0x05, 0x06})
	s := f.scheduler()
	runners := []target.Runner{&byteRunner{}, &byteRunner{}, &byteRunner{}}
	require.NoError(t, os.MkdirAll(f.cfg.FuzzConfig.ScratchDir, 0755))
	require.NoError(t, s.initialize(context.Background(), runners[0]))

	tracer := newRecordingTracer()
	ctx := context.WithValue(context.Background(), telemetry.TracerKey{}, tracer)
	var total worker.Stats
	require.NoError(t, s.runRound(ctx, 0, runners, &total, time.Now()))

	assert.Equal(t, 3*f.cfg.FuzzConfig.Iterations, total.Iterations)

	eps, ok := tracer.attr("round 0", "fuzz.round.execs_per_sec")
	require.True(t, ok)
	assert.Positive(t, eps.AsFloat64())
	iterations, ok := tracer.attr("round 0", "fuzz.round.iterations")
	require.True(t, ok)
	assert.Equal(t, int64(total.Iterations), iterations.AsInt64())

	// progress lands on the round span, not on the campaign span
	covered, ok := tracer.attr("round 0", "fuzz.coverage.count")
	require.True(t, ok)
	assert.GreaterOrEqual(t, covered.AsInt64(), int64(2))
	campaignEPS, ok := tracer.attr("round 0", "fuzz.execs_per_sec")
	require.True(t, ok)
	assert.Positive(t, campaignEPS.AsFloat64())
	_, ok = tracer.attr("campaign", "fuzz.coverage.count")
	assert.False(t, ok)
}
