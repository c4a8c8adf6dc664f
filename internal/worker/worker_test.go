package worker

import (
	"blockfuzz/config"
	"blockfuzz/internal/corpus"
	"blockfuzz/internal/coverage"
	"blockfuzz/internal/crash"
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

// funcRunner reads the input the worker wrote and lets the test decide the
// outcome.
type funcRunner struct {
	fn func(data []byte) (*target.Result, error)
}

func (r funcRunner) Run(ctx context.Context, inputPath string) (*target.Result, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	return r.fn(data)
}

func (r funcRunner) Close() error { return nil }

func sampleOf(blocks ...uint32) *coverage.Map {
	m := coverage.NewMap(651, 0x60)
	for _, b := range blocks {
		m.Set(b)
	}
	return m
}

type fakeReproducer struct{}

func (fakeReproducer) Reproduce(ctx context.Context, inputPath string) ([]byte, error) {
	return []byte("==1==ERROR: AddressSanitizer: SEGV"), nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []types.SeedMessage
}

func (s *recordingSink) Submit(msg types.SeedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

type fixture struct {
	cfg     *config.AppConfig
	corpus  *corpus.Corpus
	global  *coverage.Global
	crashes *crash.CrashManager
	sink    *recordingSink
}

func newFixture(t *testing.T, seeds ...[]byte) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{FuzzConfig: config.DefaultFuzzConfig()}
	cfg.FuzzConfig.CorpusDir = filepath.Join(root, "corpus")
	cfg.FuzzConfig.CrashDir = filepath.Join(root, "crashes")
	cfg.FuzzConfig.ScratchDir = root
	require.NoError(t, os.MkdirAll(cfg.FuzzConfig.CorpusDir, 0755))

	logger := zaptest.NewLogger(t)
	c := corpus.NewCorpus(logger, cfg)
	rng := rand.New(rand.NewPCG(0, 0))
	for _, s := range seeds {
		_, _, err := c.AddUnique(rng, s)
		require.NoError(t, err)
	}

	lc := fxtest.NewLifecycle(t)
	manager := crash.NewCrashManager(crash.CrashManagerParams{
		Config:     cfg,
		Logger:     logger,
		Lifecycle:  lc,
		Campaign:   types.NewCampaign(),
		Reproducer: fakeReproducer{},
	})
	lc.RequireStart()
	t.Cleanup(lc.RequireStop)

	return &fixture{
		cfg:     cfg,
		corpus:  c,
		global:  coverage.NewGlobal(651, 0x60),
		crashes: manager,
		sink:    &recordingSink{},
	}
}

func (f *fixture) worker(t *testing.T, id int, runner target.Runner) *Worker {
	return New(Params{
		ID:        id,
		Logger:    zaptest.NewLogger(t),
		Rand:      rand.New(rand.NewPCG(uint64(id), 42)),
		Runner:    runner,
		Corpus:    f.corpus,
		Global:    f.global,
		Triager:   f.crashes,
		Seeds:     f.sink,
		InputPath: filepath.Join(f.cfg.FuzzConfig.ScratchDir, "worker-0.jpg"),
	})
}

func TestAlwaysCrashingTargetYieldsOnePairPerIteration(t *testing.T) {
	f := newFixture(t, []byte("seed-bytes"))
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Outcome: target.Crash, Signal: syscall.SIGSEGV, Sample: sampleOf()}, nil
	}}

	stats, err := f.worker(t, 0, runner).Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Iterations)
	assert.Equal(t, 7, stats.Crashes)

	entries, err := os.ReadDir(f.cfg.FuzzConfig.CrashDir)
	require.NoError(t, err)
	inputs, dumps := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		base, ext, _ := strings.Cut(e.Name(), ".")
		switch ext {
		case "jpg":
			inputs[base] = true
		case "dmp":
			dumps[base] = true
		default:
			t.Fatalf("unexpected file %s", e.Name())
		}
	}
	assert.Len(t, inputs, 7)
	assert.Equal(t, inputs, dumps, "every crash input has a dump with the same basename")

	crashes, _ := f.crashes.Counts()
	assert.Equal(t, 7, crashes)
}

func TestNewCoverageIsPersistedAndSelectable(t *testing.T) {
	f := newFixture(t, []byte{0x10, 0x20, 0x30, 0x40})
	// each distinct first byte is a new block
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Outcome: target.Benign, Sample: sampleOf(uint32(data[0]))}, nil
	}}

	w := f.worker(t, 1, runner)
	stats, err := w.Run(context.Background(), 50)
	require.NoError(t, err)
	require.Positive(t, stats.NewCoverage)

	count, _ := f.global.Snapshot()
	assert.Equal(t, uint32(stats.NewCoverage), count)
	assert.Equal(t, 1+stats.NewCoverage, f.corpus.Len())
	assert.Equal(t, 1+stats.NewCoverage, w.snapshot.Len(), "own discoveries join the private snapshot")

	files, err := os.ReadDir(f.cfg.FuzzConfig.CorpusDir)
	require.NoError(t, err)
	assert.Len(t, files, 1+stats.NewCoverage)

	require.Len(t, f.sink.msgs, stats.NewCoverage)
	for _, msg := range f.sink.msgs {
		assert.Equal(t, types.SourceMutation, msg.Source)
		assert.Equal(t, 4, msg.Size)
		assert.FileExists(t, msg.SeedFile)
	}
}

func TestKnownCoverageIsDiscarded(t *testing.T) {
	f := newFixture(t, []byte{1, 2, 3})
	f.global.Merge(sampleOf(9))
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Outcome: target.Benign, Sample: sampleOf(9)}, nil
	}}

	stats, err := f.worker(t, 0, runner).Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Zero(t, stats.NewCoverage)
	assert.Equal(t, 1, f.corpus.Len())
	assert.Empty(t, f.sink.msgs)
}

func TestCrashWithNewCoverageIsKeptAndTriaged(t *testing.T) {
	f := newFixture(t, []byte{1, 2, 3})
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Outcome: target.Crash, Sample: sampleOf(77)}, nil
	}}

	stats, err := f.worker(t, 0, runner).Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewCoverage)
	assert.Equal(t, 3, stats.Crashes)
	assert.Equal(t, 2, f.corpus.Len())
}

func TestHangIsRecordedWithoutMerge(t *testing.T) {
	f := newFixture(t, []byte{1, 2, 3})
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Outcome: target.Hang}, nil
	}}

	stats, err := f.worker(t, 0, runner).Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Hangs)
	assert.Zero(t, stats.Crashes)

	count, _ := f.global.Snapshot()
	assert.Zero(t, count)
	matches, err := filepath.Glob(filepath.Join(f.cfg.FuzzConfig.CrashDir, "*."+crash.HangExt))
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestWorkerWritesMutantToOwnInputPath(t *testing.T) {
	seed := []byte("0123456789")
	f := newFixture(t, seed)
	var seen [][]byte
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		seen = append(seen, data)
		return &target.Result{Outcome: target.Benign, Sample: sampleOf()}, nil
	}}

	_, err := f.worker(t, 0, runner).Run(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, seen, 10)
	for _, data := range seen {
		assert.Len(t, data, len(seed))
	}
	assert.Equal(t, []byte("0123456789"), seed)
}

func TestEmptyCorpusIsFatal(t *testing.T) {
	f := newFixture(t)
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{}, nil
	}}

	_, err := f.worker(t, 0, runner).Run(context.Background(), 1)
	assert.ErrorIs(t, err, corpus.ErrEmptyCorpus)
}

func TestRunnerErrorIsFatal(t *testing.T) {
	f := newFixture(t, []byte{1})
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return nil, coverage.ErrSegment
	}}

	stats, err := f.worker(t, 0, runner).Run(context.Background(), 5)
	assert.True(t, errors.Is(err, coverage.ErrSegment))
	assert.Zero(t, stats.Iterations)
}

func TestCancelledContextStopsWorker(t *testing.T) {
	f := newFixture(t, []byte{1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := funcRunner{func(data []byte) (*target.Result, error) {
		return &target.Result{Sample: sampleOf()}, nil
	}}

	_, err := f.worker(t, 0, runner).Run(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateDiscoveryIsNotCounted(t *testing.T) {
	f := newFixture(t)
	f.cfg.FuzzConfig.DedupOnGrowth = true
	f.corpus = corpus.NewCorpus(zaptest.NewLogger(t), f.cfg)
	_, _, err := f.corpus.AddUnique(rand.New(rand.NewPCG(0, 0)), []byte("seed"))
	require.NoError(t, err)

	w := f.worker(t, 0, funcRunner{})
	require.NoError(t, w.keep([]byte("seed")))
	assert.Zero(t, w.stats.NewCoverage)
	assert.Equal(t, 1, f.corpus.Len())
	assert.Equal(t, 1, w.snapshot.Len())
	assert.Empty(t, f.sink.msgs)

	require.NoError(t, w.keep([]byte("other")))
	assert.Equal(t, 1, w.stats.NewCoverage)
	assert.Equal(t, 2, w.snapshot.Len())
	assert.Len(t, f.sink.msgs, 1)
}

func TestStatsAdd(t *testing.T) {
	total := Stats{Iterations: 1, Crashes: 1}
	total.Add(Stats{Iterations: 2, NewCoverage: 3, Hangs: 1})
	assert.Equal(t, Stats{Iterations: 3, NewCoverage: 3, Crashes: 1, Hangs: 1}, total)
}
