// Package worker runs the per-iteration fuzzing pipeline: pick a seed, mutate
// it, execute the target, merge the coverage, keep what is new and triage
// what crashed.
package worker

import (
	"blockfuzz/internal/corpus"
	"blockfuzz/internal/coverage"
	"blockfuzz/internal/mutate"
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"
)

// Triager persists findings. It is implemented by crash.CrashManager.
type Triager interface {
	Triage(ctx context.Context, rng *rand.Rand, input []byte, res *target.Result, worker, round int) (types.CrashMessage, error)
	RecordHang(ctx context.Context, rng *rand.Rand, input []byte, worker, round int) (types.CrashMessage, error)
}

// SeedSink receives every corpus addition. It is implemented by
// seeds.SeedManager.
type SeedSink interface {
	Submit(msg types.SeedMessage)
}

type Stats struct {
	Iterations  int
	NewCoverage int
	Crashes     int
	Hangs       int
}

func (s *Stats) Add(other Stats) {
	s.Iterations += other.Iterations
	s.NewCoverage += other.NewCoverage
	s.Crashes += other.Crashes
	s.Hangs += other.Hangs
}

type Params struct {
	ID        int
	Round     int
	Logger    *zap.Logger
	Rand      *rand.Rand
	Runner    target.Runner
	Corpus    *corpus.Corpus
	Global    *coverage.Global
	Triager   Triager
	Seeds     SeedSink
	InputPath string // scratch file owned by this worker
}

type Worker struct {
	id        int
	round     int
	logger    *zap.Logger
	rng       *rand.Rand
	runner    target.Runner
	corpus    *corpus.Corpus
	snapshot  *corpus.Snapshot
	global    *coverage.Global
	triager   Triager
	seeds     SeedSink
	inputPath string
	stats     Stats
}

// New takes the worker's private corpus snapshot. Entries added by siblings
// afterwards are not selected by this worker.
func New(p Params) *Worker {
	return &Worker{
		id:        p.ID,
		round:     p.Round,
		logger:    p.Logger.With(zap.Int("worker", p.ID), zap.Int("round", p.Round)),
		rng:       p.Rand,
		runner:    p.Runner,
		corpus:    p.Corpus,
		snapshot:  p.Corpus.Snapshot(),
		global:    p.Global,
		triager:   p.Triager,
		seeds:     p.Seeds,
		inputPath: p.InputPath,
	}
}

// Run executes iterations pipeline steps. Any error is fatal for the
// campaign; a crashing or hanging target is not an error.
func (w *Worker) Run(ctx context.Context, iterations int) (Stats, error) {
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return w.stats, err
		}
		if err := w.Step(ctx); err != nil {
			return w.stats, fmt.Errorf("worker %d iteration %d: %w", w.id, i, err)
		}
	}
	w.logger.Debug("worker finished",
		zap.Int("iterations", w.stats.Iterations),
		zap.Int("new_coverage", w.stats.NewCoverage),
		zap.Int("crashes", w.stats.Crashes),
		zap.Int("hangs", w.stats.Hangs),
		zap.Duration("elapsed", time.Since(start)))
	return w.stats, nil
}

// Step runs one SELECT, MUTATE, WRITE_INPUT, EXEC, MERGE, PERSIST/TRIAGE pass.
func (w *Worker) Step(ctx context.Context) error {
	seed, err := w.snapshot.PickSeed(w.rng)
	if err != nil {
		return err
	}
	candidate, err := mutate.Mutate(w.rng, seed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.inputPath, candidate, 0644); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}

	res, err := w.runner.Run(ctx, w.inputPath)
	if err != nil {
		return err
	}
	w.stats.Iterations++

	if res.Outcome == target.Hang {
		// a killed target may leave a torn record, so nothing is merged
		if _, err := w.triager.RecordHang(ctx, w.rng, candidate, w.id, w.round); err != nil {
			return err
		}
		w.stats.Hangs++
		return nil
	}

	if res.Sample != nil && w.global.MergeIfNew(res.Sample) {
		if err := w.keep(candidate); err != nil {
			return err
		}
	}

	if res.Outcome == target.Crash {
		if _, err := w.triager.Triage(ctx, w.rng, candidate, res, w.id, w.round); err != nil {
			return err
		}
		w.stats.Crashes++
	}
	return nil
}

func (w *Worker) keep(candidate []byte) error {
	path, added, err := w.corpus.Add(w.rng, candidate)
	if err != nil {
		return err
	}
	if !added {
		w.logger.Debug("duplicate discovery rejected", zap.Int("size", len(candidate)))
		return nil
	}
	w.stats.NewCoverage++
	count, total := w.global.Snapshot()
	w.logger.Info("new coverage",
		zap.Uint32("coverage", count),
		zap.Uint32("total_blocks", total),
		zap.String("seed", path))
	w.snapshot.Append(candidate)
	if w.seeds != nil {
		w.seeds.Submit(types.SeedMessage{
			SeedFile: path,
			Size:     len(candidate),
			Source:   types.SourceMutation,
			Coverage: count,
			Worker:   w.id,
			Round:    w.round,
			FoundAt:  time.Now(),
		})
	}
	return nil
}
