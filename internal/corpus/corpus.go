// Package corpus holds the inputs worth mutating: the seeds found on disk at
// startup plus every input that added coverage since.
package corpus

import (
	"blockfuzz/config"
	"blockfuzz/internal/coverage"
	"blockfuzz/internal/target"
	"blockfuzz/internal/utils"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

var ErrEmptyCorpus = errors.New("corpus is empty")

type digest [sha256.Size]byte

// Corpus is shared by every worker of the campaign. Entries are never
// modified once added, so snapshots may share their backing arrays.
type Corpus struct {
	logger        *zap.Logger
	dir           string
	ext           string
	dedupOnGrowth bool

	mu      sync.RWMutex
	entries [][]byte
	index   map[digest]struct{}
}

func NewCorpus(logger *zap.Logger, appConfig *config.AppConfig) *Corpus {
	fc := appConfig.FuzzConfig
	return &Corpus{
		logger:        logger.Named("corpus"),
		dir:           fc.CorpusDir,
		ext:           fc.InputExt,
		dedupOnGrowth: fc.DedupOnGrowth,
		index:         make(map[digest]struct{}),
	}
}

// Load replays every file of the corpus directory through runner once,
// merging its coverage into global. Non-empty files with distinct contents
// become the initial entries; the files already on disk are not rewritten.
// Each file is copied to replayPath first so the target always sees the
// configured input extension. The exit classification of a replay is ignored.
func (c *Corpus) Load(ctx context.Context, runner target.Runner, replayPath string, global *coverage.Global) (int, error) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read corpus folder %s: %w", c.dir, err)
	}

	replayed := 0
	for _, file := range files {
		if !file.Type().IsRegular() {
			continue
		}
		path := filepath.Join(c.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return replayed, fmt.Errorf("failed to read seed %s: %w", path, err)
		}
		if err := os.WriteFile(replayPath, data, 0644); err != nil {
			return replayed, fmt.Errorf("failed to write replay input: %w", err)
		}
		res, err := runner.Run(ctx, replayPath)
		if err != nil {
			return replayed, fmt.Errorf("failed to replay seed %s: %w", path, err)
		}
		replayed++

		if res.Outcome != target.Benign {
			c.logger.Warn("seed does not exit cleanly",
				zap.String("seed", path),
				zap.Stringer("outcome", res.Outcome))
		}
		if res.Sample != nil {
			global.Merge(res.Sample)
		}
		if len(data) > 0 {
			c.insert(data, true)
		}
	}

	count, total := global.Snapshot()
	c.logger.Info("corpus loaded",
		zap.String("dir", c.dir),
		zap.Int("files", replayed),
		zap.Int("unique", c.Len()),
		zap.Uint32("coverage", count),
		zap.Uint32("total_blocks", total))
	return replayed, nil
}

// Add appends data to the corpus and persists it under a fresh name in the
// corpus directory. With DEDUP_ON_GROWTH a duplicate is rejected and added is
// false; otherwise growth never looks at existing contents.
func (c *Corpus) Add(rng *rand.Rand, data []byte) (string, bool, error) {
	return c.add(rng, data, c.dedupOnGrowth)
}

// AddUnique is Add with deduplication regardless of configuration.
func (c *Corpus) AddUnique(rng *rand.Rand, data []byte) (string, bool, error) {
	return c.add(rng, data, true)
}

func (c *Corpus) add(rng *rand.Rand, data []byte, dedup bool) (string, bool, error) {
	if !c.insert(data, dedup) {
		return "", false, nil
	}
	path, err := utils.WriteUniqueFile(rng, c.dir, c.ext, data)
	if err != nil {
		return "", true, fmt.Errorf("failed to persist corpus entry: %w", err)
	}
	return path, true, nil
}

func (c *Corpus) insert(data []byte, dedup bool) bool {
	key := digest(sha256.Sum256(data))
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok && dedup {
		return false
	}
	c.index[key] = struct{}{}
	c.entries = append(c.entries, data)
	return true
}

func (c *Corpus) Contains(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[digest(sha256.Sum256(data))]
	return ok
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a private view of the current entries. Later additions to
// the corpus are not visible through it.
func (c *Corpus) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Snapshot{entries: append([][]byte(nil), c.entries...)}
}

// Snapshot is one worker's copy of the corpus. It is not safe for concurrent
// use.
type Snapshot struct {
	entries [][]byte
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// PickSeed returns a uniformly chosen entry.
func (s *Snapshot) PickSeed(rng *rand.Rand) ([]byte, error) {
	if len(s.entries) == 0 {
		return nil, ErrEmptyCorpus
	}
	return s.entries[rng.IntN(len(s.entries))], nil
}

// Append makes a worker's own discovery selectable for the rest of its run.
func (s *Snapshot) Append(data []byte) {
	s.entries = append(s.entries, data)
}
