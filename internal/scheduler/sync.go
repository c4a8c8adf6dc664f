package scheduler

import (
	"blockfuzz/internal/target"
	"blockfuzz/internal/types"
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// watchSyncDir starts collecting files created in SYNC_DIR. They are imported
// between rounds by importSyncInbox.
func (s *Scheduler) watchSyncDir(ctx context.Context) {
	if err := os.MkdirAll(s.cfg.SyncDir, 0755); err != nil {
		s.logger.Error("failed to create sync folder", zap.String("dir", s.cfg.SyncDir), zap.Error(err))
		return
	}
	watchDog := s.watchdogs.New(ctx, s.syncChan, isRegularFile)
	watchDog.AddDir(s.cfg.SyncDir)
	s.logger.Info("watching sync folder", zap.String("dir", s.cfg.SyncDir))
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// importSyncInbox replays every pending external seed and merges its
// coverage. Non-empty seeds that are not in the corpus yet are persisted and
// appended. Unreadable files are skipped; target failures are fatal.
func (s *Scheduler) importSyncInbox(ctx context.Context, runner target.Runner, round int) error {
	rng := s.importRand(round)
	imported := 0
	for {
		var path string
		select {
		case p, ok := <-s.syncChan:
			if !ok {
				s.syncChan = nil
				return s.logImport(imported)
			}
			path = p
		default:
			return s.logImport(imported)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable sync seed", zap.String("seed", path), zap.Error(err))
			continue
		}
		if s.corpus.Contains(data) {
			continue
		}
		replayPath := s.scratchPath("replay")
		if err := os.WriteFile(replayPath, data, 0644); err != nil {
			return err
		}
		res, err := runner.Run(ctx, replayPath)
		if err != nil {
			return err
		}
		if res.Outcome == target.Hang {
			s.logger.Warn("sync seed hangs the target", zap.String("seed", path))
			continue
		}
		if res.Sample != nil {
			s.global.Merge(res.Sample)
		}
		if len(data) == 0 {
			continue
		}
		seedPath, added, err := s.corpus.AddUnique(rng, data)
		if err != nil {
			return err
		}
		if !added {
			continue
		}
		imported++
		count, _ := s.global.Snapshot()
		s.seedManager.Submit(types.SeedMessage{
			SeedFile: seedPath,
			Size:     len(data),
			Source:   types.SourceSync,
			Coverage: count,
			Round:    round,
			FoundAt:  time.Now(),
		})
	}
}

func (s *Scheduler) logImport(imported int) error {
	if imported > 0 {
		s.logger.Info("imported sync seeds", zap.Int("count", imported), zap.Int("corpus_size", s.corpus.Len()))
	}
	return nil
}
