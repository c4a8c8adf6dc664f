package corpus

import (
	"blockfuzz/internal/utils"
	"blockfuzz/pkg/telemetry"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Bootstrap unpacks a .tar.gz seed archive into the corpus directory (flat).
func (c *Corpus) Bootstrap(ctx context.Context, archive string) error {
	tracer := telemetry.FromContext(ctx).Spawn("unpacking seed archive")
	tracer.Start()
	defer tracer.End()

	if !utils.IsTarGz(archive) {
		c.logger.Error("seed archive is not a tar.gz file", zap.String("archive", archive))
		tracer.AddEvent("invalid_seed_archive", telemetry.EventAttributes{})
		return fmt.Errorf("seed archive %s is not a tar.gz file", archive)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create corpus folder: %w", err)
	}
	if err := utils.UnpackTarGz(archive, c.dir); err != nil {
		c.logger.Error("failed to unpack seed archive",
			zap.String("archive", archive),
			zap.String("corpus_folder", c.dir),
			zap.Error(err))
		return err
	}

	// how many seeds are there in the corpus?
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read corpus folder: %w", err)
	}
	c.logger.Info("seed archive unpacked",
		zap.String("archive", archive),
		zap.String("corpus_folder", c.dir),
		zap.Int("seed_count", len(files)))

	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithCorpusSize(len(files)))
	return nil
}
