package scheduler

import (
	"blockfuzz/internal/types"
	"blockfuzz/pkg/telemetry"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

const (
	StatsKey = "blockfuzz:stats:%s"
	statsTTL = 7 * 24 * time.Hour
)

// Progress is the campaign state rendered after every round.
type Progress struct {
	Round       int // rounds completed
	Rounds      int
	Iterations  int
	Elapsed     time.Duration
	Coverage    uint32
	TotalBlocks uint32
	Crashes     int
	Hangs       int
	CorpusSize  int
	CPUPercent  float64
}

func (p Progress) Percent() float64 {
	if p.TotalBlocks == 0 {
		return 0
	}
	return 100 * float64(p.Coverage) / float64(p.TotalBlocks)
}

func (p Progress) ExecsPerSec() float64 {
	return rate(p.Iterations, p.Elapsed)
}

// Bar renders one '+' per finished round and one '-' per remaining round.
func (p Progress) Bar() string {
	done := min(max(p.Round, 0), p.Rounds)
	return "[" + strings.Repeat("+", done) + strings.Repeat("-", p.Rounds-done) + "]"
}

type Reporter struct {
	logger   *zap.Logger
	out      io.Writer
	redis    *redis.Client
	campaign *types.Campaign
}

func NewReporter(logger *zap.Logger, out io.Writer, redisClient *redis.Client, campaign *types.Campaign) *Reporter {
	return &Reporter{logger.Named("report"), out, redisClient, campaign}
}

// Report prints the progress table, logs it, and publishes it to Redis and
// the round span when those are available. Sink failures are only logged.
func (r *Reporter) Report(ctx context.Context, p Progress) {
	r.render(p)

	r.logger.Info("campaign progress",
		zap.String("progress", p.Bar()),
		zap.Int("round", p.Round),
		zap.Int("iterations", p.Iterations),
		zap.Duration("elapsed", p.Elapsed),
		zap.Uint32("coverage", p.Coverage),
		zap.Uint32("total_blocks", p.TotalBlocks),
		zap.Float64("coverage_percent", p.Percent()),
		zap.Int("crashes", p.Crashes),
		zap.Int("hangs", p.Hangs),
		zap.Int("corpus_size", p.CorpusSize),
		zap.Float64("execs_per_sec", p.ExecsPerSec()),
		zap.Float64("cpu_percent", p.CPUPercent))

	telemetry.FromContext(ctx).WithAttributes(telemetry.EmptySpanAttributes().
		WithCoverage(int(p.Coverage), int(p.TotalBlocks)).
		WithCrashes(p.Crashes, p.Hangs).
		WithCorpusSize(p.CorpusSize).
		WithThroughput(p.Iterations, p.ExecsPerSec()))

	if r.redis != nil {
		if err := r.publish(ctx, p); err != nil {
			r.logger.Warn("failed to publish stats to redis", zap.Error(err))
		}
	}
}

func (r *Reporter) render(p Progress) {
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"progress", "iterations", "elapsed", "coverage", "crashes", "hangs", "corpus", "exec/s", "cpu"})
	table.Append([]string{
		p.Bar(),
		fmt.Sprintf("%d", p.Iterations),
		fmt.Sprintf("%.1fs", p.Elapsed.Seconds()),
		fmt.Sprintf("%d/%d (%.2f%%)", p.Coverage, p.TotalBlocks, p.Percent()),
		fmt.Sprintf("%d", p.Crashes),
		fmt.Sprintf("%d", p.Hangs),
		fmt.Sprintf("%d", p.CorpusSize),
		fmt.Sprintf("%.1f", p.ExecsPerSec()),
		fmt.Sprintf("%.1f%%", p.CPUPercent),
	})
	table.Render()
}

func (r *Reporter) publish(ctx context.Context, p Progress) error {
	key := fmt.Sprintf(StatsKey, r.campaign.ID)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"round":         p.Round,
		"rounds":        p.Rounds,
		"iterations":    p.Iterations,
		"elapsed_sec":   p.Elapsed.Seconds(),
		"coverage":      p.Coverage,
		"total_blocks":  p.TotalBlocks,
		"crashes":       p.Crashes,
		"hangs":         p.Hangs,
		"corpus_size":   p.CorpusSize,
		"execs_per_sec": p.ExecsPerSec(),
		"updated_at":    time.Now().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, statsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// hostCPUPercent is the host-wide utilisation since the previous call.
func hostCPUPercent(logger *zap.Logger) float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		logger.Debug("failed to read cpu usage", zap.Error(err))
		return 0
	}
	return percents[0]
}
