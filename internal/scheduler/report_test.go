package scheduler

import (
	"blockfuzz/internal/types"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[---]", Progress{Round: 0, Rounds: 3}.Bar())
	assert.Equal(t, "[++-]", Progress{Round: 2, Rounds: 3}.Bar())
	assert.Equal(t, "[+++]", Progress{Round: 5, Rounds: 3}.Bar())
	assert.Equal(t, "[]", Progress{}.Bar())
}

func TestProgressRates(t *testing.T) {
	p := Progress{Iterations: 500, Elapsed: 2 * time.Second, Coverage: 10, TotalBlocks: 40}
	assert.InDelta(t, 250.0, p.ExecsPerSec(), 1e-9)
	assert.InDelta(t, 25.0, p.Percent(), 1e-9)

	assert.Zero(t, Progress{Iterations: 5}.ExecsPerSec())
	assert.Zero(t, Progress{Coverage: 5}.Percent())
}

func TestReportRendersTable(t *testing.T) {
	out := &bytes.Buffer{}
	r := NewReporter(zaptest.NewLogger(t), out, nil, types.NewCampaign())

	r.Report(context.Background(), Progress{
		Round:       1,
		Rounds:      4,
		Iterations:  1000,
		Elapsed:     4 * time.Second,
		Coverage:    130,
		TotalBlocks: 651,
		Crashes:     3,
		Hangs:       1,
		CorpusSize:  12,
	})

	table := out.String()
	assert.Contains(t, table, "PROGRESS")
	assert.Contains(t, table, "[+---]")
	assert.Contains(t, table, "130/651 (19.97%)")
	assert.Contains(t, table, "250.0")
}
