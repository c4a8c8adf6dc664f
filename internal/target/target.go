// Package target runs the instrumented binaries and classifies how each run
// ended.
package target

import (
	"blockfuzz/internal/coverage"
	"context"
	"syscall"
	"time"
)

type Outcome int

const (
	Benign Outcome = iota // exited with a status code
	Crash                 // terminated by a signal
	Hang                  // killed after the execution timeout
)

func (o Outcome) String() string {
	switch o {
	case Benign:
		return "benign"
	case Crash:
		return "crash"
	case Hang:
		return "hang"
	default:
		return "unknown"
	}
}

// Result describes one target execution. Sample is nil for a Hang: a killed
// target may have left a torn record behind.
type Result struct {
	Outcome  Outcome
	PID      int
	ExitCode int
	Signal   syscall.Signal
	Sample   *coverage.Map
	Duration time.Duration
}

// Runner executes the coverage target against one input file. A Runner owns
// its coverage channel and must not be shared between goroutines.
type Runner interface {
	Run(ctx context.Context, inputPath string) (*Result, error)
	Close() error
}

// Reproducer replays a crashing input through the sanitizer build and
// returns its diagnostic report.
type Reproducer interface {
	Reproduce(ctx context.Context, inputPath string) ([]byte, error)
}
