package target

import (
	"blockfuzz/config"
	"blockfuzz/internal/coverage"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Executor spawns target and sanitizer processes according to the fuzz
// configuration.
type Executor struct {
	logger       *zap.Logger
	targetBin    string
	sanitizerBin string
	timeout      time.Duration
	bitmapSize   int
	shmMode      string

	emptyRecord sync.Once
}

func NewExecutor(logger *zap.Logger, appConfig *config.AppConfig) *Executor {
	fc := appConfig.FuzzConfig
	return &Executor{
		logger:       logger.Named("target"),
		targetBin:    fc.TargetBin,
		sanitizerBin: fc.SanitizerBin,
		timeout:      fc.ExecTimeout,
		bitmapSize:   fc.BitmapSize,
		shmMode:      fc.ShmMode,
	}
}

// Open returns a Runner with its own coverage channel. Failing to set up the
// channel means the host cannot run the campaign at all.
func (e *Executor) Open() (Runner, error) {
	var channel coverage.Channel
	switch e.shmMode {
	case config.ShmModePID:
		channel = coverage.NewPIDChannel(e.bitmapSize)
	default:
		ch, err := coverage.NewPrivateChannel(e.bitmapSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create coverage channel: %w", err)
		}
		channel = ch
	}
	return &session{
		logger:      e.logger,
		bin:         e.targetBin,
		timeout:     e.timeout,
		channel:     channel,
		shmMode:     e.shmMode,
		emptyRecord: &e.emptyRecord,
	}, nil
}

// Reproduce runs the sanitizer build against inputPath and returns whatever it
// printed on stderr. The exit status is not consulted. A sanitizer run that
// outlives the timeout is killed and its partial report returned.
func (e *Executor) Reproduce(ctx context.Context, inputPath string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.sanitizerBin, inputPath)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() != nil {
		e.logger.Warn("sanitizer timed out",
			zap.String("input", inputPath),
			zap.Duration("timeout", e.timeout))
		return stderr.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("failed to run sanitizer %s: %w", e.sanitizerBin, err)
	}
	return stderr.Bytes(), nil
}

type session struct {
	logger      *zap.Logger
	bin         string
	timeout     time.Duration
	channel     coverage.Channel
	shmMode     string
	emptyRecord *sync.Once
}

func (s *session) Run(ctx context.Context, inputPath string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// stdout and stderr stay nil so both go to the null device
	cmd := exec.CommandContext(runCtx, s.bin, inputPath)
	if err := s.channel.Prepare(cmd); err != nil {
		return nil, fmt.Errorf("failed to prepare coverage channel: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start target %s: %w", s.bin, err)
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	result := &Result{PID: pid, Duration: time.Since(start), ExitCode: -1}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() != nil {
		result.Outcome = Hang
		s.logger.Debug("target hung", zap.String("input", inputPath), zap.Int("pid", pid))
		return result, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, fmt.Errorf("failed to wait for target %d: %w", pid, waitErr)
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Outcome = Crash
		result.Signal = status.Signal()
	} else {
		result.Outcome = Benign
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	// coverage is collected for crashing runs too
	sample, err := s.channel.Fetch(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coverage: %w", err)
	}
	result.Sample = sample
	if _, total := sample.Snapshot(); total == 0 && result.Outcome == Benign {
		s.emptyRecord.Do(func() {
			s.logger.Warn("target exited without writing its coverage record, check that it speaks the configured shm mode",
				zap.String("target", s.bin),
				zap.String("shm_mode", s.shmMode))
		})
	}
	return result, nil
}

func (s *session) Close() error {
	return s.channel.Close()
}
