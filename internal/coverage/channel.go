package coverage

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

const (
	// ShmIDEnv names the segment a target must write its record into when the
	// channel runs in private mode.
	ShmIDEnv = "__BLOCKFUZZ_SHM_ID"
	// MapSizeEnv carries the record size in bytes alongside ShmIDEnv.
	MapSizeEnv = "__BLOCKFUZZ_MAP_SIZE"

	legacyKeyBase = 1234
)

var ErrSegment = errors.New("shared memory segment unavailable")

// Channel hands one execution's coverage record from the target back to
// the fuzzer. Prepare runs before the target starts, Fetch after it exited.
type Channel interface {
	Prepare(cmd *exec.Cmd) error
	Fetch(pid int) (*Map, error)
	Close() error
}

// KeyForPID is the legacy System V key a target derives from its own pid.
// Only 256 keys exist, so concurrently running targets can collide.
func KeyForPID(pid int) int {
	return legacyKeyBase + pid%0x100
}

// NewPrivateChannel creates a segment owned by the caller. Its id is passed to
// every prepared command through the environment, so concurrent channels never
// share a record.
func NewPrivateChannel(bitmapSize int) (Channel, error) {
	seg, err := CreatePrivateSegment(RecordSize(bitmapSize))
	if err != nil {
		return nil, err
	}
	return &privateChannel{seg, bitmapSize}, nil
}

// NewPIDChannel attaches, after each run, to the segment the target created
// under KeyForPID(pid).
func NewPIDChannel(bitmapSize int) Channel {
	return &pidChannel{bitmapSize}
}

type privateChannel struct {
	seg        *Segment
	bitmapSize int
}

func (c *privateChannel) Prepare(cmd *exec.Cmd) error {
	clear(c.seg.Bytes())
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env,
		ShmIDEnv+"="+strconv.Itoa(c.seg.ID()),
		MapSizeEnv+"="+strconv.Itoa(RecordSize(c.bitmapSize)),
	)
	return nil
}

func (c *privateChannel) Fetch(pid int) (*Map, error) {
	return Decode(c.seg.Bytes(), c.bitmapSize)
}

func (c *privateChannel) Close() error {
	detachErr := c.seg.Detach()
	if err := c.seg.Remove(); err != nil {
		return err
	}
	return detachErr
}

type pidChannel struct {
	bitmapSize int
}

func (c *pidChannel) Prepare(cmd *exec.Cmd) error {
	return nil
}

// Fetch leaves the segment in place: the next target hashing to the same key
// reuses it.
func (c *pidChannel) Fetch(pid int) (*Map, error) {
	seg, err := OpenKeySegment(KeyForPID(pid), RecordSize(c.bitmapSize), false)
	if err != nil {
		return nil, fmt.Errorf("failed to attach coverage of pid %d: %w", pid, err)
	}
	defer seg.Detach()
	return Decode(seg.Bytes(), c.bitmapSize)
}

func (c *pidChannel) Close() error {
	return nil
}

// Publish is the target side of the private-mode contract: it writes sample
// into the segment named by ShmIDEnv.
func Publish(sample *Map) error {
	raw := os.Getenv(ShmIDEnv)
	if raw == "" {
		return fmt.Errorf("%w: %s is not set", ErrSegment, ShmIDEnv)
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: bad %s %q", ErrSegment, ShmIDEnv, raw)
	}
	seg, err := AttachSegment(id)
	if err != nil {
		return err
	}
	defer seg.Detach()
	return sample.Encode(seg.Bytes())
}
