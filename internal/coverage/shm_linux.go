//go:build linux

package coverage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Segment is an attached System V shared memory segment.
type Segment struct {
	id  int
	mem []byte
}

// CreatePrivateSegment creates and attaches a fresh IPC_PRIVATE segment.
func CreatePrivateSegment(size int) (*Segment, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: shmget private (%d bytes): %v", ErrSegment, size, err)
	}
	seg, err := AttachSegment(id)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, err
	}
	return seg, nil
}

// AttachSegment attaches an existing segment by id.
func AttachSegment(id int) (*Segment, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: shmat %d: %v", ErrSegment, id, err)
	}
	return &Segment{id, mem}, nil
}

// OpenKeySegment looks up (or, with create, creates) the segment for key and
// attaches it.
func OpenKeySegment(key, size int, create bool) (*Segment, error) {
	flags := 0o666
	if create {
		flags |= unix.IPC_CREAT
	}
	id, err := unix.SysvShmGet(key, size, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: shmget key %d: %v", ErrSegment, key, err)
	}
	return AttachSegment(id)
}

func (s *Segment) ID() int {
	return s.id
}

func (s *Segment) Bytes() []byte {
	return s.mem
}

func (s *Segment) Detach() error {
	if s.mem == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.mem)
	s.mem = nil
	return err
}

// Remove marks the segment for destruction once every process detached.
func (s *Segment) Remove() error {
	_, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil)
	return err
}
