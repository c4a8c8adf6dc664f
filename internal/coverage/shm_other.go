//go:build !linux

package coverage

import "fmt"

type Segment struct {
	id  int
	mem []byte
}

func CreatePrivateSegment(size int) (*Segment, error) {
	return nil, fmt.Errorf("%w: System V shared memory is only wired on linux", ErrSegment)
}

func AttachSegment(id int) (*Segment, error) {
	return nil, fmt.Errorf("%w: System V shared memory is only wired on linux", ErrSegment)
}

func OpenKeySegment(key, size int, create bool) (*Segment, error) {
	return nil, fmt.Errorf("%w: System V shared memory is only wired on linux", ErrSegment)
}

func (s *Segment) ID() int       { return s.id }
func (s *Segment) Bytes() []byte { return s.mem }
func (s *Segment) Detach() error { return nil }
func (s *Segment) Remove() error { return nil }
