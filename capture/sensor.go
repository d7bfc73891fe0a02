package capture

import (
	"fmt"

	"github.com/privmon/privmon/ring"
	"github.com/privmon/privmon/types"
)

// SyscallArgs carries the syscall-specific arguments a tracepoint
// hands to its probe. UID and GID are the numeric id arguments of the
// credential-changing syscalls. ReadPath models the bounded
// user-memory read of a path argument; it is nil for syscalls without
// one and may fail, in which case the filename stays empty.
type SyscallArgs struct {
	UID uint32
	GID uint32

	ReadPath func() (string, error)
}

// descriptor defines how one monitored syscall populates its record:
// the discriminator, the wire name, and which optional fields apply.
type descriptor struct {
	eventType uint32
	name      string
	fill      func(e *Event, args SyscallArgs)
}

// descriptors is the dispatch table for the eight monitored syscalls.
// Every probe follows the same reserve → zero → resolve → fill →
// commit sequence; only the fill step differs.
var descriptors = map[uint32]descriptor{
	types.EventSetuid: {types.EventSetuid, "setuid", func(e *Event, a SyscallArgs) {
		e.NewUID = a.UID
	}},
	types.EventSetreuid: {types.EventSetreuid, "setreuid", func(e *Event, a SyscallArgs) {
		e.NewUID = a.UID // effective uid argument
	}},
	types.EventSetresuid: {types.EventSetresuid, "setresuid", func(e *Event, a SyscallArgs) {
		e.NewUID = a.UID // effective uid argument
	}},
	types.EventSetgid: {types.EventSetgid, "setgid", func(e *Event, a SyscallArgs) {
		e.NewGID = a.GID
	}},
	types.EventExecve:  {types.EventExecve, "execve", fillPath},
	types.EventOpenat:  {types.EventOpenat, "openat", fillPath},
	types.EventChmod:   {types.EventChmod, "chmod", fillPath},
	types.EventCapset:  {types.EventCapset, "capset", func(e *Event, a SyscallArgs) {}},
}

func fillPath(e *Event, a SyscallArgs) {
	if a.ReadPath == nil {
		return
	}
	path, err := a.ReadPath()
	if err != nil {
		return // faulting user read leaves the filename empty
	}
	copyTrunc(e.Filename[:], path)
}

// Sensor captures syscall events into a ring. It is the portable
// counterpart of the BPF programs in bpf/: same record layout, same
// field-population rules, same non-blocking drop-on-exhaustion
// transport, which keeps the capture semantics testable off-kernel.
type Sensor struct {
	ring *ring.Ring
	now  func() uint64
}

// NewSensor creates a sensor writing into r, stamping records with
// the monotonic nanosecond clock now. The ring's slots must hold a
// full marshalled record; checking here means Capture never has to.
func NewSensor(r *ring.Ring, now func() uint64) (*Sensor, error) {
	if r.SlotSize() < EventSize {
		return nil, fmt.Errorf("ring slot size %d is smaller than the %d-byte record", r.SlotSize(), EventSize)
	}
	return &Sensor{ring: r, now: now}, nil
}

// Capture records one syscall invocation. It reserves a slot, fills
// the record in place and commits it. It returns false when the event
// type is unknown or the ring is full; a full ring is the expected
// lossy backpressure path, never an error. Capture does not block,
// allocate, or retry.
func (s *Sensor) Capture(task Task, eventType uint32, args SyscallArgs) bool {
	desc, ok := descriptors[eventType]
	if !ok {
		return false
	}

	res, ok := s.ring.Reserve()
	if !ok {
		return false // ring full: drop and move on
	}

	// Slot bytes are zeroed by Reserve; the record inherits that.
	var e Event
	ResolveContext(task, s.now, &e)
	e.EventType = desc.eventType
	copyTrunc(e.SyscallName[:], desc.name)
	desc.fill(&e, args)

	// res.Bytes() is at least EventSize (checked in NewSensor), so
	// Marshal cannot fail here.
	e.Marshal(res.Bytes())
	res.Commit()
	return true
}

// Dropped reports how many captures were lost to ring exhaustion.
func (s *Sensor) Dropped() uint64 {
	return s.ring.Dropped()
}
