package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/privmon/privmon/types"
)

// Field capacities shared with bpf/hooks.h.
const (
	CommLen     = 16
	FilenameLen = 256
	SyscallLen  = 32
)

// EventSize is the fixed wire size of one Event in bytes.
const EventSize = 360

// Event is the fixed-layout record emitted for every monitored
// syscall. It mirrors struct event_t in bpf/hooks.h byte for byte:
// the 8-byte timestamp leads, the 4-byte fields follow, then the
// fixed text arrays, so the struct carries no alignment padding and
// the layout is identical on both sides of the transport.
//
// EventType is the only field a consumer may trust unconditionally.
// NewUID, NewGID and Filename are meaningful only for the event types
// that set them; PPID, EUID and ParentComm are best-effort and stay
// zero when the kernel-side read failed. Zero in any optional field
// means "unknown", never "value 0".
type Event struct {
	Timestamp uint64

	PID       uint32
	PPID      uint32
	UID       uint32
	EUID      uint32
	GID       uint32
	NewUID    uint32
	NewGID    uint32
	EventType uint32

	Comm        [CommLen]byte
	ParentComm  [CommLen]byte
	Filename    [FilenameLen]byte
	SyscallName [SyscallLen]byte
}

// DecodeEvent parses one raw ring buffer sample into an Event.
func DecodeEvent(raw []byte) (*Event, error) {
	if len(raw) < EventSize {
		return nil, fmt.Errorf("short event sample: %d bytes, want %d", len(raw), EventSize)
	}
	var e Event
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &e, nil
}

// Marshal writes the event into buf at the fixed wire offsets.
// buf must be at least EventSize bytes. It never allocates.
func (e *Event) Marshal(buf []byte) error {
	if len(buf) < EventSize {
		return fmt.Errorf("short buffer: %d bytes, want %d", len(buf), EventSize)
	}
	binary.LittleEndian.PutUint64(buf[0:8], e.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:12], e.PID)
	binary.LittleEndian.PutUint32(buf[12:16], e.PPID)
	binary.LittleEndian.PutUint32(buf[16:20], e.UID)
	binary.LittleEndian.PutUint32(buf[20:24], e.EUID)
	binary.LittleEndian.PutUint32(buf[24:28], e.GID)
	binary.LittleEndian.PutUint32(buf[28:32], e.NewUID)
	binary.LittleEndian.PutUint32(buf[32:36], e.NewGID)
	binary.LittleEndian.PutUint32(buf[36:40], e.EventType)
	copy(buf[40:56], e.Comm[:])
	copy(buf[56:72], e.ParentComm[:])
	copy(buf[72:328], e.Filename[:])
	copy(buf[328:360], e.SyscallName[:])
	return nil
}

func cstring(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// CommString returns the process name with NUL padding stripped.
func (e *Event) CommString() string { return cstring(e.Comm[:]) }

// ParentCommString returns the parent process name, or "" when the
// parent read failed.
func (e *Event) ParentCommString() string { return cstring(e.ParentComm[:]) }

// FilenameString returns the path argument for path-taking syscalls,
// or "" for other event types and failed reads.
func (e *Event) FilenameString() string { return cstring(e.Filename[:]) }

// SyscallNameString returns the human-readable syscall name, falling
// back to the event type when the field is empty.
func (e *Event) SyscallNameString() string {
	if s := cstring(e.SyscallName[:]); s != "" {
		return s
	}
	return types.EventTypeName(e.EventType)
}
