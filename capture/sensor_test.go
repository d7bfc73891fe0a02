package capture

import (
	"errors"
	"strings"
	"testing"

	"github.com/privmon/privmon/ring"
	"github.com/privmon/privmon/types"
)

// fakeTask simulates the ambient task state a tracepoint sees,
// including fallible credential and parent reads.
type fakeTask struct {
	pid, uid, gid uint32
	comm          string

	euid    uint32
	euidErr error

	parent    ParentInfo
	parentErr error
}

func (t *fakeTask) PID() uint32  { return t.pid }
func (t *fakeTask) UID() uint32  { return t.uid }
func (t *fakeTask) GID() uint32  { return t.gid }
func (t *fakeTask) Comm() string { return t.comm }

func (t *fakeTask) EUID() (uint32, error) { return t.euid, t.euidErr }

func (t *fakeTask) Parent() (ParentInfo, error) { return t.parent, t.parentErr }

func newTestSensor(t *testing.T, slots int) (*Sensor, *ring.Ring) {
	t.Helper()
	r, err := ring.New(EventSize, slots)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	var tick uint64
	s, err := NewSensor(r, func() uint64 { tick++; return tick })
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	return s, r
}

func TestNewSensorRejectsUndersizedSlots(t *testing.T) {
	r, err := ring.New(EventSize-1, 4)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	if _, err := NewSensor(r, func() uint64 { return 0 }); err == nil {
		t.Fatal("expected an error for slots smaller than the record")
	}
}

func drainOne(t *testing.T, r *ring.Ring) *Event {
	t.Helper()
	raw, ok := r.Read()
	if !ok {
		t.Fatal("no committed record")
	}
	e, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	return e
}

func TestCaptureSetuidToRoot(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{
		pid: 1234, uid: 1000, gid: 1000, comm: "bash",
		euid:   1000,
		parent: ParentInfo{PID: 1, Comm: "systemd"},
	}

	if !s.Capture(task, types.EventSetuid, SyscallArgs{UID: 0}) {
		t.Fatal("Capture failed")
	}

	e := drainOne(t, r)
	if e.EventType != types.EventSetuid {
		t.Errorf("EventType = %d, want %d", e.EventType, types.EventSetuid)
	}
	if e.UID != 1000 || e.NewUID != 0 {
		t.Errorf("uid = %d, new_uid = %d, want 1000, 0", e.UID, e.NewUID)
	}
	if e.NewGID != 0 {
		t.Errorf("new_gid = %d, want 0 for setuid", e.NewGID)
	}
	if e.CommString() != "bash" || e.ParentCommString() != "systemd" {
		t.Errorf("comm = %q, parent = %q", e.CommString(), e.ParentCommString())
	}
	if e.PPID != 1 || e.EUID != 1000 {
		t.Errorf("ppid = %d, euid = %d", e.PPID, e.EUID)
	}
	if e.SyscallNameString() != "setuid" {
		t.Errorf("syscall name = %q", e.SyscallNameString())
	}
	if e.FilenameString() != "" {
		t.Errorf("filename = %q, want empty", e.FilenameString())
	}
	if e.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestCaptureSetgid(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 1, uid: 1000, gid: 1000, comm: "sh"}

	s.Capture(task, types.EventSetgid, SyscallArgs{GID: 0})

	e := drainOne(t, r)
	if e.EventType != types.EventSetgid || e.NewGID != 0 {
		t.Errorf("type = %d, new_gid = %d", e.EventType, e.NewGID)
	}
	if e.NewUID != 0 {
		t.Errorf("new_uid = %d, want 0 for setgid", e.NewUID)
	}
}

func TestCaptureOpenatShadow(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 99, uid: 1000, gid: 1000, comm: "cat"}
	args := SyscallArgs{ReadPath: func() (string, error) { return "/etc/shadow", nil }}

	if !s.Capture(task, types.EventOpenat, args) {
		t.Fatal("Capture failed")
	}

	e := drainOne(t, r)
	if e.EventType != types.EventOpenat {
		t.Errorf("EventType = %d", e.EventType)
	}
	if e.FilenameString() != "/etc/shadow" {
		t.Errorf("filename = %q, want /etc/shadow", e.FilenameString())
	}
}

func TestCaptureCapset(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 7, uid: 1000, gid: 1000, comm: "exploit"}

	s.Capture(task, types.EventCapset, SyscallArgs{})

	e := drainOne(t, r)
	if e.EventType != types.EventCapset {
		t.Errorf("EventType = %d", e.EventType)
	}
	if e.NewUID != 0 || e.NewGID != 0 || e.FilenameString() != "" {
		t.Errorf("capset record carries optional fields: new_uid=%d new_gid=%d filename=%q",
			e.NewUID, e.NewGID, e.FilenameString())
	}
}

func TestCaptureDropsWhenRingFull(t *testing.T) {
	s, r := newTestSensor(t, 2)
	task := &fakeTask{pid: 1, uid: 0, gid: 0, comm: "burst"}

	// Fill the ring without draining.
	for i := 0; i < 2; i++ {
		if !s.Capture(task, types.EventCapset, SyscallArgs{}) {
			t.Fatalf("Capture %d failed below capacity", i)
		}
	}

	// Further captures must drop, and must not add records.
	if s.Capture(task, types.EventCapset, SyscallArgs{}) {
		t.Fatal("Capture succeeded on full ring")
	}
	if got := s.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}

	seen := 0
	for {
		if _, ok := r.Read(); !ok {
			break
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("drained %d records, want 2", seen)
	}
}

func TestCaptureFailedContextReadsLeaveZeroes(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{
		pid: 5, uid: 1000, gid: 1000, comm: "proc",
		euidErr:   errors.New("fault"),
		parentErr: errors.New("fault"),
	}

	s.Capture(task, types.EventSetuid, SyscallArgs{UID: 0})

	e := drainOne(t, r)
	if e.EUID != 0 || e.PPID != 0 || e.ParentCommString() != "" {
		t.Errorf("failed reads not zeroed: euid=%d ppid=%d parent=%q",
			e.EUID, e.PPID, e.ParentCommString())
	}
	// Record remains useful regardless.
	if e.PID != 5 || e.CommString() != "proc" {
		t.Errorf("common fields lost: pid=%d comm=%q", e.PID, e.CommString())
	}
}

func TestCaptureFailedPathReadLeavesFilenameEmpty(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 5, uid: 1000, gid: 1000, comm: "exec"}
	args := SyscallArgs{ReadPath: func() (string, error) { return "", errors.New("efault") }}

	if !s.Capture(task, types.EventExecve, args) {
		t.Fatal("Capture aborted on failed path read")
	}
	if e := drainOne(t, r); e.FilenameString() != "" {
		t.Errorf("filename = %q, want empty", e.FilenameString())
	}
}

func TestCaptureTruncatesLongPath(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 5, uid: 1000, gid: 1000, comm: "exec"}
	long := "/" + strings.Repeat("a", 2*FilenameLen)
	args := SyscallArgs{ReadPath: func() (string, error) { return long, nil }}

	s.Capture(task, types.EventExecve, args)

	got := drainOne(t, r).FilenameString()
	if len(got) != FilenameLen-1 {
		t.Errorf("truncated length = %d, want %d", len(got), FilenameLen-1)
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncated filename is not a prefix of the path argument")
	}
}

func TestCaptureUnknownEventType(t *testing.T) {
	s, r := newTestSensor(t, 8)
	task := &fakeTask{pid: 1, uid: 0, gid: 0, comm: "x"}

	if s.Capture(task, 42, SyscallArgs{}) {
		t.Fatal("Capture accepted unknown event type")
	}
	if _, ok := r.Read(); ok {
		t.Error("record committed for unknown event type")
	}
}

func TestAllDescriptorsProduceValidRecords(t *testing.T) {
	s, r := newTestSensor(t, 16)
	task := &fakeTask{pid: 1, uid: 1000, gid: 1000, comm: "tester"}
	path := func() (string, error) { return "/etc/passwd", nil }

	cases := []struct {
		eventType uint32
		args      SyscallArgs
		name      string
	}{
		{types.EventSetuid, SyscallArgs{UID: 0}, "setuid"},
		{types.EventExecve, SyscallArgs{ReadPath: path}, "execve"},
		{types.EventOpenat, SyscallArgs{ReadPath: path}, "openat"},
		{types.EventChmod, SyscallArgs{ReadPath: path}, "chmod"},
		{types.EventCapset, SyscallArgs{}, "capset"},
		{types.EventSetgid, SyscallArgs{GID: 0}, "setgid"},
		{types.EventSetreuid, SyscallArgs{UID: 0}, "setreuid"},
		{types.EventSetresuid, SyscallArgs{UID: 0}, "setresuid"},
	}

	for _, tc := range cases {
		if !s.Capture(task, tc.eventType, tc.args) {
			t.Fatalf("%s: Capture failed", tc.name)
		}
		e := drainOne(t, r)
		if e.EventType != tc.eventType {
			t.Errorf("%s: EventType = %d, want %d", tc.name, e.EventType, tc.eventType)
		}
		if e.SyscallNameString() != tc.name {
			t.Errorf("%s: syscall name = %q", tc.name, e.SyscallNameString())
		}
		if e.CommString() == "" {
			t.Errorf("%s: comm is empty", tc.name)
		}
	}
}
