package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/privmon/privmon/ring"
	"github.com/privmon/privmon/types"
)

// Drives the full portable pipeline: sensor capture into the ring,
// blocking reads through the RecordReader interface, decode on the
// consumer side.
func TestRingReaderPipeline(t *testing.T) {
	s, r := newTestSensor(t, 8)
	reader := NewRingReader(r)
	defer reader.Close()

	task := &fakeTask{pid: 321, uid: 1000, gid: 1000, euid: 1000, comm: "bash"}
	if !s.Capture(task, types.EventOpenat, SyscallArgs{
		ReadPath: func() (string, error) { return "/etc/shadow", nil },
	}) {
		t.Fatal("capture failed")
	}

	rec, err := reader.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rec.RawSample) != EventSize {
		t.Fatalf("sample size = %d, want %d", len(rec.RawSample), EventSize)
	}

	e, err := DecodeEvent(rec.RawSample)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if e.PID != 321 || e.EventType != types.EventOpenat {
		t.Errorf("got pid=%d type=%d", e.PID, e.EventType)
	}
	if got := e.FilenameString(); got != "/etc/shadow" {
		t.Errorf("filename = %q", got)
	}
}

func TestRingReaderBlocksUntilCommit(t *testing.T) {
	s, r := newTestSensor(t, 8)
	reader := NewRingReader(r)
	defer reader.Close()

	got := make(chan Record, 1)
	go func() {
		rec, err := reader.Read()
		if err == nil {
			got <- rec
		}
	}()

	select {
	case <-got:
		t.Fatal("Read returned before any record was committed")
	case <-time.After(20 * time.Millisecond):
	}

	task := &fakeTask{pid: 1, uid: 1000, gid: 1000, euid: 1000, comm: "sh"}
	if !s.Capture(task, types.EventCapset, SyscallArgs{}) {
		t.Fatal("capture failed")
	}

	select {
	case rec := <-got:
		e, err := DecodeEvent(rec.RawSample)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		if e.EventType != types.EventCapset {
			t.Errorf("event type = %d, want capset", e.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake on commit")
	}
}

func TestRingReaderClose(t *testing.T) {
	r, err := ring.New(EventSize, 8)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	reader := NewRingReader(r)

	errCh := make(chan error, 1)
	go func() {
		_, err := reader.Read()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReaderClosed) {
			t.Errorf("err = %v, want ErrReaderClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Read did not observe Close")
	}
}
