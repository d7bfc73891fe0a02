//go:build linux
// +build linux

// This file contains the Linux-specific eBPF implementation of the
// capture path. It loads the compiled syscall_monitor programs,
// attaches one tracepoint per monitored syscall and exposes the BPF
// ring buffer through the platform-agnostic RecordReader interface.

package capture

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" monitor ../bpf/syscall_monitor.c -- -I../bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// ringbufReaderWrapper adapts the eBPF ringbuf.Reader to the
// RecordReader interface so the reader loop stays independent of the
// eBPF implementation details.
type ringbufReaderWrapper struct {
	*ringbuf.Reader
}

func (w *ringbufReaderWrapper) Read() (Record, error) {
	record, err := w.Reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return Record{}, ErrReaderClosed
		}
		return Record{}, err
	}
	return Record{RawSample: record.RawSample}, nil
}

var objs monitorObjects

// tracepoints is the fixed attachment set: one syscall-entry
// tracepoint per monitored syscall.
var tracepoints = []struct {
	name string
	prog func(*monitorObjects) *ebpf.Program
}{
	{"sys_enter_setuid", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterSetuid }},
	{"sys_enter_setreuid", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterSetreuid }},
	{"sys_enter_setresuid", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterSetresuid }},
	{"sys_enter_setgid", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterSetgid }},
	{"sys_enter_execve", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterExecve }},
	{"sys_enter_openat", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterOpenat }},
	{"sys_enter_chmod", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterChmod }},
	{"sys_enter_capset", func(o *monitorObjects) *ebpf.Program { return o.TracepointSyscallsSysEnterCapset }},
}

// InitBPF loads the BPF programs, attaches all eight syscall
// tracepoints and returns a reader over the shared ring buffer plus a
// cleanup function that detaches in reverse order.
func InitBPF() (RecordReader, func(), error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	if err := loadMonitorObjects(&objs, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load BPF objects: %w", err)
	}

	reader, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		objs.Close()
		return nil, nil, fmt.Errorf("failed to create ringbuf reader: %w", err)
	}

	var cleanupFuncs []func()
	cleanupFuncs = append(cleanupFuncs, func() {
		reader.Close()
		objs.Close()
	})

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	for _, tp := range tracepoints {
		l, err := link.Tracepoint("syscalls", tp.name, tp.prog(&objs), nil)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to attach %s tracepoint: %w", tp.name, err)
		}
		cleanupFuncs = append(cleanupFuncs, func() { l.Close() })
	}

	return &ringbufReaderWrapper{reader}, cleanup, nil
}
