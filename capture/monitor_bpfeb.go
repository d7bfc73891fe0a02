// Code generated by bpf2go; DO NOT EDIT.
//go:build mips || mips64 || ppc64 || s390x

package capture

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
)

// loadMonitor returns the embedded CollectionSpec for monitor.
func loadMonitor() (*ebpf.CollectionSpec, error) {
	reader := bytes.NewReader(_MonitorBytes)
	spec, err := ebpf.LoadCollectionSpecFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("can't load monitor: %w", err)
	}

	return spec, err
}

// loadMonitorObjects loads monitor and converts it into a struct.
//
// The following types are suitable as obj argument:
//
//	*monitorObjects
//	*monitorPrograms
//	*monitorMaps
//
// See ebpf.CollectionSpec.LoadAndAssign documentation for details.
func loadMonitorObjects(obj interface{}, opts *ebpf.CollectionOptions) error {
	spec, err := loadMonitor()
	if err != nil {
		return err
	}

	return spec.LoadAndAssign(obj, opts)
}

// monitorSpecs contains maps and programs before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type monitorSpecs struct {
	monitorProgramSpecs
	monitorMapSpecs
}

// monitorSpecs contains programs before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type monitorProgramSpecs struct {
	TracepointSyscallsSysEnterCapset    *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_capset"`
	TracepointSyscallsSysEnterChmod     *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_chmod"`
	TracepointSyscallsSysEnterExecve    *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_execve"`
	TracepointSyscallsSysEnterOpenat    *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_openat"`
	TracepointSyscallsSysEnterSetgid    *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_setgid"`
	TracepointSyscallsSysEnterSetresuid *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_setresuid"`
	TracepointSyscallsSysEnterSetreuid  *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_setreuid"`
	TracepointSyscallsSysEnterSetuid    *ebpf.ProgramSpec `ebpf:"tracepoint_syscalls_sys_enter_setuid"`
}

// monitorMapSpecs contains maps before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type monitorMapSpecs struct {
	Events *ebpf.MapSpec `ebpf:"events"`
	Stats  *ebpf.MapSpec `ebpf:"stats"`
}

// monitorObjects contains all objects after they have been loaded into the kernel.
//
// It can be passed to loadMonitorObjects or ebpf.CollectionSpec.LoadAndAssign.
type monitorObjects struct {
	monitorPrograms
	monitorMaps
}

func (o *monitorObjects) Close() error {
	return _MonitorClose(
		&o.monitorPrograms,
		&o.monitorMaps,
	)
}

// monitorMaps contains all maps after they have been loaded into the kernel.
//
// It can be passed to loadMonitorObjects or ebpf.CollectionSpec.LoadAndAssign.
type monitorMaps struct {
	Events *ebpf.Map `ebpf:"events"`
	Stats  *ebpf.Map `ebpf:"stats"`
}

func (m *monitorMaps) Close() error {
	return _MonitorClose(
		m.Events,
		m.Stats,
	)
}

// monitorPrograms contains all programs after they have been loaded into the kernel.
//
// It can be passed to loadMonitorObjects or ebpf.CollectionSpec.LoadAndAssign.
type monitorPrograms struct {
	TracepointSyscallsSysEnterCapset    *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_capset"`
	TracepointSyscallsSysEnterChmod     *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_chmod"`
	TracepointSyscallsSysEnterExecve    *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_execve"`
	TracepointSyscallsSysEnterOpenat    *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_openat"`
	TracepointSyscallsSysEnterSetgid    *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_setgid"`
	TracepointSyscallsSysEnterSetresuid *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_setresuid"`
	TracepointSyscallsSysEnterSetreuid  *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_setreuid"`
	TracepointSyscallsSysEnterSetuid    *ebpf.Program `ebpf:"tracepoint_syscalls_sys_enter_setuid"`
}

func (p *monitorPrograms) Close() error {
	return _MonitorClose(
		p.TracepointSyscallsSysEnterCapset,
		p.TracepointSyscallsSysEnterChmod,
		p.TracepointSyscallsSysEnterExecve,
		p.TracepointSyscallsSysEnterOpenat,
		p.TracepointSyscallsSysEnterSetgid,
		p.TracepointSyscallsSysEnterSetresuid,
		p.TracepointSyscallsSysEnterSetreuid,
		p.TracepointSyscallsSysEnterSetuid,
	)
}

func _MonitorClose(closers ...io.Closer) error {
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Do not access this directly.
//
//go:embed monitor_bpfeb.o
var _MonitorBytes []byte
