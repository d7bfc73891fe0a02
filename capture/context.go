package capture

// Task is the opaque handle to the calling process's state at syscall
// entry. The hosting runtime hands one to the sensor per invocation;
// it must never be stored or shared across invocations.
//
// PID, UID, GID and Comm are always resolvable. EUID and Parent model
// the fallible credential and parent-task reads: on the kernel side
// these are bounded probe reads that can fault, so the resolver
// treats a failure as "unknown" and moves on.
type Task interface {
	PID() uint32
	UID() uint32
	GID() uint32
	Comm() string

	EUID() (uint32, error)
	Parent() (ParentInfo, error)
}

// ParentInfo is the subset of parent task state the resolver records.
type ParentInfo struct {
	PID  uint32
	Comm string
}

// ResolveContext fills the common fields of an event from the current
// task. PID, UID, GID, timestamp and comm are set unconditionally;
// EUID, PPID and parent comm are left zeroed when their reads fail.
// No read is retried and failures are silent: a record without parent
// context is still useful.
func ResolveContext(task Task, now func() uint64, e *Event) {
	e.PID = task.PID()
	e.UID = task.UID()
	e.GID = task.GID()
	e.Timestamp = now()
	copyTrunc(e.Comm[:], task.Comm())

	if euid, err := task.EUID(); err == nil {
		e.EUID = euid
	}

	if parent, err := task.Parent(); err == nil {
		e.PPID = parent.PID
		copyTrunc(e.ParentComm[:], parent.Comm)
	}
}

// copyTrunc copies s into dst, truncating to capacity minus one so a
// trailing NUL always remains, matching the kernel-side string
// helpers. dst is assumed zeroed.
func copyTrunc(dst []byte, s string) {
	n := len(dst) - 1
	if len(s) < n {
		n = len(s)
	}
	copy(dst, s[:n])
}
