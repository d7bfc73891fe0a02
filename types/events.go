package types

// Event type constants
//
// The numeric values are part of the wire contract with the BPF
// programs in bpf/ and must stay in sync with hooks.h.
const (
	EventSetuid    = 1 // setuid syscall
	EventExecve    = 2 // execve syscall
	EventOpenat    = 3 // openat syscall
	EventChmod     = 4 // chmod syscall
	EventCapset    = 5 // capset syscall
	EventSetgid    = 6 // setgid syscall
	EventSetreuid  = 7 // setreuid syscall
	EventSetresuid = 8 // setresuid syscall
)

// EventTypeNames maps event type discriminators to syscall names.
var EventTypeNames = map[uint32]string{
	EventSetuid:    "setuid",
	EventExecve:    "execve",
	EventOpenat:    "openat",
	EventChmod:     "chmod",
	EventCapset:    "capset",
	EventSetgid:    "setgid",
	EventSetreuid:  "setreuid",
	EventSetresuid: "setresuid",
}

// EventTypeName returns the syscall name for an event type, or
// "unknown" for values outside the defined set.
func EventTypeName(eventType uint32) string {
	if name, ok := EventTypeNames[eventType]; ok {
		return name
	}
	return "unknown"
}

// Severity levels for alerts
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)
