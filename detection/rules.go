package detection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/privmon/privmon/capture"
	"github.com/privmon/privmon/types"
)

// Alert is one rule match on a captured event.
type Alert struct {
	RuleID      string
	RuleName    string
	Severity    string
	Confidence  float64
	Description string
	Event       *capture.Event
}

// correlationWindow is how long escalation signals for a pid stay
// live before RULE-10 forgets them.
const correlationWindow = 15 * time.Second

// capsetWindow is the maximum delay between a capset call and a root
// exec for RULE-08 to fire.
const capsetWindow = 5 * time.Second

var (
	writablePaths   = []string{"/tmp/", "/dev/shm/", "/var/tmp/"}
	credentialFiles = map[string]bool{"/etc/shadow": true, "/etc/gshadow": true}
	dockerSockets   = map[string]bool{"/var/run/docker.sock": true, "/run/docker.sock": true}
	kernelTools     = map[string]bool{"insmod": true, "modprobe": true, "rmmod": true}

	sudoersFile = "/etc/sudoers"

	// Processes that legitimately touch sensitive files.
	safeShadow = map[string]bool{
		"passwd": true, "chpasswd": true, "chage": true, "useradd": true,
		"usermod": true, "shadow": true, "unix_chkpwd": true, "sudo": true, "su": true,
	}
	safeSSH     = map[string]bool{"sshd": true, "ssh-keygen": true, "ssh-keyscan": true}
	safeDocker  = map[string]bool{"dockerd": true, "containerd": true, "docker": true, "dockerd-current": true}
	safeSudoers = map[string]bool{"visudo": true, "dpkg": true, "apt": true, "apt-get": true, "ansible": true, "sudo": true}

	// Legitimate uid switchers that would otherwise trip RULE-01.
	safeSetuid = map[string]bool{
		"sudo": true, "su": true, "pkexec": true, "newgrp": true, "passwd": true,
		"gdbus": true, "vmtoolsd": true, "polkit": true, "dbus-daemon": true,
	}

	uidChangeSyscalls = map[uint32]bool{
		types.EventSetuid:    true,
		types.EventSetreuid:  true,
		types.EventSetresuid: true,
	}
)

// isProcMem reports whether path is /proc/<pid>/mem.
func isProcMem(path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return len(parts) == 3 && parts[0] == "proc" && parts[2] == "mem"
}

func startsWithAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RuleEngine evaluates the privilege-escalation rule set. It keeps
// short-lived per-pid state for the capset and signal-correlation
// rules; all state is pruned by its time window.
type RuleEngine struct {
	mu         sync.Mutex
	signals    map[uint32]map[string]bool
	signalTime map[uint32]time.Time
	capsetSeen map[uint32]time.Time
	now        func() time.Time
}

// NewRuleEngine creates a rule engine using the wall clock.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		signals:    make(map[uint32]map[string]bool),
		signalTime: make(map[uint32]time.Time),
		capsetSeen: make(map[uint32]time.Time),
		now:        time.Now,
	}
}

func (r *RuleEngine) register(pid uint32, signal string) {
	if _, ok := r.signalTime[pid]; !ok {
		r.signalTime[pid] = r.now()
	}
	if r.signals[pid] == nil {
		r.signals[pid] = make(map[string]bool)
	}
	r.signals[pid][signal] = true
}

// confirmedEscalation fires when a pid accumulated two or more
// distinct escalation signals inside the correlation window.
func (r *RuleEngine) confirmedEscalation(pid uint32, e *capture.Event) *Alert {
	first, ok := r.signalTime[pid]
	if !ok {
		return nil
	}
	if r.now().Sub(first) > correlationWindow {
		delete(r.signals, pid)
		delete(r.signalTime, pid)
		return nil
	}
	if len(r.signals[pid]) < 2 {
		return nil
	}

	sigs := make([]string, 0, len(r.signals[pid]))
	for s := range r.signals[pid] {
		sigs = append(sigs, s)
	}
	return &Alert{
		RuleID:      "RULE-10",
		RuleName:    "Confirmed Privilege Escalation",
		Severity:    types.SeverityCritical,
		Confidence:  0.99,
		Description: fmt.Sprintf("Multiple escalation signals: %s", strings.Join(sigs, ", ")),
		Event:       e,
	}
}

// CheckEvent runs every rule against one event and returns the
// triggered alerts. Safe for concurrent use.
func (r *RuleEngine) CheckEvent(e *capture.Event) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var alerts []Alert
	add := func(id, name, desc, signal string) {
		alerts = append(alerts, Alert{
			RuleID:      id,
			RuleName:    name,
			Severity:    types.SeverityCritical,
			Confidence:  0.99,
			Description: desc,
			Event:       e,
		})
		r.register(e.PID, signal)
	}

	comm := strings.TrimSpace(e.CommString())
	path := strings.TrimSpace(e.FilenameString())
	syscall := e.SyscallNameString()
	now := r.now()

	// RULE-01: non-root process switching uid to root
	if uidChangeSyscalls[e.EventType] && e.UID >= 1000 && e.NewUID == 0 && !safeSetuid[comm] {
		add("RULE-01", "Direct UID to Root",
			fmt.Sprintf("UID %d -> root via %s (PID %d, %s)", e.UID, syscall, e.PID, comm),
			"setuid_root")
	}

	// RULE-02: shadow/gshadow touched by unexpected process
	if (e.EventType == types.EventOpenat || e.EventType == types.EventChmod) &&
		credentialFiles[path] && !safeShadow[comm] {
		add("RULE-02", "Shadow File Tampered",
			fmt.Sprintf("%s modified by %s (UID %d, PID %d)", path, comm, e.UID, e.PID),
			"shadow")
	}

	// RULE-03: root SSH key injection
	if e.EventType == types.EventOpenat && strings.Contains(path, "/root/.ssh/") && !safeSSH[comm] {
		add("RULE-03", "Root SSH Key Injection",
			fmt.Sprintf("Root SSH file accessed: %s by %s (UID %d)", path, comm, e.UID),
			"ssh")
	}

	// RULE-04: /proc/<pid>/mem access
	if e.EventType == types.EventOpenat && isProcMem(path) {
		add("RULE-04", "Process Memory Injection",
			fmt.Sprintf("Access to %s by %s (UID %d)", path, comm, e.UID),
			"proc_mem")
	}

	// RULE-05: kernel module tooling run by an unprivileged user
	if (e.EventType == types.EventExecve || e.EventType == types.EventOpenat) &&
		kernelTools[comm] && e.UID >= 1000 {
		add("RULE-05", "Kernel Module Abuse",
			fmt.Sprintf("%s executed by UID %d (PID %d)", comm, e.UID, e.PID),
			"kernel")
	}

	// RULE-06: docker socket touched by unexpected process
	if e.EventType == types.EventOpenat && dockerSockets[path] && !safeDocker[comm] {
		add("RULE-06", "Docker Socket Abuse",
			fmt.Sprintf("Docker socket accessed by %s (UID %d)", comm, e.UID),
			"docker")
	}

	// RULE-07: root exec from a world-writable path
	if e.EventType == types.EventExecve && e.EUID == 0 && e.UID >= 1000 &&
		startsWithAny(path, writablePaths) {
		add("RULE-07", "SUID from Writable Path",
			fmt.Sprintf("Root exec from %s (UID %d, PID %d)", path, e.UID, e.PID),
			"suid_tmp")
	}

	// RULE-08: capset followed by a root exec within the window
	if e.EventType == types.EventCapset && e.UID >= 1000 {
		r.capsetSeen[e.PID] = now
	}
	if e.EventType == types.EventExecve && e.EUID == 0 {
		if seen, ok := r.capsetSeen[e.PID]; ok && now.Sub(seen) < capsetWindow {
			add("RULE-08", "Capability Abuse",
				fmt.Sprintf("capset -> root exec: %s (PID %d)", comm, e.PID),
				"capset")
			delete(r.capsetSeen, e.PID)
		}
	}

	// RULE-09: sudoers touched by unexpected process
	if (e.EventType == types.EventOpenat || e.EventType == types.EventChmod) &&
		path == sudoersFile && !safeSudoers[comm] {
		add("RULE-09", "Sudoers Tampering",
			fmt.Sprintf("/etc/sudoers modified by %s (UID %d, PID %d)", comm, e.UID, e.PID),
			"sudoers")
	}

	// RULE-10: confirmed escalation after 2+ distinct signals
	if len(alerts) > 0 {
		if corr := r.confirmedEscalation(e.PID, e); corr != nil {
			alerts = append(alerts, *corr)
		}
	}

	return alerts
}
