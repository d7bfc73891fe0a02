package detection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// BaselineManager accumulates per-uid syscall counts and persists
// them as JSON snapshots, one file per uid, so learned baselines
// survive restarts.
type BaselineManager struct {
	mu     sync.Mutex
	data   map[uint32]map[string]int
	dir    string
	logger *zap.Logger
}

// NewBaselineManager loads any existing baseline snapshots from dir.
func NewBaselineManager(dir string, logger *zap.Logger) (*BaselineManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}

	m := &BaselineManager{
		data:   make(map[uint32]map[string]int),
		dir:    dir,
		logger: logger,
	}
	m.load()
	return m, nil
}

func (m *BaselineManager) load() {
	matches, err := filepath.Glob(filepath.Join(m.dir, "baseline_*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		var uid uint32
		base := filepath.Base(path)
		if _, err := fmt.Sscanf(base, "baseline_%d.json", &uid); err != nil {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("Could not load baseline", zap.String("path", path), zap.Error(err))
			continue
		}
		counts := make(map[string]int)
		if err := json.Unmarshal(raw, &counts); err != nil {
			m.logger.Warn("Could not parse baseline", zap.String("path", path), zap.Error(err))
			continue
		}
		m.data[uid] = counts
	}
}

// Record counts one syscall observation for a uid.
func (m *BaselineManager) Record(uid uint32, syscall string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[uid] == nil {
		m.data[uid] = make(map[string]int)
	}
	m.data[uid][syscall]++
}

// Counts returns a copy of the recorded syscall counts for a uid, or
// nil when nothing has been recorded.
func (m *BaselineManager) Counts(uid uint32) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts, ok := m.data[uid]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

// Save writes the baseline snapshot for a uid to disk.
func (m *BaselineManager) Save(uid uint32) error {
	m.mu.Lock()
	raw, err := json.Marshal(m.data[uid])
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	path := filepath.Join(m.dir, fmt.Sprintf("baseline_%d.json", uid))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	m.logger.Info("Baseline saved", zap.Uint32("uid", uid))
	return nil
}

// SaveAll persists every tracked uid's baseline. Called on shutdown.
func (m *BaselineManager) SaveAll() {
	m.mu.Lock()
	uids := make([]uint32, 0, len(m.data))
	for uid := range m.data {
		uids = append(uids, uid)
	}
	m.mu.Unlock()

	for _, uid := range uids {
		if err := m.Save(uid); err != nil {
			m.logger.Warn("Could not save baseline", zap.Uint32("uid", uid), zap.Error(err))
		}
	}
}
