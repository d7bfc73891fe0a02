package detection

import (
	"math"
	"sync"

	"github.com/privmon/privmon/capture"
)

// learningWindows is how many observation windows a (uid, syscall)
// pair must accumulate before its baseline is trusted for detection.
const learningWindows = 3

// Baseline is the learned normal rate for one (uid, syscall) pair.
type Baseline struct {
	Mean float64
	Std  float64
}

// Anomaly describes a syscall count exceeding its baseline.
type Anomaly struct {
	UID     uint32
	Syscall string
	Count   int
	Mean    float64
	Event   *capture.Event
}

type baselineKey struct {
	uid     uint32
	syscall string
}

// AnomalyDetector flags per-uid syscall counts that deviate from the
// learned baseline by more than the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	counts    map[baselineKey]int
	baselines map[baselineKey]Baseline
	history   map[baselineKey]welford
	callbacks []func(Anomaly)

	threshold float64
	detected  uint64
}

// welford is the running mean/variance state for one pair, updated
// once per observation window.
type welford struct {
	n    int
	mean float64
	m2   float64
}

// NewAnomalyDetector creates a detector with the given deviation
// threshold (in standard deviations above the mean).
func NewAnomalyDetector(threshold float64) *AnomalyDetector {
	if threshold <= 0 {
		threshold = 2.0
	}
	return &AnomalyDetector{
		counts:    make(map[baselineKey]int),
		baselines: make(map[baselineKey]Baseline),
		history:   make(map[baselineKey]welford),
		threshold: threshold,
	}
}

// AddCallback registers a function invoked for each detected anomaly.
func (d *AnomalyDetector) AddCallback(fn func(Anomaly)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, fn)
}

// Process counts one event and fires callbacks when the count for its
// (uid, syscall) pair crosses the baseline threshold.
func (d *AnomalyDetector) Process(e *capture.Event) {
	key := baselineKey{e.UID, e.SyscallNameString()}

	d.mu.Lock()
	d.counts[key]++
	count := d.counts[key]
	baseline, ok := d.baselines[key]
	callbacks := d.callbacks
	d.mu.Unlock()

	if !ok || baseline.Mean <= 0 {
		return
	}
	std := baseline.Std
	if std <= 0 {
		std = baseline.Mean * 0.5
	}
	if float64(count) <= baseline.Mean+d.threshold*std {
		return
	}

	d.mu.Lock()
	d.detected++
	d.mu.Unlock()

	a := Anomaly{
		UID:     e.UID,
		Syscall: key.syscall,
		Count:   count,
		Mean:    baseline.Mean,
		Event:   e,
	}
	for _, cb := range callbacks {
		cb(a)
	}
}

// Rollover closes the current observation window. Each pair's count
// is folded into its running statistics and, once the pair has been
// seen in learningWindows windows, its baseline is refreshed from
// them. Counts reset so the next window starts clean. Pairs idle in a
// window keep their state untouched.
func (d *AnomalyDetector) Rollover() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, count := range d.counts {
		w := d.history[key]
		w.n++
		delta := float64(count) - w.mean
		w.mean += delta / float64(w.n)
		w.m2 += delta * (float64(count) - w.mean)
		d.history[key] = w

		if w.n >= learningWindows {
			d.baselines[key] = Baseline{
				Mean: w.mean,
				Std:  math.Sqrt(w.m2 / float64(w.n)),
			}
		}
		delete(d.counts, key)
	}
}

// UpdateBaseline sets the expected rate for a (uid, syscall) pair.
func (d *AnomalyDetector) UpdateBaseline(uid uint32, syscall string, mean, std float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if std <= 0 {
		std = mean * 0.5
	}
	d.baselines[baselineKey{uid, syscall}] = Baseline{Mean: mean, Std: std}
}

// Detected returns how many anomalies have fired.
func (d *AnomalyDetector) Detected() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}
