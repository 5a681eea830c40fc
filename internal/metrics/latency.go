package metrics

import "sync"

// AvgLatency is a rolling average for one operation key.
type AvgLatency struct {
	AvgSeconds float64 `json:"avg_seconds"`
	Count      int64   `json:"count"`
}

// latencyTracker keeps exponentially weighted average latency per operation.
// Each new sample moves the average by a tenth, so spikes decay quickly while
// sustained shifts show up within tens of operations.
type latencyTracker struct {
	mu   sync.Mutex
	avgs map[string]*AvgLatency
}

var latencies = &latencyTracker{avgs: make(map[string]*AvgLatency)}

func (t *latencyTracker) observe(key string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.avgs[key]
	if !ok {
		t.avgs[key] = &AvgLatency{AvgSeconds: seconds, Count: 1}
		return
	}
	entry.AvgSeconds = entry.AvgSeconds*0.9 + seconds*0.1
	entry.Count++
}

func (t *latencyTracker) snapshot() map[string]AvgLatency {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]AvgLatency, len(t.avgs))
	for key, entry := range t.avgs {
		out[key] = *entry
	}
	return out
}

// Latencies returns a snapshot of the rolling average latencies keyed by
// operation (read_hot, write_warm, search_vector, ...).
func Latencies() map[string]AvgLatency {
	return latencies.snapshot()
}
