package embed

import (
	"sync"
	"time"
)

// DefaultCallLogSize is how many recent calls the rolling log retains.
const DefaultCallLogSize = 1000

// CallEntry records one embedding API attempt.
type CallEntry struct {
	Time         time.Time `json:"time"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTexts   int       `json:"input_texts"`
	InputChars   int       `json:"input_chars"`
	Dimension    int       `json:"dimension,omitempty"`
	PromptTokens int       `json:"prompt_tokens,omitempty"`
	TotalTokens  int       `json:"total_tokens,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	Status       string    `json:"status"`
	CostEstimate float64   `json:"cost_estimate,omitempty"`
}

// CallLog is a fixed-size ring buffer of recent embedding calls. Once full,
// new entries overwrite the oldest.
type CallLog struct {
	mu      sync.Mutex
	entries []CallEntry
	next    int
	full    bool
}

// NewCallLog creates a log retaining the most recent size entries.
func NewCallLog(size int) *CallLog {
	if size <= 0 {
		size = DefaultCallLogSize
	}
	return &CallLog{entries: make([]CallEntry, size)}
}

// Record appends an entry, evicting the oldest when full.
func (l *CallLog) Record(e CallEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns retained entries oldest first.
func (l *CallLog) Entries() []CallEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]CallEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]CallEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of retained entries.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// TotalCost sums the cost estimates of retained entries.
func (l *CallLog) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum float64
	n := l.next
	if l.full {
		n = len(l.entries)
	}
	for i := 0; i < n; i++ {
		sum += l.entries[i].CostEstimate
	}
	return sum
}

// costPer1MTokens maps known embedding models to USD per million tokens.
var costPer1MTokens = map[string]float64{
	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.13,
	"text-embedding-ada-002": 0.10,
}

// estimateCost returns a rough USD cost for a call. Unknown models cost 0.
func estimateCost(model string, totalTokens int) float64 {
	rate, ok := costPer1MTokens[model]
	if !ok {
		return 0
	}
	return rate * float64(totalTokens) / 1_000_000
}
