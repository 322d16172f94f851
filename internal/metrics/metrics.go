// Package metrics records storage operation outcomes in bounded memory.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maruel/flywheel/internal/atomicfile"
)

// Op is one recorded operation outcome.
type Op struct {
	Kind      string        `json:"kind"`
	Duration  time.Duration `json:"duration"`
	Retries   int           `json:"retries,omitempty"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
	At        time.Time     `json:"at"`
}

// Summary aggregates every operation recorded since the recorder was
// created, independent of ring buffer eviction.
type Summary struct {
	Total         int            `json:"total"`
	Failures      int            `json:"failures"`
	TotalDuration time.Duration  `json:"total_duration"`
	MaxDuration   time.Duration  `json:"max_duration"`
	ByKind        map[string]int `json:"by_kind,omitempty"`
	ByError       map[string]int `json:"by_error,omitempty"`
	Buffered      int            `json:"buffered"`
	Capacity      int            `json:"capacity"`
}

// Recorder accumulates operation outcomes into a fixed-capacity ring
// buffer plus running aggregates. One recorder may be shared by many
// stores; all methods are safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	buf      *Ring[Op]
	total    int
	failures int
	totalDur time.Duration
	maxDur   time.Duration
	byKind   map[string]int
	byError  map[string]int
}

// NewRecorder creates a recorder keeping the last capacity operations.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{
		buf:     NewRing[Op](capacity),
		byKind:  map[string]int{},
		byError: map[string]int{},
	}
}

// Record appends one operation outcome. It performs no I/O and is safe
// to call from any goroutine.
func (r *Recorder) Record(kind string, d time.Duration, retries int, success bool, errorKind string) {
	op := Op{
		Kind:      kind,
		Duration:  d,
		Retries:   retries,
		Success:   success,
		ErrorKind: errorKind,
		At:        time.Now().UTC(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Push(op)
	r.total++
	r.totalDur += d
	if d > r.maxDur {
		r.maxDur = d
	}
	r.byKind[kind]++
	if !success {
		r.failures++
		if errorKind != "" {
			r.byError[errorKind]++
		}
	}
}

// Export returns a consistent snapshot of the aggregates.
func (r *Recorder) Export() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Total:         r.total,
		Failures:      r.failures,
		TotalDuration: r.totalDur,
		MaxDuration:   r.maxDur,
		ByKind:        make(map[string]int, len(r.byKind)),
		ByError:       make(map[string]int, len(r.byError)),
		Buffered:      r.buf.Len(),
		Capacity:      r.buf.Cap(),
	}
	for k, v := range r.byKind {
		s.ByKind[k] = v
	}
	for k, v := range r.byError {
		s.ByError[k] = v
	}
	return s
}

// Snapshot returns the buffered operations, oldest first.
func (r *Recorder) Snapshot() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Slice()
}

// Len returns the number of buffered operations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// Reset discards buffered operations and aggregates.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Clear()
	r.total = 0
	r.failures = 0
	r.totalDur = 0
	r.maxDur = 0
	clear(r.byKind)
	clear(r.byError)
}

// report is the persisted artifact layout.
type report struct {
	Summary    Summary   `json:"summary"`
	Operations []Op      `json:"operations"`
	WrittenAt  time.Time `json:"written_at"`
}

// Persist writes the summary and buffered operations to path as JSON.
// This is the only I/O the recorder performs and is deliberately
// separate from Record.
func (r *Recorder) Persist(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rep := report{
		Summary:    r.Export(),
		Operations: r.Snapshot(),
		WrittenAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metrics report: %w", err)
	}
	return atomicfile.WriteFile(path, data, atomicfile.WithRootOf(path))
}
