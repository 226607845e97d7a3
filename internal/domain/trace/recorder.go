package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Recorder is the append-only history of a running scan.
// Snapshots can be taken at any time, before the scan completes.
type Recorder struct {
	mu      sync.RWMutex
	records []CheckRecord
	sinks   []func(CheckRecord)
}

// NewRecorder creates a recorder. Each sink is called synchronously for every appended record.
func NewRecorder(sinks ...func(CheckRecord)) *Recorder {
	return &Recorder{sinks: sinks}
}

// Append adds a finished check record.
func (r *Recorder) Append(rec CheckRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(rec)
	}
}

// Snapshot returns a copy of the history so far.
func (r *Recorder) Snapshot() History {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(History, len(r.records))
	copy(out, r.records)
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Writer streams check records as newline-delimited JSON.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write appends one record as a single line.
func (w *Writer) Write(rec CheckRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}
	return nil
}

// ReadNDJSON rebuilds a history from a stream produced by Writer.
func ReadNDJSON(r io.Reader) (History, error) {
	h := History{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec CheckRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", sharedErrors.ErrDeserializationFailed, line, err)
		}
		h = append(h, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace stream: %w", err)
	}
	return h, nil
}
