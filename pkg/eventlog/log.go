package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
)

// The monotonic timestamp base is captured once per process. time.Since
// reads the monotonic clock, so wall-clock jumps cannot move ts backwards.
var (
	monoBase   = time.Now()
	monoBaseMs = monoBase.UnixMilli()
)

func nowMonotonicMs() int64 {
	return monoBaseMs + time.Since(monoBase).Milliseconds()
}

// fileState is the per-path append state. mu serializes writers on one
// events file; lastHash and lastMono carry the chain forward.
type fileState struct {
	mu       sync.Mutex
	seeded   bool
	lastHash *string
	lastMono int64

	// true when the file ends mid-line (a crashed append); the next
	// append writes a newline first so the bad line stays isolated
	needsTerminator bool
}

// Log is the single append path for events files. One Log instance
// serves a whole process; appends to the same file are serialized, and
// every append is announced on the bus.
type Log struct {
	mu    sync.Mutex
	files map[string]*fileState
	bus   *Bus
}

// NewLog creates an appender publishing to bus (which may be nil)
func NewLog(bus *Bus) *Log {
	return &Log{files: make(map[string]*fileState), bus: bus}
}

// Bus returns the bus appends are announced on
func (l *Log) Bus() *Bus {
	return l.bus
}

func (l *Log) state(path string) *fileState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.files[path]
	if !ok {
		st = &fileState{}
		l.files[path] = st
	}
	return st
}

// Append fills the envelope, extends the hash chain, and writes one
// newline-terminated line. Missing identity fields are defaulted: a
// fresh event_id, wallclock now, and ts_monotonic_ms strictly above the
// file's previous value.
func (l *Log) Append(path string, e *types.Event) (*types.Event, error) {
	if e.Type == "" {
		return nil, errdefs.Validationf("event type is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve events path: %w", err)
	}

	st := l.state(abs)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seeded {
		if err := st.seed(abs); err != nil {
			return nil, err
		}
	}

	if e.SchemaVersion == 0 {
		e.SchemaVersion = MinSchemaVersion
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TsWallclock == "" {
		e.TsWallclock = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Visibility == "" {
		e.Visibility = types.VisibilityTeam
	}
	if e.CorrelationID == "" {
		if e.RunID != "" {
			e.CorrelationID = e.RunID
		} else {
			e.CorrelationID = e.EventID
		}
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	mono := nowMonotonicMs()
	if mono <= st.lastMono {
		mono = st.lastMono + 1
	}
	e.TsMonotonicMs = mono
	e.PrevEventHash = st.lastHash

	hash, err := ComputeEventHash(e)
	if err != nil {
		return nil, err
	}
	e.EventHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errdefs.Transientf("failed to open events file: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+2)
	if st.needsTerminator {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return nil, errdefs.Transientf("failed to append event: %v", err)
	}

	st.needsTerminator = false
	st.lastHash = &e.EventHash
	st.lastMono = e.TsMonotonicMs

	metrics.EventsAppendedTotal.WithLabelValues(e.Type).Inc()
	if l.bus != nil {
		l.bus.Publish(BusEvent{Path: abs, Event: e})
	}
	return e, nil
}

// seed recovers the chain tail from an existing file. Malformed lines
// are skipped the same way readers skip them, so the chain continues
// from the last event that actually parsed.
func (st *fileState) seed(abs string) error {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			st.seeded = true
			return nil
		}
		return fmt.Errorf("failed to read events file: %w", err)
	}

	st.needsTerminator = len(data) > 0 && data[len(data)-1] != '\n'

	for _, r := range parseLines(data) {
		if r.Err != nil {
			continue
		}
		hash := r.Event.EventHash
		st.lastHash = &hash
		if r.Event.TsMonotonicMs > st.lastMono {
			st.lastMono = r.Event.TsMonotonicMs
		}
	}
	st.seeded = true
	return nil
}
