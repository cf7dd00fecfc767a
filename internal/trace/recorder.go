package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/causewaylabs/causeway/internal/core/port"
)

var (
	// ErrUnknownRun is returned for a run id that was never begun.
	ErrUnknownRun = errors.New("unknown run")
	// ErrRunSealed is returned when an event is recorded against a sealed run.
	ErrRunSealed = errors.New("run already sealed")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

const (
	runFilePrefix = "run_"
	runFileSuffix = ".jsonl"
)

// Recorder writes one JSONL trace file per run (one JSON object per line,
// in event order). Events carry a sequence number so two trace files can be
// compared line by line.
type Recorder struct {
	dir string

	mu     sync.Mutex
	open   map[string]*runFile
	sealed map[string]struct{}
}

type runFile struct {
	file *os.File
	enc  *json.Encoder
	seq  int
}

// NewRecorder creates dir if needed and returns a recorder writing into it.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{
		dir:    dir,
		open:   make(map[string]*runFile),
		sealed: make(map[string]struct{}),
	}, nil
}

// Begin opens the trace file for a new run.
func (r *Recorder) Begin(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[runID]; ok {
		return fmt.Errorf("run %s already begun", runID)
	}
	if _, ok := r.sealed[runID]; ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunSealed)
	}

	path := filepath.Join(r.dir, runFilePrefix+runID+runFileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	r.open[runID] = &runFile{file: f, enc: json.NewEncoder(f)}
	return nil
}

// Record appends one event to the run's trace. The recorder assigns the
// sequence number and stamps the event time if unset.
func (r *Recorder) Record(runID string, ev port.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.lookup(runID)
	if err != nil {
		return err
	}
	return rf.write(runID, ev)
}

// Seal writes the final event carrying the run's outcome and closes the
// file. A sealed run accepts no further events.
func (r *Recorder) Seal(runID string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.lookup(runID)
	if err != nil {
		return err
	}

	werr := rf.write(runID, port.TraceEvent{Stage: port.StageSealed, Status: status})
	cerr := rf.file.Close()
	delete(r.open, runID)
	r.sealed[runID] = struct{}{}
	if werr != nil {
		return werr
	}
	return cerr
}

// Close closes any runs that were never sealed. Their trace files remain on
// disk without a sealed event.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, rf := range r.open {
		if err := rf.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.open, id)
	}
	return first
}

func (r *Recorder) lookup(runID string) (*runFile, error) {
	if rf, ok := r.open[runID]; ok {
		return rf, nil
	}
	if _, ok := r.sealed[runID]; ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunSealed)
	}
	return nil, fmt.Errorf("run %s: %w", runID, ErrUnknownRun)
}

func (rf *runFile) write(runID string, ev port.TraceEvent) error {
	ev.RunID = runID
	ev.Seq = rf.seq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := rf.enc.Encode(ev); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	rf.seq++
	return nil
}
