package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/causewaylabs/causeway/internal/core/port"
)

// Store reads recorded runs back from a trace directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns all events of one run in recorded order.
func (s *Store) Load(runID string) ([]port.TraceEvent, error) {
	if !runIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	f, err := os.Open(filepath.Join(s.dir, runFilePrefix+runID+runFileSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrUnknownRun)
		}
		return nil, fmt.Errorf("open trace for run %s: %w", runID, err)
	}
	defer f.Close()

	var events []port.TraceEvent
	dec := json.NewDecoder(f)
	for {
		var ev port.TraceEvent
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode trace for run %s: %w", runID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// List summarizes the runs whose first event falls inside [from, to].
// Zero bounds are open. Results are ordered newest first. Trace files that
// cannot be decoded are listed with status "unreadable" rather than hidden.
func (s *Store) List(from, to time.Time) ([]port.RunSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trace dir: %w", err)
	}

	var runs []port.RunSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, runFilePrefix) || !strings.HasSuffix(name, runFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, runFilePrefix), runFileSuffix)

		sum, ok := s.summarize(id)
		if !ok {
			runs = append(runs, port.RunSummary{RunID: id, Status: "unreadable"})
			continue
		}
		if !from.IsZero() && sum.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && sum.StartedAt.After(to) {
			continue
		}
		runs = append(runs, sum)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

func (s *Store) summarize(runID string) (port.RunSummary, bool) {
	events, err := s.Load(runID)
	if err != nil || len(events) == 0 {
		return port.RunSummary{}, false
	}

	first := events[0]
	sum := port.RunSummary{
		RunID:     runID,
		StartedAt: first.At,
		Status:    "unsealed",
		Caller:    first.Caller,
		SQL:       first.SQL,
	}
	if last := events[len(events)-1]; last.Stage == port.StageSealed {
		sum.Status = last.Status
	}
	return sum, true
}
