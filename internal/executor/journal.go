package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/freebrew/liveRAID/internal/fsatomic"
)

// Journal persists run reports and a line-oriented event log under
// <stateDir>/runs.
type Journal struct {
	dir string
	mu  sync.Mutex
}

func NewJournal(stateDir string) *Journal {
	return &Journal{dir: filepath.Join(stateDir, "runs")}
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var ErrInvalidRunID = errors.New("invalid run id")

func (j *Journal) path(id string) string    { return filepath.Join(j.dir, id+".json") }
func (j *Journal) logPath(id string) string { return filepath.Join(j.dir, id+".log") }

func (j *Journal) Save(r *Report) error {
	_ = os.MkdirAll(j.dir, 0o755)
	return fsatomic.SaveJSON(context.TODO(), j.path(r.RunID), r, 0o600)
}

// Load returns the stored report for a run. The bool is false when no
// report exists.
func (j *Journal) Load(id string) (*Report, bool, error) {
	if !runIDPattern.MatchString(id) {
		return nil, false, fmt.Errorf("%w %q", ErrInvalidRunID, id)
	}
	var r Report
	ok, err := fsatomic.LoadJSON(j.path(id), &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}

func (j *Journal) Log(id, level, stepID, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = os.MkdirAll(j.dir, 0o755)
	f, err := os.OpenFile(j.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	rec := map[string]any{"ts": time.Now().UTC().Format(time.RFC3339), "level": level, "stepId": stepID, "msg": msg}
	b, _ := json.Marshal(rec)
	fmt.Fprintln(f, string(b))
}

// Tail returns up to max log lines starting at cursor and the cursor to
// resume from.
func (j *Journal) Tail(id string, cursor, max int) (lines []string, next int) {
	lines = []string{}
	if !runIDPattern.MatchString(id) {
		return lines, cursor
	}
	f, err := os.Open(j.logPath(id))
	if err != nil {
		return lines, cursor
	}
	defer f.Close()
	r := bufio.NewScanner(f)
	idx := 0
	for r.Scan() {
		if idx >= cursor {
			if len(lines) >= max {
				break
			}
			lines = append(lines, r.Text())
		}
		idx++
	}
	return lines, idx
}
