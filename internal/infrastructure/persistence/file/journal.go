package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/attendance"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

const (
	journalExt = ".log"
	// maxJournalSeq bounds the "_N" suffixes tried for one start second.
	maxJournalSeq = 1000
)

// LogInfo describes one session journal on disk.
type LogInfo struct {
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
	Size    int64     `json:"size"`
}

// Journal writes one append-only log file per attendance session. Files are
// named after the session start time so they sort chronologically; a second
// session started in the same second gets a "_2" suffix, and so on. Each
// append opens, writes, syncs and closes the file, so no handle outlives a
// call and a restart needs no reopening.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// NewJournal creates dir if needed.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, shared.WrapError("journal", "NewJournal", shared.ErrStorage, "create "+dir, err)
	}
	return &Journal{dir: dir}, nil
}

// Open creates a new, empty journal for a session that began at start and
// returns its name. It never reuses an existing file, even one created by
// another process.
func (j *Journal) Open(start time.Time) (string, error) {
	stem := timeutil.FileStem(start)

	j.mu.Lock()
	defer j.mu.Unlock()

	for seq := 1; seq <= maxJournalSeq; seq++ {
		name := stem
		if seq > 1 {
			name = fmt.Sprintf("%s_%d", stem, seq)
		}
		f, err := os.OpenFile(j.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", shared.WrapError("journal", "Open", shared.ErrStorage, "create "+name, err)
		}
		if err := f.Close(); err != nil {
			return "", shared.WrapError("journal", "Open", shared.ErrStorage, "close "+name, err)
		}
		return name, nil
	}
	return "", shared.Errorf("journal", "Open", shared.ErrStorage, "too many journals started at %s", stem)
}

// parseJournalName accepts a session stem with an optional "_N" suffix and
// returns the start time and sequence number (1 without a suffix).
func parseJournalName(name string) (time.Time, int, error) {
	stemLen := len(timeutil.FileStem(time.Time{}))
	if len(name) < stemLen {
		return time.Time{}, 0, fmt.Errorf("bad journal name %q", name)
	}
	started, err := timeutil.ParseFileStem(name[:stemLen])
	if err != nil {
		return time.Time{}, 0, err
	}
	rest := name[stemLen:]
	if rest == "" {
		return started, 1, nil
	}

	digits, ok := strings.CutPrefix(rest, "_")
	if !ok || digits == "" || digits[0] == '0' {
		return time.Time{}, 0, fmt.Errorf("bad journal name %q", name)
	}
	seq, err := strconv.Atoi(digits)
	if err != nil || seq < 2 || seq > maxJournalSeq {
		return time.Time{}, 0, fmt.Errorf("bad journal name %q", name)
	}
	return started, seq, nil
}

// Append writes one event line to the named journal and syncs it to disk.
func (j *Journal) Append(stem string, e attendance.Event) error {
	if _, _, err := parseJournalName(stem); err != nil {
		return shared.Errorf("journal", "Append", shared.ErrInvalidInput, "bad journal name %q", stem)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path(stem), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return shared.WrapError("journal", "Append", shared.ErrStorage, "open "+stem, err)
	}
	defer f.Close()

	if _, err := f.WriteString(e.Line() + "\n"); err != nil {
		return shared.WrapError("journal", "Append", shared.ErrStorage, "write "+stem, err)
	}
	if err := f.Sync(); err != nil {
		return shared.WrapError("journal", "Append", shared.ErrStorage, "sync "+stem, err)
	}
	return nil
}

func (j *Journal) path(stem string) string {
	return filepath.Join(j.dir, stem+journalExt)
}

// List returns every journal in the directory, newest first. Files whose
// names are not journal names are ignored.
func (j *Journal) List() ([]LogInfo, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, shared.WrapError("journal", "List", shared.ErrStorage, "read "+j.dir, err)
	}

	logs := make([]LogInfo, 0, len(entries))
	seqs := make(map[string]int, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), journalExt)
		if !ok || e.IsDir() {
			continue
		}
		started, seq, err := parseJournalName(name)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		seqs[name] = seq
		logs = append(logs, LogInfo{Name: name, Started: started, Size: info.Size()})
	}

	sort.Slice(logs, func(a, b int) bool {
		if !logs[a].Started.Equal(logs[b].Started) {
			return logs[a].Started.After(logs[b].Started)
		}
		return seqs[logs[a].Name] > seqs[logs[b].Name]
	})
	return logs, nil
}

// Read returns the full text of the named journal. Only journal names are
// accepted, so a name can never escape the journal directory.
func (j *Journal) Read(name string) (string, error) {
	if _, _, err := parseJournalName(name); err != nil {
		return "", shared.Errorf("journal", "Read", shared.ErrInvalidInput, "bad journal name %q", name)
	}

	data, err := os.ReadFile(j.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", shared.Errorf("journal", "Read", shared.ErrNotFound, "journal %q", name)
		}
		return "", shared.WrapError("journal", "Read", shared.ErrStorage, "read "+name, err)
	}
	return string(data), nil
}
