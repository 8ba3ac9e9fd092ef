package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/msageha/taskweave/internal/model"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	// ArchiveDir sits next to the live log and receives rotated files.
	ArchiveDir = "archive"
)

// LogEntry is one line of the event audit log.
type LogEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	EventType     model.EventType   `json:"event_type"`
	ExecutionID   model.ExecutionID `json:"execution_id"`
	Project       string            `json:"project,omitempty"`
	ParentProject string            `json:"parent_project,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	Success       bool              `json:"success"`
	Message       string            `json:"message,omitempty"`
	ErrorDetails  string            `json:"error_details,omitempty"`
	Checksum      string            `json:"checksum,omitempty"`
}

func entryFromEvent(ev model.ExecutionEvent) LogEntry {
	e := LogEntry{
		Timestamp:     ev.Timestamp,
		EventType:     ev.Type,
		ExecutionID:   ev.ExecutionID,
		Project:       ev.Project,
		ParentProject: ev.ParentProject,
		TaskID:        ev.TaskID,
		Success:       ev.Success,
		Message:       ev.Message,
		ErrorDetails:  ev.ErrorDetails,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// sum is the FNV-1a hash of the entry encoded without its checksum.
func (e LogEntry) sum() string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// AuditLogger appends every event it receives to a JSONL file, rotating the
// file into archive/ once it would exceed maxSize.
type AuditLogger struct {
	path    string
	maxSize int64

	mu       sync.Mutex
	out      *os.File
	size     int64
	checksum bool
	rotated  int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	l := &AuditLogger{path: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "stat log file")
	}
	l.out, l.size = f, info.Size()
	return nil
}

// Record appends event to the log.
func (l *AuditLogger) Record(event model.ExecutionEvent) error {
	entry := entryFromEvent(event)
	return l.WriteEntry(&entry)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return errors.Errorf("audit log %s is closed", l.path)
	}
	if l.checksum {
		entry.Checksum = entry.sum()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal log entry")
	}
	line = append(line, '\n')

	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return errors.Wrap(err, "rotate log")
		}
	}
	n, err := l.out.Write(line)
	l.size += int64(n)
	return errors.Wrap(err, "write log entry")
}

// rotate moves the live file to archive/<base>.<stamp>.<n>.jsonl and reopens
// an empty one.
func (l *AuditLogger) rotate() error {
	if err := l.out.Close(); err != nil {
		return errors.Wrap(err, "close current log file")
	}
	l.out = nil

	archive := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return errors.Wrap(err, "create archive directory")
	}
	l.rotated++
	name := fmt.Sprintf("%s.%s.%d%s",
		strings.TrimSuffix(filepath.Base(l.path), LogFileExtension),
		time.Now().Format("20060102_150405"), l.rotated, LogFileExtension)
	if err := os.Rename(l.path, filepath.Join(archive, name)); err != nil {
		return errors.Wrap(err, "archive log file")
	}
	return l.open()
}

// EnableChecksum stamps subsequent entries with a checksum that
// VerifyLogIntegrity can check.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	l.checksum = enable
	l.mu.Unlock()
}

func (l *AuditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	return l.out.Sync()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.out
	if f == nil {
		return nil
	}
	l.out = nil
	serr := f.Sync()
	if cerr := f.Close(); serr == nil {
		serr = cerr
	}
	return serr
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// VerifyLogIntegrity counts the entries of a log file and how many of them
// carry a valid checksum. Entries written without one count as valid.
func VerifyLogIntegrity(logPath string) (total int, valid int, err error) {
	f, err := os.Open(logPath)
	if err != nil {
		return 0, 0, errors.Wrap(err, "open log file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return total, valid, errors.Wrapf(err, "decode entry %d", total+1)
		}
		total++
		if e.Checksum == "" || e.Checksum == e.sum() {
			valid++
		}
	}
	return total, valid, errors.Wrap(sc.Err(), "scan log file")
}
