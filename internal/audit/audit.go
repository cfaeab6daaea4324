// Package audit keeps a tamper-evident JSONL record of every run lifecycle
// event, linked by a SHA-256 hash chain.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventRunReceived      = "run_received"
	EventRunStarted       = "run_started"
	EventAuthenticated    = "authenticated"
	EventJoined           = "joined"
	EventJoinFailed       = "join_failed"
	EventCaptureCompleted = "capture_completed"
	EventCaptureFailed    = "capture_failed"
	EventArtifactStored   = "artifact_stored"
	EventArtifactDeleted  = "artifact_deleted"
	EventRunCancelled     = "run_cancelled"
	EventRunFinished      = "run_finished"
	EventAgentStart       = "agent_start"
	EventAgentStop        = "agent_stop"
	EventLogRotated       = "log_rotated"
)

const genesis = "genesis"

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventArtifactStored:  true,
	EventArtifactDeleted: true,
	EventRunFinished:     true,
	EventAgentStart:      true,
	EventAgentStop:       true,
}

var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes the audit log. On rotation a sentinel entry (EventLogRotated)
// starts the new file, its prevHash linking to the last entry of the old one.
// A nil *Logger is valid and records nothing.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// Path returns the audit log location inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "audit.jsonl")
}

// NewLogger opens {dataDir}/audit.jsonl, continuing the chain from its last
// entry when the file already exists.
func NewLogger(dataDir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   Path(dataDir),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if last, err := lastHash(l.filePath); err != nil {
		log.Warn("audit log tail unreadable, starting a new chain", "error", err)
	} else if last != "" {
		l.prevHash = last
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

// Log writes a single entry. The chain only advances after a successful
// write, so a failed write leaves the next entry linked to the same hash.
func (l *Logger) Log(eventType, runID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", "error", err, "eventType", eventType)
		}
	}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1 on
// a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// seal computes the entry hash and returns the encoded line.
func seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations can
// produce the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	// .N is dropped, then .N-1 → .N down to current → .1
	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", "error", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details:   map[string]any{"previousFile": filepath.Base(l.backupName(1))},
	}
	data, err := seal(&sentinel)
	if err == nil {
		var n int
		n, err = l.file.Write(data)
		l.written += int64(n)
	}
	if err != nil {
		log.Error("rotation sentinel not written, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entry hash of the final line of path, or "" when the
// file does not exist or is empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	err = scan(f, func(e Entry) error {
		last = e.EntryHash
		return nil
	})
	return last, err
}

func scan(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Verify walks the log at path and checks every hash and link. It returns
// the number of entries checked. The first entry may link to anything, since
// its predecessor can live in a rotated file.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	prev := ""
	err = scan(f, func(e Entry) error {
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if want != e.EntryHash {
			return fmt.Errorf("%w: entry %d (%s) hash mismatch", ErrChainBroken, count+1, e.EventType)
		}
		if count > 0 && e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d (%s) does not link to its predecessor", ErrChainBroken, count+1, e.EventType)
		}
		prev = e.EntryHash
		count++
		return nil
	})
	return count, err
}
