package journal

// ============================================================================
// Run Journal
// Responsibilities:
// 1. Append run and item events to a JSON lines file (append-only)
// 2. Replay events with checksum verification
// 3. Rotate the file when a new run replaces the previous one
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRetention is the number of rotated files kept next to the journal.
const DefaultRetention = 5

// backupLayout is the timestamp suffix of rotated files.
const backupLayout = "20060102_150405.000"

// FileInterface is the subset of *os.File the journal writes through
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an append-only event log
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	retention    int

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

/*
Open creates or reopens a journal.

Behavior:
- A missing file is created and numbering starts at 0
- An existing file continues after its last event
- The file is opened with O_APPEND so earlier records are never overwritten

Parameters:

	path         - journal file path
	syncOnAppend - flush and fsync on every Append

Returns:

	*Journal, error
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := LastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		retention:     DefaultRetention,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// SetRetention sets how many rotated files Rotate keeps. Zero or less keeps
// DefaultRetention.
func (j *Journal) SetRetention(n int) {
	if j == nil {
		return
	}
	if n <= 0 {
		n = DefaultRetention
	}
	j.mu.Lock()
	j.retention = n
	j.mu.Unlock()
}

// Append assigns the next sequence number and checksum to e and buffers it.
// The buffer is flushed when full, when stale, on force or with syncOnAppend.
func (j *Journal) Append(e Event, force bool) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = time.Now().UnixMilli()
	e.Checksum = Checksum(e)
	j.buffer = append(j.buffer, e)

	if force || j.syncOnAppend || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered events and syncs the file.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay flushes pending events, then feeds every event of the file to
// handler in order. It stops at the first corrupted record or handler error.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// Rotate moves the current file aside with a timestamp suffix and starts an
// empty one. Numbering restarts at 0 and only the newest rotated files are
// kept.
//
// When the move fails the original path is reopened and appends continue
// there. A journal that cannot reopen any file is closed.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return j.reopenLocked(err, os.O_CREATE|os.O_APPEND|os.O_RDWR)
	}

	backupPath := BackupName(j.path, time.Now())
	if err := os.Rename(j.path, backupPath); err != nil {
		return j.reopenLocked(err, os.O_CREATE|os.O_APPEND|os.O_RDWR)
	}

	if err := j.reopenLocked(nil, os.O_CREATE|os.O_RDWR|os.O_TRUNC); err != nil {
		return err
	}
	j.seq = 0

	if _, err := PruneBackups(j.path, j.retention); err != nil {
		return fmt.Errorf("rotated, but failed to prune old journals: %w", err)
	}
	return nil
}

// reopenLocked opens j.path with flag and returns cause. If the file cannot
// be opened the journal is marked closed. Assumes j.mu is held.
func (j *Journal) reopenLocked(cause error, flag int) error {
	file, err := os.OpenFile(j.path, flag, 0644)
	if err != nil {
		j.closed = true
		return errors.Join(cause, fmt.Errorf("%w: reopen %s: %w", ErrClosed, j.path, err))
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.lastFlushTime = time.Now()
	return cause
}

// Close flushes and closes the journal. A closed journal cannot be reused.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq returns the sequence number of the last appended event
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// flushLocked assumes j.mu is held
func (j *Journal) flushLocked() error {
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// ============================================================================
// File helpers
// ============================================================================

// ReplayFile feeds every event of the file at path to handler.
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var e Event
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if err := Verify(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
}

// ReadAll returns every event of the file at path.
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := ReplayFile(path, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// LastEvent scans the file and returns its last valid event, or nil for an
// empty file. A trailing torn record is ignored.
func LastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil && last == nil {
		return nil, err
	}
	return last, nil
}

// BackupName returns the rotated name of path for time at.
func BackupName(path string, at time.Time) string {
	return path + "." + at.Format(backupLayout)
}

// PruneBackups removes the oldest timestamped copies of path (path.<stamp>)
// so that at most keep remain. Files whose suffix is not a timestamp are left
// alone. It returns the removed paths.
func PruneBackups(path string, keep int) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}

	var backups []string
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, path+".")
		if _, err := time.Parse(backupLayout, suffix); err == nil {
			backups = append(backups, m)
		}
	}
	if len(backups) <= keep {
		return nil, nil
	}

	// the layout sorts chronologically
	sort.Strings(backups)
	removed := backups[:len(backups)-keep]
	for _, b := range removed {
		if err := os.Remove(b); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return removed, nil
}
