package lklog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// logRetentionDays bounds how many daily debug logs are kept; anything
// older is pruned when a FileWriter is created.
const logRetentionDays = 7

// logNamePattern matches the lktrace-YYYY-MM-DD.jsonl files this
// package writes, so pruning never touches trace output or anything
// else sharing the directory.
var logNamePattern = regexp.MustCompile(`^lktrace-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// FileWriter appends to a dated debug log file, starting a new file
// when the date changes and keeping a latest.jsonl symlink pointed at
// the current one so `tail -f latest.jsonl` follows across midnight.
type FileWriter struct {
	dir      string
	mu       sync.Mutex
	file     *os.File
	currDate string
}

// NewFileWriter creates a FileWriter that writes to
// dir/lktrace-YYYY-MM-DD.jsonl, pruning logs older than
// logRetentionDays.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lklog: creating debug log dir: %w", err)
	}
	pruneOld(dir, logRetentionDays)
	fw := &FileWriter{dir: dir}
	if err := fw.openCurrent(); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer, switching to a new day's file as needed.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if time.Now().Format(time.DateOnly) != fw.currDate {
		if err := fw.openCurrent(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the underlying file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

// openCurrent opens (creating if needed) today's log file and
// retargets the latest.jsonl symlink at it. Write callers already hold
// fw.mu; NewFileWriter calls before the writer is shared.
func (fw *FileWriter) openCurrent() error {
	if fw.file != nil {
		fw.file.Close()
	}
	today := time.Now().Format(time.DateOnly)
	name := "lktrace-" + today + ".jsonl"
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("lklog: opening log file: %w", err)
	}
	fw.file = f
	fw.currDate = today

	// Symlink-then-rename so a reader never observes the link missing.
	// Best effort; the dated file is the one that matters.
	link := filepath.Join(fw.dir, "latest.jsonl")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		os.Rename(tmp, link)
	}
	return nil
}

// pruneOld removes dated log files older than keepDays.
func pruneOld(dir string, keepDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	for _, entry := range entries {
		m := logNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := time.Parse(time.DateOnly, m[1])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		os.Remove(filepath.Join(dir, entry.Name()))
	}
}
