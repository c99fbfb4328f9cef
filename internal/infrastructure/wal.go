// internal/infrastructure/wal.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"example.com/backstage/services/headset/internal/core"
)

// WALEntry is one undelivered event.
type WALEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Event     core.Event `json:"event"`
	Reason    string     `json:"reason,omitempty"`
}

// WAL is an append-only JSON lines journal of events that could not be
// delivered. The republish command replays and truncates it.
type WAL struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewWAL opens or creates the journal at path.
func NewWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
	}, nil
}

// Write appends an event and syncs it to disk.
func (w *WAL) Write(event core.Event, reason error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := WALEntry{Timestamp: time.Now().UTC(), Event: event}
	if reason != nil {
		entry.Reason = reason.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(line))
	if w.currentSize > w.rotationSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	return nil
}

// ReadAll returns every readable entry in write order. Corrupted lines are skipped.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var entries []WALEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}
	return entries, nil
}

// Rewrite atomically replaces the journal content with entries.
func (w *WAL) Rewrite(entries []WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}

	writer := bufio.NewWriter(tempFile)
	var newSize int64
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to marshal WAL entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}
	tempFile.Close()

	w.file.Close()
	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}

	w.file, err = os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.currentSize = newSize
	return nil
}

// rotate archives the current file and starts a new one.
func (w *WAL) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", w.path, time.Now().Unix())
	if err := os.Rename(w.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive WAL file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create new WAL file: %w", err)
	}

	w.file = file
	w.currentSize = 0
	return nil
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":          w.path,
		"size":          w.currentSize,
		"rotation_size": w.rotationSize,
	}
}
