package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/V4T54L/event-intake/internal/domain"
)

const (
	segmentPrefix = "notifications-"
	segmentSuffix = ".wal"
	filePerm      = 0644
)

// ErrWALFull is returned when a write would push the spool past its size cap.
var ErrWALFull = errors.New("notification WAL is full")

// WALRepository spools tracking notifications to disk while the queue is
// unreachable. Each record is one JSON line; segments are numbered so that
// replay order equals write order.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentIndex   uint64
	currentSize    int64
	totalSize      int64
	pending        int
}

// NewWALRepository opens (or creates) the spool in dir.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "notification_wal"),
	}

	segments, err := w.sortedSegments()
	if err != nil {
		return nil, err
	}
	for _, s := range segments {
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %s: %w", s.path, err)
		}
		w.totalSize += info.Size()
	}
	if len(segments) > 0 {
		w.currentIndex = segments[len(segments)-1].index
	}
	if err := w.openSegment(w.currentIndex); err != nil {
		return nil, err
	}
	if w.totalSize > 0 {
		w.logger.Info("Found spooled notifications", "segments", len(segments), "bytes", w.totalSize)
	}
	return w, nil
}

// Write appends a notification to the current segment and syncs it.
func (w *WALRepository) Write(ctx context.Context, n domain.TrackingNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification for WAL: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d + %d > %d bytes)", ErrWALFull, w.totalSize, len(data), w.maxTotalSize)
	}
	if w.currentSegment == nil {
		if err := w.openSegment(w.currentIndex); err != nil {
			return err
		}
	}

	written, err := w.currentSegment.Write(data)
	w.currentSize += int64(written)
	w.totalSize += int64(written)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL segment: %w", err)
	}
	w.pending++

	if w.currentSize >= w.maxSegmentSize {
		if err := w.openSegment(w.currentIndex + 1); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}
	return nil
}

// Replay feeds every spooled notification, oldest first, to handler. It stops
// at the first handler error so nothing is lost; callers Truncate only after a
// clean replay.
func (w *WALRepository) Replay(ctx context.Context, handler func(n domain.TrackingNotification) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Warn("Failed to sync WAL segment before replay", "error", err)
		}
	}

	segments, err := w.sortedSegments()
	if err != nil {
		return err
	}

	replayed := 0
	for _, s := range segments {
		n, err := replaySegment(ctx, s.path, handler, w.logger)
		replayed += n
		if err != nil {
			return fmt.Errorf("replay %s: %w", filepath.Base(s.path), err)
		}
	}
	if replayed > 0 {
		w.logger.Info("WAL replay completed", "notifications", replayed)
	}
	return nil
}

func replaySegment(ctx context.Context, path string, handler func(n domain.TrackingNotification) error, logger *slog.Logger) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	replayed := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		var n domain.TrackingNotification
		if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
			// A torn trailing line after a crash is expected.
			logger.Warn("Skipping unreadable WAL record", "error", err, "segment", filepath.Base(path))
			continue
		}
		if err := handler(n); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, scanner.Err()
}

// Truncate drops every segment and starts a fresh one.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeCurrent()
	segments, err := w.sortedSegments()
	if err != nil {
		return err
	}
	for _, s := range segments {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Error("Failed to remove WAL segment", "path", s.path, "error", err)
		}
	}
	w.totalSize = 0
	w.pending = 0
	w.logger.Info("WAL truncated")
	return w.openSegment(w.currentIndex + 1)
}

// Pending returns the number of notifications written since the last
// truncate by this process.
func (w *WALRepository) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Size returns the bytes currently spooled on disk.
func (w *WALRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

// Close syncs and closes the current segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment == nil {
		return nil
	}
	if err := w.currentSegment.Sync(); err != nil {
		w.logger.Warn("Failed to sync WAL segment on close", "error", err)
	}
	err := w.currentSegment.Close()
	w.currentSegment = nil
	return err
}

// openSegment must be called with mu held.
func (w *WALRepository) openSegment(index uint64) error {
	w.closeCurrent()

	path := filepath.Join(w.dir, segmentName(index))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat WAL segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentIndex = index
	w.currentSize = info.Size()
	w.logger.Debug("Opened WAL segment", "path", path, "size", w.currentSize)
	return nil
}

func (w *WALRepository) closeCurrent() {
	if w.currentSegment == nil {
		return
	}
	if err := w.currentSegment.Close(); err != nil {
		w.logger.Error("Failed to close WAL segment", "error", err)
	}
	w.currentSegment = nil
}

type segment struct {
	index uint64
	path  string
}

func segmentName(index uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, index, segmentSuffix)
}

func (w *WALRepository) sortedSegments() ([]segment, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segments []segment
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			w.logger.Warn("Ignoring file with malformed segment name", "name", name)
			continue
		}
		segments = append(segments, segment{index: idx, path: filepath.Join(w.dir, name)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })
	return segments, nil
}
