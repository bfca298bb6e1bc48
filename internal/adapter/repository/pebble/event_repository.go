package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/V4T54L/event-intake/internal/domain"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways FsyncMode = iota
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps always|interval|never to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return 0, fmt.Errorf("invalid fsync mode %q; use always|interval|never", s)
}

// Options configures the Pebble event repository.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
}

// Key layout:
//
//	e/<id>                                  -> JSON record
//	u/<len(user) u16><user><ts i64><seq u64> -> id
//	r/<ts i64><seq u64>                      -> id
//
// ts is received_at in unix nanoseconds and seq a per-database insertion
// counter, both big-endian so byte order is chronological.
var (
	eventPrefix  = []byte("e/")
	userPrefix   = []byte("u/")
	recentPrefix = []byte("r/")
)

type record struct {
	Seq uint64 `json:"seq"`
	domain.Event
}

// EventRepository implements domain.EventStore on an embedded Pebble database.
type EventRepository struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	// mu serializes writers; reads go straight to Pebble.
	mu  sync.Mutex
	seq uint64
}

// NewEventRepository opens (or creates) the database under opts.DataDir.
func NewEventRepository(opts Options, logger *slog.Logger) (*EventRepository, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := &pebble.Options{}
	if opts.Fsync == FsyncModeInterval {
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.DataDir, err)
	}

	wo := pebble.NoSync
	if opts.Fsync != FsyncModeNever {
		wo = pebble.Sync
	}

	r := &EventRepository{
		db:        db,
		writeOpts: wo,
		logger:    logger.With("component", "pebble_repository"),
	}
	if err := r.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	r.logger.Info("Opened pebble event store", "dir", opts.DataDir, "seq", r.seq)
	return r, nil
}

// Close closes the Pebble database.
func (r *EventRepository) Close() error {
	return r.db.Close()
}

func (r *EventRepository) loadSeq() error {
	iter, err := r.db.NewIter(prefixOptions(recentPrefix))
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		k := iter.Key()
		r.seq = binary.BigEndian.Uint64(k[len(k)-8:])
	}
	return iter.Error()
}

// Put upserts the event and its indexes in one batch.
func (r *EventRepository) Put(ctx context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.db.NewBatch()
	defer b.Close()

	prev, err := r.getRecord(event.ID)
	switch {
	case err == nil:
		_ = b.Delete(userKey(prev.UserID, prev.ReceivedAt, prev.Seq), nil)
		_ = b.Delete(recentKey(prev.ReceivedAt, prev.Seq), nil)
	case !errors.Is(err, domain.ErrEventNotFound):
		return err
	}

	rec := record{Seq: r.seq + 1, Event: event}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	id := []byte(event.ID)
	if err := b.Set(eventKey(event.ID), val, nil); err != nil {
		return err
	}
	if err := b.Set(userKey(event.UserID, event.ReceivedAt, rec.Seq), id, nil); err != nil {
		return err
	}
	if err := b.Set(recentKey(event.ReceivedAt, rec.Seq), id, nil); err != nil {
		return err
	}
	if err := b.Commit(r.writeOpts); err != nil {
		return fmt.Errorf("failed to commit event %s: %w", event.ID, err)
	}
	r.seq = rec.Seq
	return nil
}

func (r *EventRepository) Get(ctx context.Context, id string) (domain.Event, error) {
	rec, err := r.getRecord(id)
	if err != nil {
		return domain.Event{}, err
	}
	return rec.Event, nil
}

func (r *EventRepository) getRecord(id string) (record, error) {
	val, closer, err := r.db.Get(eventKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return record{}, domain.ErrEventNotFound
		}
		return record{}, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal event %s: %w", id, err)
	}
	return rec, nil
}

func (r *EventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	return r.scanNewestFirst(ctx, userKeyPrefix(userID), limit)
}

func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]domain.Event, error) {
	return r.scanNewestFirst(ctx, recentPrefix, limit)
}

// scanNewestFirst walks an index prefix backwards and resolves each id.
func (r *EventRepository) scanNewestFirst(ctx context.Context, prefix []byte, limit int) ([]domain.Event, error) {
	iter, err := r.db.NewIter(prefixOptions(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]domain.Event, 0)
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := r.Get(ctx, string(iter.Value()))
		if err != nil {
			if errors.Is(err, domain.ErrEventNotFound) {
				r.logger.Warn("Dangling index entry, skipping", "key", iter.Key())
				continue
			}
			return nil, err
		}
		events = append(events, e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, iter.Error()
}

func (r *EventRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := userKeyPrefix(userID)
	iter, err := r.db.NewIter(prefixOptions(prefix))
	if err != nil {
		return 0, err
	}

	b := r.db.NewBatch()
	defer b.Close()

	var n int64
	for valid := iter.First(); valid; valid = iter.Next() {
		k := iter.Key()
		suffix := k[len(prefix):] // ts + seq
		_ = b.Delete(eventKey(string(iter.Value())), nil)
		_ = b.Delete(append(append([]byte{}, recentPrefix...), suffix...), nil)
		_ = b.Delete(append([]byte{}, k...), nil)
		n++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(r.writeOpts); err != nil {
		return 0, fmt.Errorf("failed to delete events of user %s: %w", userID, err)
	}
	return n, nil
}

func (r *EventRepository) DeleteAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.count()
	if err != nil {
		return 0, err
	}

	b := r.db.NewBatch()
	defer b.Close()
	for _, p := range [][]byte{eventPrefix, userPrefix, recentPrefix} {
		if err := b.DeleteRange(p, prefixEnd(p), nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(r.writeOpts); err != nil {
		return 0, fmt.Errorf("failed to delete all events: %w", err)
	}
	return n, nil
}

func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	return r.count()
}

func (r *EventRepository) count() (int64, error) {
	iter, err := r.db.NewIter(prefixOptions(eventPrefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int64
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

func eventKey(id string) []byte {
	return append(append([]byte{}, eventPrefix...), id...)
}

func userKeyPrefix(userID string) []byte {
	k := make([]byte, 0, len(userPrefix)+2+len(userID))
	k = append(k, userPrefix...)
	k = binary.BigEndian.AppendUint16(k, uint16(len(userID)))
	return append(k, userID...)
}

func userKey(userID string, ts time.Time, seq uint64) []byte {
	return appendOrder(userKeyPrefix(userID), ts, seq)
}

func recentKey(ts time.Time, seq uint64) []byte {
	return appendOrder(append([]byte{}, recentPrefix...), ts, seq)
}

func appendOrder(k []byte, ts time.Time, seq uint64) []byte {
	k = binary.BigEndian.AppendUint64(k, uint64(ts.UnixNano()))
	return binary.BigEndian.AppendUint64(k, seq)
}

func prefixOptions(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)}
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
