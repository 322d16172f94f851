// Package storage implements the persistent record store: a typed
// cache over one JSON document file, guarded by an in-process and a
// cross-process lock and rewritten atomically on every save.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maruel/flywheel/internal/atomicfile"
	"github.com/maruel/flywheel/internal/config"
	"github.com/maruel/flywheel/internal/envelope"
	fwerrors "github.com/maruel/flywheel/internal/errors"
	"github.com/maruel/flywheel/internal/lock"
	"github.com/maruel/flywheel/internal/metrics"
)

// Doc is what a stored record type must provide. WithDocID returns a
// copy so the store never mutates caller-owned values.
type Doc[T any] interface {
	Clone() T
	Validate() error
	DocID() int64
	WithDocID(id int64) T
}

// Store persists a collection of records in one JSON document file.
//
// Every mutating operation takes the in-process lock first, the OS
// lock second, and releases in reverse order. The cache is owned by
// this instance alone; loads and reads hand out clones.
type Store[T Doc[T]] struct {
	path string
	root string
	gz   bool
	bak  bool

	dl  *lock.Dual
	fl  *lock.FileLock
	rec *metrics.Recorder
	log *slog.Logger

	// cache and nextID are guarded by dl. loaded may be cleared by the
	// watcher without holding dl, which only forces the next reader to
	// reload.
	cache  []T
	nextID int64
	loaded atomic.Bool
}

// New creates a store for the data file named in cfg. The file itself
// appears on the first save. rec may be nil to disable metrics.
func New[T Doc[T]](cfg *config.Config, rec *metrics.Recorder) (*Store[T], error) {
	dl, err := lock.NewDual(lock.DualOptions{Timeout: time.Duration(cfg.LockTimeout)})
	if err != nil {
		return nil, err
	}
	return &Store[T]{
		path: cfg.Path,
		root: cfg.AllowedRoot,
		gz:   strings.HasSuffix(cfg.Path, ".gz"),
		bak:  cfg.Backup,
		dl:   dl,
		fl: lock.NewFile(cfg.Path, lock.FileOptions{
			Timeout:       time.Duration(cfg.LockTimeout),
			StaleAfter:    time.Duration(cfg.StaleAfter),
			ForceFallback: cfg.ForceDirLock,
		}),
		rec: rec,
		log: slog.Default(),
	}, nil
}

// Path returns the data file path.
func (s *Store[T]) Path() string {
	return s.path
}

// Exists reports whether the data file is present. Pure path check, no
// parsing.
func (s *Store[T]) Exists() bool {
	fi, err := os.Stat(s.path)
	return err == nil && !fi.IsDir()
}

// Load returns a snapshot of all records, reading the file on first
// use or after an external change was noticed.
func (s *Store[T]) Load(ctx context.Context) (recs []T, err error) {
	start := time.Now()
	defer func() { s.observe("load", start, err) }()
	if err = s.dl.LockContext(ctx); err != nil {
		return nil, err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err = s.loadLocked(ctx); err != nil {
			return nil, err
		}
	}
	return cloneAll(s.cache), nil
}

// Save replaces the whole collection on disk and in the cache.
func (s *Store[T]) Save(ctx context.Context, recs []T) (err error) {
	start := time.Now()
	defer func() { s.observe("save", start, err) }()
	if err = s.dl.LockContext(ctx); err != nil {
		return err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		// The persisted cursor floors the new one; a blind rewrite
		// from a cold instance must not re-issue retired ids.
		if err = s.loadLocked(ctx); err != nil {
			if !overwritable(err) {
				return err
			}
			// The unreadable bytes were already backed up; writing
			// fresh state over them is the recovery path.
			s.log.Warn("overwriting unreadable data file", "path", s.path, "err", err)
		}
	}
	return s.saveLocked(ctx, recs)
}

// overwritable reports whether a load failure describes content a save
// may legitimately replace. Path, lock, and I/O failures are not in
// that set; overwriting on those would turn a transient fault into
// data loss.
func overwritable(err error) bool {
	for _, c := range []fwerrors.Code{
		fwerrors.CodeDecode,
		fwerrors.CodeEncoding,
		fwerrors.CodeSchema,
		fwerrors.CodeDuplicateID,
	} {
		if fwerrors.IsCode(err, c) {
			return true
		}
	}
	return false
}

// Add validates rec, assigns the next id, and persists it. The stored
// copy is returned with its id filled in.
func (s *Store[T]) Add(ctx context.Context, rec T) (stored T, err error) {
	start := time.Now()
	defer func() { s.observe("add", start, err) }()
	var zero T
	if err = rec.Validate(); err != nil {
		return zero, err
	}
	if err = s.dl.LockContext(ctx); err != nil {
		return zero, err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err = s.loadLocked(ctx); err != nil {
			return zero, err
		}
	}
	stored = rec.WithDocID(max(s.nextID, 1))
	if err = s.saveLocked(ctx, append(cloneAll(s.cache), stored)); err != nil {
		return zero, err
	}
	return stored.Clone(), nil
}

// Get returns the record with the given id.
func (s *Store[T]) Get(ctx context.Context, id int64) (rec T, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	var zero T
	if err = s.dl.LockContext(ctx); err != nil {
		return zero, err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err = s.loadLocked(ctx); err != nil {
			return zero, err
		}
	}
	for _, cur := range s.cache {
		if cur.DocID() == id {
			return cur.Clone(), nil
		}
	}
	return zero, fwerrors.NotFound(id)
}

// Update replaces the record carrying the same id as rec.
func (s *Store[T]) Update(ctx context.Context, rec T) (err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()
	if err = rec.Validate(); err != nil {
		return err
	}
	if rec.DocID() <= 0 {
		return fwerrors.Schema(fmt.Sprintf("cannot update a record with id %d", rec.DocID()))
	}
	if err = s.dl.LockContext(ctx); err != nil {
		return err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err = s.loadLocked(ctx); err != nil {
			return err
		}
	}
	idx := s.indexOf(rec.DocID())
	if idx < 0 {
		return fwerrors.NotFound(rec.DocID())
	}
	next := cloneAll(s.cache)
	next[idx] = rec.Clone()
	return s.saveLocked(ctx, next)
}

// Remove deletes the record with the given id.
func (s *Store[T]) Remove(ctx context.Context, id int64) (err error) {
	start := time.Now()
	defer func() { s.observe("remove", start, err) }()
	if err = s.dl.LockContext(ctx); err != nil {
		return err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err = s.loadLocked(ctx); err != nil {
			return err
		}
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return fwerrors.NotFound(id)
	}
	next := cloneAll(s.cache)
	next = append(next[:idx], next[idx+1:]...)
	return s.saveLocked(ctx, next)
}

// Count reports how many records exist, without deserializing them
// when the cache is cold.
func (s *Store[T]) Count(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("count", start, err) }()
	if err = s.dl.LockContext(ctx); err != nil {
		return 0, err
	}
	defer s.dl.Unlock()
	if s.loaded.Load() {
		return len(s.cache), nil
	}
	resolved, exists, err := atomicfile.ResolveRead(s.path, atomicfile.WithRoot(s.root))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	// Atomic replacement means a single read is a consistent snapshot;
	// counting does not need the OS lock.
	data, err := os.ReadFile(resolved)
	if err != nil {
		return 0, s.ioError("reading data file", err)
	}
	if s.gz {
		if data, err = gunzip(data); err != nil {
			return 0, fwerrors.Decode(s.path, err)
		}
	}
	if len(data) == 0 {
		return 0, nil
	}
	return envelope.CountRecords(s.path, data)
}

// NextID computes the id the allocator would hand out for the given
// records: one past the largest id in use, floored at the persisted
// cursor so ids are never reissued.
func (s *Store[T]) NextID(ctx context.Context, recs []T) (int64, error) {
	if err := s.dl.LockContext(ctx); err != nil {
		return 0, err
	}
	defer s.dl.Unlock()
	if !s.loaded.Load() {
		if err := s.loadLocked(ctx); err != nil {
			return 0, err
		}
	}
	next := max(s.nextID, 1)
	for _, rec := range recs {
		next = max(next, rec.DocID()+1)
	}
	return next, nil
}

// LockStats reports in-process lock contention counters.
func (s *Store[T]) LockStats() lock.WaitStats {
	return s.dl.Stats()
}

// Metrics returns the shared operation recorder, which may be nil.
func (s *Store[T]) Metrics() *metrics.Recorder {
	return s.rec
}

// loadLocked reads the file into the cache. The in-process lock must
// be held.
func (s *Store[T]) loadLocked(ctx context.Context) error {
	resolved, exists, err := atomicfile.ResolveRead(s.path, atomicfile.WithRoot(s.root))
	if err != nil {
		return err
	}
	if !exists {
		// First run. Not worth a log line.
		s.cache = nil
		s.nextID = max(s.nextID, 1)
		s.loaded.Store(true)
		return nil
	}
	if err := s.fl.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.fl.Release() }()
	data, err := os.ReadFile(resolved)
	if err != nil {
		return s.ioError("reading data file", err)
	}
	if s.gz {
		plain, gerr := gunzip(data)
		if gerr != nil {
			envelope.WriteBackup(s.path, data)
			return fwerrors.Decode(s.path, gerr)
		}
		data = plain
	}
	if len(data) == 0 {
		// A zero-length file appears when a lock probe had to create
		// it; treat it like a missing file.
		s.cache = nil
		s.nextID = max(s.nextID, 1)
		s.loaded.Store(true)
		return nil
	}
	env, err := envelope.Decode(s.path, data)
	if err != nil {
		return err
	}
	recs := make([]T, len(env.Records))
	for i, raw := range env.Records {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fwerrors.SchemaAt(i, "does not match the record shape").Wrap(err)
		}
		recs[i] = rec
	}
	s.cache = recs
	s.nextID = max(s.nextID, env.NextID)
	s.loaded.Store(true)
	if env.Legacy {
		s.log.Info("legacy data file, upgrading on next save", "path", s.path)
	}
	return nil
}

// saveLocked writes recs as the new collection. The in-process lock
// must be held.
func (s *Store[T]) saveLocked(ctx context.Context, recs []T) error {
	raws := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			return fwerrors.IO("encoding record", err)
		}
		raws[i] = blob
	}
	next := max(s.nextID, 1)
	for _, rec := range recs {
		next = max(next, rec.DocID()+1)
	}
	blob, err := envelope.Encode(raws, next)
	if err != nil {
		return err
	}
	if s.gz {
		if blob, err = gzipBytes(blob); err != nil {
			return fwerrors.IO("compressing data file", err)
		}
	}
	if err := s.fl.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.fl.Release() }()
	if s.bak {
		s.writeBak()
	}
	if err := atomicfile.WriteFile(s.path, blob, atomicfile.WithRoot(s.root)); err != nil {
		return err
	}
	s.cache = cloneAll(recs)
	s.nextID = next
	s.loaded.Store(true)
	return nil
}

// writeBak copies the current contents aside before overwriting.
// Failure only warns; the save itself stays atomic either way.
func (s *Store[T]) writeBak() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not read previous contents for backup", "path", s.path, "err", err)
		}
		return
	}
	bak := s.path + ".bak"
	if err := os.WriteFile(bak, data, 0o600); err != nil {
		s.log.Warn("could not write backup", "path", bak, "err", err)
	}
}

func (s *Store[T]) indexOf(id int64) int {
	for i, cur := range s.cache {
		if cur.DocID() == id {
			return i
		}
	}
	return -1
}

// observe reports an operation to the metrics recorder.
func (s *Store[T]) observe(kind string, start time.Time, err error) {
	if s.rec == nil {
		return
	}
	s.rec.Record(kind, time.Since(start), 0, err == nil, errorKind(err))
}

// errorKind maps an error to its metrics label.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var se *fwerrors.StoreError
	if errors.As(err, &se) {
		return string(se.Code())
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.Is(err, context.DeadlineExceeded):
		return "DEADLINE"
	}
	return "OTHER"
}

// ioError turns an OS failure into a user-facing error naming the path.
func (s *Store[T]) ioError(op string, err error) error {
	if os.IsPermission(err) {
		return fwerrors.New(fwerrors.CodeIO, "permission denied").WithPath(s.path).Wrap(err)
	}
	return fwerrors.New(fwerrors.CodeIO, op).WithPath(s.path).Wrap(err)
}

// cloneAll deep-copies a record slice so the cache and callers never
// alias each other.
func cloneAll[T Doc[T]](recs []T) []T {
	out := make([]T, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

// gzipBytes compresses blob for .gz data files.
func gzipBytes(blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(blob); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gunzip expands a .gz data file, bounded so a corrupt stream cannot
// balloon past the size cap.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(io.LimitReader(zr, envelope.MaxFileSize+1))
}
