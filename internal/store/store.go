// Package store persists archive payloads on the local file system.
//
// Layout:
//
//	<root>/<scope>/<level>/<context_id>.<archive_id>.ctxa   codec payload
//	<root>/<scope>/<level>/<context_id>.meta.json           Record sidecar
//
// A context has at most one archive per scope. Each write gets a new archive
// id, so the new payload never overwrites the old one; replacing the sidecar
// is the commit point. Payloads the sidecar does not name are leftovers and
// are removed by the next write or delete of the key. Callers are
// expected to serialize operations on one key; the store does not lock keys
// itself.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/fsx"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

const (
	// PayloadExt is the payload file extension.
	PayloadExt = ".ctxa"
	// MetadataExt is the sidecar file extension.
	MetadataExt = ".meta.json"

	// DefaultCacheSize is the number of records kept in the header cache.
	DefaultCacheSize = 1024

	filePerm = 0o600
)

// Paths locates the two files of one archive.
type Paths struct {
	Payload  string `json:"payload"`
	Metadata string `json:"metadata"`
}

// Store is a file-system archive store.
type Store struct {
	root   string
	logger *zap.Logger
	cache  *lru.Cache[snapshot.Key, *Record]
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCacheSize sets the record cache size. Values below 1 disable caching.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n < 1 {
			s.cache = nil
			return
		}
		c, err := lru.New[snapshot.Key, *Record](n)
		if err == nil {
			s.cache = c
		}
	}
}

// WithClock overrides the clock used by RebuildMetadata.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New opens or creates a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("archive root is required")
	}
	cache, err := lru.New[snapshot.Key, *Record](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	s := &Store{
		root:   root,
		logger: zap.NewNop(),
		cache:  cache,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	for _, scope := range snapshot.Scopes {
		for _, level := range tiering.Levels {
			if err := os.MkdirAll(s.levelDir(scope, level), 0o700); err != nil {
				return nil, fmt.Errorf("create archive directory: %w", err)
			}
		}
	}
	return s, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) levelDir(scope snapshot.Scope, level tiering.Level) string {
	return filepath.Join(s.root, string(scope), level.String())
}

// PathsFor returns where archive archiveID for key at level lives.
func (s *Store) PathsFor(key snapshot.Key, level tiering.Level, archiveID string) Paths {
	dir := s.levelDir(key.Scope, level)
	return Paths{
		Payload:  filepath.Join(dir, payloadName(key.ContextID, archiveID)),
		Metadata: filepath.Join(dir, key.ContextID+MetadataExt),
	}
}

// PathsOf returns where the archive described by rec lives.
func (s *Store) PathsOf(rec *Record) Paths {
	return s.PathsFor(rec.Key(), rec.Level, rec.ArchiveID)
}

func payloadName(contextID, archiveID string) string {
	if archiveID == "" {
		return contextID + PayloadExt
	}
	return contextID + "." + archiveID + PayloadExt
}

// parsePayloadName splits a payload file name into context and archive id.
// Names without an archive id suffix return an empty archive id.
func parsePayloadName(name string) (contextID, archiveID string, ok bool) {
	base, found := strings.CutSuffix(name, PayloadExt)
	if !found || base == "" {
		return "", "", false
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		if _, err := uuid.Parse(base[i+1:]); err == nil {
			return base[:i], base[i+1:], true
		}
	}
	return base, "", true
}

// payloadsAt returns the payload files for key at level, keyed by archive id.
func (s *Store) payloadsAt(key snapshot.Key, level tiering.Level) (map[string]string, error) {
	dir := s.levelDir(key.Scope, level)
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]string{}
	for _, f := range files {
		if f.IsDir() || fsx.IsTempName(f.Name()) {
			continue
		}
		id, archiveID, ok := parsePayloadName(f.Name())
		if ok && id == key.ContextID {
			out[archiveID] = filepath.Join(dir, f.Name())
		}
	}
	return out, nil
}

// firstPath returns the lexically first path in m, or "".
func firstPath(m map[string]string) string {
	var out string
	for _, p := range m {
		if out == "" || p < out {
			out = p
		}
	}
	return out
}

// removeStalePayloads removes every payload of key except keep, at every
// level.
func (s *Store) removeStalePayloads(key snapshot.Key, keep string) {
	for _, level := range tiering.Levels {
		payloads, err := s.payloadsAt(key, level)
		if err != nil {
			s.logger.Warn("failed to scan for stale payloads",
				zap.String("context_id", key.ContextID), zap.Error(err))
			continue
		}
		for _, p := range payloads {
			if p == keep {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to remove superseded archive file",
					zap.String("path", p), zap.Error(err))
			}
		}
	}
}

// Put writes payload and its record, replacing any archive for the same key
// at any level. rec gets a new ArchiveID and its SchemaVersion, size and
// digests are filled in. Until the sidecar is replaced the previous archive
// stays readable.
func (s *Store) Put(ctx context.Context, rec *Record, payload []byte) (Paths, error) {
	if rec == nil {
		return Paths{}, errors.New("record is required")
	}
	if err := rec.validate(); err != nil {
		return Paths{}, err
	}
	if err := ctx.Err(); err != nil {
		return Paths{}, err
	}

	rec.SchemaVersion = RecordSchemaVersion
	rec.ArchiveID = uuid.NewString()
	rec.CompressedSizeBytes = int64(len(payload))
	rec.PayloadSHA256 = payloadHash(payload)

	meta, err := encodeRecord(rec)
	if err != nil {
		return Paths{}, err
	}

	key := rec.Key()
	paths := s.PathsOf(rec)
	if err := fsx.WriteFileAtomic(paths.Payload, payload, filePerm); err != nil {
		return Paths{}, fmt.Errorf("write payload: %w", err)
	}
	if err := fsx.WriteFileAtomic(paths.Metadata, meta, filePerm); err != nil {
		_ = os.Remove(paths.Payload)
		return Paths{}, fmt.Errorf("write metadata: %w", err)
	}

	for _, level := range tiering.Levels {
		if level == rec.Level {
			continue
		}
		old := s.levelDir(key.Scope, level)
		p := filepath.Join(old, key.ContextID+MetadataExt)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove superseded archive file",
				zap.String("path", p), zap.Error(err))
		}
	}
	s.removeStalePayloads(key, paths.Payload)

	if s.cache != nil {
		s.cache.Add(key, rec.Clone())
	}
	s.logger.Debug("archive written",
		zap.String("context_id", key.ContextID),
		zap.String("scope", string(key.Scope)),
		zap.Stringer("level", rec.Level),
		zap.Int64("bytes", rec.CompressedSizeBytes),
	)
	return paths, nil
}

// Locate returns the record for key. If none exists but the id is archived
// under the other scope it returns *ScopeMismatchError; if neither exists,
// ErrNotFound.
func (s *Store) Locate(ctx context.Context, key snapshot.Key) (*Record, error) {
	rec, err := s.LocateExact(ctx, key)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}

	other := snapshot.Key{ContextID: key.ContextID, Scope: key.Scope.Other()}
	if _, otherErr := s.find(other); otherErr == nil || !errors.Is(otherErr, ErrNotFound) {
		return nil, &ScopeMismatchError{ContextID: key.ContextID, Requested: key.Scope, Actual: other.Scope}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key.ContextID)
}

// LocateExact returns the record for key under its own scope only. It
// returns ErrNotFound even when the id is archived under the other scope.
func (s *Store) LocateExact(ctx context.Context, key snapshot.Key) (*Record, error) {
	if err := snapshot.ValidateContextID(key.ContextID); err != nil {
		return nil, err
	}
	if !key.Scope.Valid() {
		return nil, fmt.Errorf("%w: %q", snapshot.ErrInvalidScope, key.Scope)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.find(key)
}

func (s *Store) find(key snapshot.Key) (*Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(key); ok {
			if _, err := os.Stat(s.PathsOf(rec).Metadata); err == nil {
				return rec.Clone(), nil
			}
			s.cache.Remove(key)
		}
	}

	var (
		found    *Record
		firstErr error
	)
	for _, level := range tiering.Levels {
		metadata := filepath.Join(s.levelDir(key.Scope, level), key.ContextID+MetadataExt)
		data, err := os.ReadFile(metadata)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				firstErr = fmt.Errorf("read metadata: %w", err)
				continue
			}
			if payloads, _ := s.payloadsAt(key, level); len(payloads) > 0 && firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrMissingMetadata, firstPath(payloads))
			}
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", metadata, err)
			}
			continue
		}
		// Leftovers from an interrupted re-archive: newest wins.
		if found == nil || rec.ArchivedAt.After(found.ArchivedAt) {
			found = rec
		}
	}

	if found != nil {
		if s.cache != nil {
			s.cache.Add(key, found.Clone())
		}
		return found, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrNotFound
}

// Get returns the record and payload for key. A payload that does not match
// the record's digest is reported as *codec.CorruptArchiveError.
func (s *Store) Get(ctx context.Context, key snapshot.Key) (*Record, []byte, error) {
	rec, err := s.Locate(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	payload, err := os.ReadFile(s.PathsOf(rec).Payload)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingPayload, key)
		}
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	if payloadHash(payload) != rec.PayloadSHA256 {
		return nil, nil, &codec.CorruptArchiveError{Reason: "payload digest does not match metadata"}
	}
	return rec, payload, nil
}

// Delete removes the archive for key and returns its record. A missing
// payload file is an error, but the sidecar is still removed. Leftover
// payloads of the key are removed too.
func (s *Store) Delete(ctx context.Context, key snapshot.Key) (*Record, error) {
	rec, err := s.find(key)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Remove(key)
	}

	paths := s.PathsOf(rec)
	var errs []error
	if err := os.Remove(paths.Payload); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingPayload, paths.Payload))
		} else {
			errs = append(errs, fmt.Errorf("remove payload: %w", err))
		}
	}
	if err := os.Remove(paths.Metadata); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove metadata: %w", err))
	}
	s.removeStalePayloads(key, "")
	if len(errs) > 0 {
		return rec, errors.Join(errs...)
	}
	_ = fsx.SyncDir(filepath.Dir(paths.Payload))

	s.logger.Debug("archive deleted",
		zap.String("context_id", key.ContextID),
		zap.String("scope", string(key.Scope)),
		zap.Stringer("level", rec.Level),
	)
	return rec, nil
}

// Entry is one archive found by List. Record is nil when Err is set.
type Entry struct {
	Key    snapshot.Key
	Level  tiering.Level
	Paths  Paths
	Record *Record
	Err    error
}

// List walks every scope and level. Unreadable sidecars and payloads
// without sidecars are returned as entries with Err set. The returned error
// is reserved for failures to read the directory tree itself.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("read archive root: %w", err)
	}

	var entries []Entry
	for _, scope := range snapshot.Scopes {
		for _, level := range tiering.Levels {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			dir := s.levelDir(scope, level)
			files, err := os.ReadDir(dir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("read %s: %w", dir, err)
			}

			sidecars := map[string]struct{}{}
			payloads := map[string]map[string]string{}
			for _, f := range files {
				name := f.Name()
				if f.IsDir() || fsx.IsTempName(name) {
					continue
				}
				if id, ok := strings.CutSuffix(name, MetadataExt); ok {
					sidecars[id] = struct{}{}
					continue
				}
				if id, archiveID, ok := parsePayloadName(name); ok {
					if payloads[id] == nil {
						payloads[id] = map[string]string{}
					}
					payloads[id][archiveID] = filepath.Join(dir, name)
				}
			}

			for id := range sidecars {
				key := snapshot.Key{ContextID: id, Scope: scope}
				entry := Entry{Key: key, Level: level, Paths: Paths{
					Payload:  firstPath(payloads[id]),
					Metadata: filepath.Join(dir, id+MetadataExt),
				}}
				data, err := os.ReadFile(entry.Paths.Metadata)
				if err != nil {
					entry.Err = fmt.Errorf("read metadata: %w", err)
				} else if entry.Record, entry.Err = decodeRecord(data); entry.Err == nil {
					entry.Paths = s.PathsOf(entry.Record)
				}
				entries = append(entries, entry)
			}
			// Payloads beside a sidecar that does not name them are leftovers
			// of an interrupted write and are not listed.
			for id, found := range payloads {
				if _, ok := sidecars[id]; ok {
					continue
				}
				key := snapshot.Key{ContextID: id, Scope: scope}
				payload := firstPath(found)
				entries = append(entries, Entry{
					Key:   key,
					Level: level,
					Paths: Paths{Payload: payload, Metadata: filepath.Join(dir, id+MetadataExt)},
					Err:   fmt.Errorf("%w: %s", ErrMissingMetadata, payload),
				})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Key.Scope != b.Key.Scope {
			return a.Key.Scope < b.Key.Scope
		}
		if a.Key.ContextID != b.Key.ContextID {
			return a.Key.ContextID < b.Key.ContextID
		}
		return a.Level < b.Level
	})
	return entries, nil
}

// Stats summarizes the archive inventory.
type Stats struct {
	Records         int                    `json:"records"`
	Unreadable      int                    `json:"unreadable"`
	ByLevel         map[tiering.Level]int  `json:"by_level"`
	ByScope         map[snapshot.Scope]int `json:"by_scope"`
	OriginalBytes   int64                  `json:"original_bytes"`
	CompressedBytes int64                  `json:"compressed_bytes"`
	OldestArchive   time.Time              `json:"oldest_archive,omitempty"`
}

// Stats walks the store and aggregates record counts and sizes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByLevel: map[tiering.Level]int{},
		ByScope: map[snapshot.Scope]int{},
	}
	for _, e := range entries {
		if e.Err != nil {
			st.Unreadable++
			continue
		}
		st.Records++
		st.ByLevel[e.Record.Level]++
		st.ByScope[e.Record.Scope]++
		st.OriginalBytes += e.Record.OriginalSizeBytes
		st.CompressedBytes += e.Record.CompressedSizeBytes
		if st.OldestArchive.IsZero() || e.Record.ArchivedAt.Before(st.OldestArchive) {
			st.OldestArchive = e.Record.ArchivedAt
		}
	}
	return st, nil
}

// RebuildMetadata regenerates the sidecar for the payload of key at level from
// the payload itself. The payload must decode cleanly. When several payloads
// of key sit at level, the most recently archived one that decodes is used.
// The archive id is taken from the payload file name, or assigned when the
// name carries none.
func (s *Store) RebuildMetadata(ctx context.Context, key snapshot.Key, level tiering.Level) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates, err := s.payloadsAt(key, level)
	if err != nil {
		return nil, fmt.Errorf("read payloads: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, s.PathsFor(key, level, "").Payload)
	}

	var (
		chosenID string
		chosen   string
		payload  []byte
		d        *codec.Decoded
		firstErr error
	)
	for archiveID, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			firstErr = cmp.Or(firstErr, fmt.Errorf("read payload: %w", err))
			continue
		}
		decoded, err := codec.Decode(data)
		if err != nil {
			firstErr = cmp.Or(firstErr, err)
			continue
		}
		if decoded.Info.ContextID != key.ContextID || decoded.Info.Scope != key.Scope || decoded.Header.Level != level {
			firstErr = cmp.Or(firstErr, fmt.Errorf("payload at %s belongs to %s/%s at %s",
				path, decoded.Info.Scope, decoded.Info.ContextID, decoded.Header.Level))
			continue
		}
		if d == nil || decoded.Info.ArchivedAt.After(d.Info.ArchivedAt) {
			d, payload, chosenID, chosen = decoded, data, archiveID, path
		}
	}
	if d == nil {
		return nil, firstErr
	}

	if chosenID == "" {
		chosenID = uuid.NewString()
	}
	paths := s.PathsFor(key, level, chosenID)
	if chosen != paths.Payload {
		if err := os.Rename(chosen, paths.Payload); err != nil {
			return nil, fmt.Errorf("rename payload: %w", err)
		}
	}

	rec := &Record{
		SchemaVersion:        RecordSchemaVersion,
		ArchiveID:            chosenID,
		ContextID:            key.ContextID,
		Scope:                key.Scope,
		Level:                level,
		CurrentTask:          d.Info.CurrentTask,
		OriginalSizeBytes:    d.Info.OriginalSize,
		CompressedSizeBytes:  int64(len(payload)),
		ArchivedAt:           d.Info.ArchivedAt,
		SourceLastActivityAt: d.Info.LastActivityAt,
		RetainedEvents:       len(d.Retained),
		SummarizedEvents:     d.SummarizedEvents(),
		SummaryGroups:        len(d.Summaries),
		PayloadSHA256:        payloadHash(payload),
	}
	if rec.OriginalSizeBytes > 0 {
		rec.CompressionRatio = float64(rec.CompressedSizeBytes) / float64(rec.OriginalSizeBytes)
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = s.now()
	}

	meta, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := fsx.WriteFileAtomic(paths.Metadata, meta, filePerm); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if s.cache != nil {
		s.cache.Remove(key)
	}
	s.logger.Info("archive metadata rebuilt",
		zap.String("context_id", key.ContextID),
		zap.String("scope", string(key.Scope)),
		zap.Stringer("level", level),
	)
	return rec, nil
}
