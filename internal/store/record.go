package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// RecordSchemaVersion is written into every sidecar.
const RecordSchemaVersion = 1

// Record is the metadata kept beside an archive payload.
type Record struct {
	SchemaVersion        int            `json:"schema_version"`
	ArchiveID            string         `json:"archive_id"`
	ContextID            string         `json:"context_id"`
	Scope                snapshot.Scope `json:"scope"`
	Level                tiering.Level  `json:"level"`
	CurrentTask          string         `json:"current_task,omitempty"`
	OriginalSizeBytes    int64          `json:"original_size_bytes"`
	CompressedSizeBytes  int64          `json:"compressed_size_bytes"`
	CompressionRatio     float64        `json:"compression_ratio"`
	ArchivedAt           time.Time      `json:"archived_at"`
	SourceLastActivityAt time.Time      `json:"source_last_activity_at"`
	RetainedEvents       int            `json:"retained_events"`
	SummarizedEvents     int            `json:"summarized_events"`
	SummaryGroups        int            `json:"summary_groups"`

	// PayloadSHA256 is the hex sha256 of the payload file.
	PayloadSHA256 string `json:"payload_sha256"`
	// MetadataSHA256 is the hex sha256 of the canonical form of this record
	// with this field empty.
	MetadataSHA256 string `json:"metadata_sha256,omitempty"`
}

// Key returns the record's context key.
func (r *Record) Key() snapshot.Key {
	return snapshot.Key{ContextID: r.ContextID, Scope: r.Scope}
}

// Age is the time since the record was written.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.ArchivedAt)
}

// Clone returns a copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

func (r *Record) validate() error {
	if err := snapshot.ValidateContextID(r.ContextID); err != nil {
		return err
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: %q", snapshot.ErrInvalidScope, r.Scope)
	}
	if !r.Level.Valid() {
		return fmt.Errorf("invalid archive level %d", r.Level)
	}
	if r.ArchivedAt.IsZero() {
		return errors.New("archived_at is required")
	}
	return nil
}

func (r *Record) computeMetadataHash() (string, error) {
	tmp := *r
	tmp.MetadataSHA256 = ""
	raw, err := json.Marshal(&tmp)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func encodeRecord(r *Record) ([]byte, error) {
	hash, err := r.computeMetadataHash()
	if err != nil {
		return nil, fmt.Errorf("hash metadata: %w", err)
	}
	r.MetadataSHA256 = hash
	return json.MarshalIndent(r, "", "  ")
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if r.SchemaVersion != RecordSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptMetadata, r.SchemaVersion)
	}
	want, err := r.computeMetadataHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if r.MetadataSHA256 != want {
		return nil, fmt.Errorf("%w: metadata digest mismatch", ErrCorruptMetadata)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	return &r, nil
}
