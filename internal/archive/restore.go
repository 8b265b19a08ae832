package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/keylock"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// RestoreNoticeType is the event type of the synthesized restore notice.
const RestoreNoticeType = "restore_notice"

// restoreNoticeImportance keeps the notice verbatim through Sleeping if the
// restored context is archived again.
const restoreNoticeImportance = 7

// RestorationSummary describes what a restore brought back.
type RestorationSummary struct {
	Level            tiering.Level `json:"archive_level"`
	RetainedEvents   int           `json:"retained_events"`
	SummarizedEvents int           `json:"summarized_events"`
	SummaryGroups    int           `json:"summary_groups"`
	SummarizedTypes  []string      `json:"summarized_types,omitempty"`
	TimeGapHuman     string        `json:"time_gap_human"`
	ArchivedAt       time.Time     `json:"archived_at"`
}

// RestoreResult is the reconstituted context plus timing.
type RestoreResult struct {
	Context        *snapshot.Snapshot `json:"context"`
	TimeGap        time.Duration      `json:"-"`
	TimeGapMS      int64              `json:"time_gap_ms"`
	RestoreTime    time.Duration      `json:"-"`
	RestoreTimeMS  float64            `json:"restore_time_ms"`
	PerformanceMet bool               `json:"performance_met"`
	Summary        RestorationSummary `json:"restoration_summary"`
	Record         *store.Record      `json:"record"`
}

// RestoreNotice is the payload of the restore notice event.
type RestoreNotice struct {
	Message          string        `json:"message"`
	TimeGapMS        int64         `json:"time_gap_ms"`
	TimeGapHuman     string        `json:"time_gap_human"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	ArchivedAt       time.Time     `json:"archived_at"`
	Level            tiering.Level `json:"archive_level"`
	SummarizedEvents int           `json:"summarized_events"`
	SummarizedTypes  []string      `json:"summarized_types,omitempty"`
}

// Restorer reads archives back into snapshots.
type Restorer struct {
	store *store.Store
	opts  options
	log   *Logger
}

// NewRestorer creates a Restorer over st.
func NewRestorer(st *store.Store, opts ...Option) (*Restorer, error) {
	if st == nil {
		return nil, errors.New("archive store is required")
	}
	o := buildOptions(opts)
	return &Restorer{store: st, opts: o, log: NewLogger(o.logger)}, nil
}

// Budget returns the restore time budget.
func (r *Restorer) Budget() time.Duration { return r.opts.budget }

// Restore locates the archive for (contextID, scope), decodes it, and
// rebuilds the event log with a restore notice appended. The scope is never
// inferred: an archive under the other scope yields *ScopeMismatchError.
// Corrupt payloads yield *CorruptArchiveError and no context.
func (r *Restorer) Restore(ctx context.Context, contextID string, scope snapshot.Scope) (*RestoreResult, error) {
	key := snapshot.Key{ContextID: contextID, Scope: scope}
	ctx, span := StartSpan(ctx, "archive.Restore", key)
	defer span.End()

	unlock := r.opts.locks.Lock(keylock.Key(contextID, string(scope)))
	defer unlock()

	start := time.Now()
	res, err := r.restore(ctx, key)
	elapsed := time.Since(start)
	if err != nil {
		RecordError(span, err)
		r.opts.metrics.RecordRestoreError(ctx, scope, restoreErrorReason(err))
		r.log.RestoreFailed(ctx, key, elapsed, err)
		return nil, err
	}

	res.RestoreTime = elapsed
	res.RestoreTimeMS = float64(elapsed) / float64(time.Millisecond)
	res.PerformanceMet = elapsed < r.opts.budget

	r.opts.metrics.RecordRestore(ctx, scope, res.Summary.Level, elapsed, res.PerformanceMet)
	r.log.Restored(ctx, res)
	return res, nil
}

func (r *Restorer) restore(ctx context.Context, key snapshot.Key) (*RestoreResult, error) {
	rec, payload, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	d, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	if d.Info.ContextID != key.ContextID || d.Info.Scope != key.Scope {
		return nil, &codec.CorruptArchiveError{
			Reason: fmt.Sprintf("payload belongs to %s/%s", d.Info.Scope, d.Info.ContextID),
		}
	}

	now := r.opts.now()
	gap := now.Sub(rec.SourceLastActivityAt)
	if gap < 0 {
		gap = 0
	}
	human := humanize.RelTime(rec.SourceLastActivityAt, now, "ago", "from now")

	types := make([]string, 0, len(d.Summaries))
	for _, s := range d.Summaries {
		types = append(types, s.Type)
	}

	summary := RestorationSummary{
		Level:            d.Header.Level,
		RetainedEvents:   len(d.Retained),
		SummarizedEvents: d.SummarizedEvents(),
		SummaryGroups:    len(d.Summaries),
		SummarizedTypes:  types,
		TimeGapHuman:     human,
		ArchivedAt:       rec.ArchivedAt,
	}

	notice, err := restoreNotice(now, gap, rec, summary)
	if err != nil {
		return nil, err
	}

	snap := &snapshot.Snapshot{
		ContextID:      key.ContextID,
		Scope:          key.Scope,
		CurrentTask:    d.Info.CurrentTask,
		LastActivityAt: d.Info.LastActivityAt,
		Events:         d.Events(),
	}
	snap.Append(notice)
	snap.Seal()

	return &RestoreResult{
		Context:   snap,
		TimeGap:   gap,
		TimeGapMS: gap.Milliseconds(),
		Summary:   summary,
		Record:    rec,
	}, nil
}

func restoreNotice(now time.Time, gap time.Duration, rec *store.Record, s RestorationSummary) (snapshot.Event, error) {
	msg := fmt.Sprintf("Context restored from %s archive; last activity was %s.", s.Level, s.TimeGapHuman)
	if s.SummarizedEvents > 0 {
		msg += fmt.Sprintf(" %d events across %d types were summarized and are not available verbatim.",
			s.SummarizedEvents, s.SummaryGroups)
	}
	payload, err := json.Marshal(RestoreNotice{
		Message:          msg,
		TimeGapMS:        gap.Milliseconds(),
		TimeGapHuman:     s.TimeGapHuman,
		LastActivityAt:   rec.SourceLastActivityAt,
		ArchivedAt:       rec.ArchivedAt,
		Level:            s.Level,
		SummarizedEvents: s.SummarizedEvents,
		SummarizedTypes:  s.SummarizedTypes,
	})
	if err != nil {
		return snapshot.Event{}, fmt.Errorf("marshal restore notice: %w", err)
	}
	return snapshot.Event{
		Type:       RestoreNoticeType,
		Payload:    payload,
		Importance: restoreNoticeImportance,
		Timestamp:  now,
		Origin:     snapshot.OriginRestoreNotice,
	}, nil
}

func restoreErrorReason(err error) string {
	var mismatch *ScopeMismatchError
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &mismatch):
		return "scope_mismatch"
	case errors.Is(err, ErrCorruptArchive):
		return "corrupt"
	default:
		return "io"
	}
}
