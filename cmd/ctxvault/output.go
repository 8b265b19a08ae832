package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/cleanup"
	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// render writes v as indented JSON when --json is set, otherwise through
// the human printer.
func render[T any](w io.Writer, v T, human func(io.Writer, T) error) error {
	if outputAsJSON {
		return outputJSON(w, v)
	}
	return human(w, v)
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// listedArchive is one row of the list command.
type listedArchive struct {
	ContextID           string         `json:"context_id"`
	Scope               snapshot.Scope `json:"scope"`
	Level               tiering.Level  `json:"archive_level"`
	ArchivedAt          time.Time      `json:"archived_at,omitempty"`
	OriginalSizeBytes   int64          `json:"original_size_bytes"`
	CompressedSizeBytes int64          `json:"compressed_size_bytes"`
	CompressionRatio    float64        `json:"compression_ratio"`
	Payload             string         `json:"payload"`
	Error               string         `json:"error,omitempty"`
}

type listing struct {
	Archives []listedArchive `json:"archives"`
	Stats    store.Stats     `json:"stats"`
}

// newListing flattens store entries, newest archive first. Unreadable entries
// sort last.
func newListing(entries []store.Entry, stats store.Stats) listing {
	rows := make([]listedArchive, 0, len(entries))
	for _, e := range entries {
		row := listedArchive{
			ContextID: e.Key.ContextID,
			Scope:     e.Key.Scope,
			Level:     e.Level,
			Payload:   e.Paths.Payload,
		}
		if e.Err != nil {
			row.Error = e.Err.Error()
		}
		if e.Record != nil {
			row.ArchivedAt = e.Record.ArchivedAt
			row.OriginalSizeBytes = e.Record.OriginalSizeBytes
			row.CompressedSizeBytes = e.Record.CompressedSizeBytes
			row.CompressionRatio = e.Record.CompressionRatio
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ArchivedAt.After(rows[j].ArchivedAt)
	})
	return listing{Archives: rows, Stats: stats}
}

func printListing(w io.Writer, l listing) error {
	if len(l.Archives) == 0 {
		fmt.Fprintln(w, "No archives found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tCONTEXT\tLEVEL\tARCHIVED\tSIZE\tRATIO")
	for _, a := range l.Archives {
		if a.Error != "" {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\tunreadable: %s\n",
				a.Scope, truncate(a.ContextID, 32), a.Level, truncate(a.Error, 48))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			a.Scope,
			truncate(a.ContextID, 32),
			a.Level,
			humanize.Time(a.ArchivedAt),
			humanize.Bytes(uint64(a.CompressedSizeBytes)),
			a.CompressionRatio,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := l.Stats
	fmt.Fprintf(w, "\n%d archives (%d unreadable), %s stored for %s of context\n",
		s.Records, s.Unreadable,
		humanize.Bytes(uint64(s.CompressedBytes)),
		humanize.Bytes(uint64(s.OriginalBytes)))
	if !s.OldestArchive.IsZero() {
		fmt.Fprintf(w, "oldest archive: %s\n", humanize.Time(s.OldestArchive))
	}
	return nil
}

func printArchive(w io.Writer, res *engine.ArchiveResult) error {
	fmt.Fprintf(w, "Archived %s/%s at level %s\n", res.Scope, res.ContextID, res.Level)
	if rec := res.Record; rec != nil {
		fmt.Fprintf(w, "  size:     %s -> %s (ratio %.2f)\n",
			humanize.Bytes(uint64(rec.OriginalSizeBytes)),
			humanize.Bytes(uint64(rec.CompressedSizeBytes)),
			res.CompressionRatio)
		fmt.Fprintf(w, "  events:   %d kept, %d summarized\n", rec.RetainedEvents, rec.SummarizedEvents)
	}
	fmt.Fprintf(w, "  took:     %s\n", res.ArchiveTime.Round(time.Microsecond))
	fmt.Fprintf(w, "  payload:  %s\n", res.Paths.Payload)
	if res.Released {
		fmt.Fprintln(w, "  live context released")
	}
	return nil
}

func printRestore(w io.Writer, res *archive.RestoreResult) error {
	snap := res.Context
	fmt.Fprintf(w, "Restored %s/%s from level %s\n", snap.Scope, snap.ContextID, res.Summary.Level)
	fmt.Fprintf(w, "  away for: %s\n", res.Summary.TimeGapHuman)
	fmt.Fprintf(w, "  events:   %d retained, %d summarized in %d groups\n",
		res.Summary.RetainedEvents, res.Summary.SummarizedEvents, res.Summary.SummaryGroups)
	if len(res.Summary.SummarizedTypes) > 0 {
		fmt.Fprintf(w, "  summarized types: %s\n", strings.Join(res.Summary.SummarizedTypes, ", "))
	}
	budget := "within budget"
	if !res.PerformanceMet {
		budget = "over budget"
	}
	fmt.Fprintf(w, "  took:     %s (%s)\n", res.RestoreTime.Round(time.Microsecond), budget)
	if snap.CurrentTask != "" {
		fmt.Fprintf(w, "  task:     %s\n", snap.CurrentTask)
	}
	return nil
}

func printHealth(w io.Writer, r *engine.HealthReport) error {
	switch {
	case r.System != nil:
		return printSystemHealth(w, r.System)
	case r.Archive != nil:
		fmt.Fprintln(w, "No live context; checked the archive instead.")
		return printCheck(w, r.Archive)
	case r.Metric != nil:
		printMetric(w, r.Metric)
		if m := r.Maintenance; m != nil {
			actions := "none"
			if len(m.ActionsTaken) > 0 {
				actions = strings.Join(m.ActionsTaken, ", ")
			}
			fmt.Fprintf(w, "  actions:  %s\n", actions)
			if m.ErrorMessage != "" {
				fmt.Fprintf(w, "  error:    %s\n", m.ErrorMessage)
			}
		}
	}
	return nil
}

func printMetric(w io.Writer, m *health.Metric) {
	fmt.Fprintf(w, "%s/%s: %s (%.2f)\n", m.Scope, m.ContextID, m.Level, m.OverallScore)
	fmt.Fprintf(w, "  factors:  freshness %.2f, structure %.2f, size %.2f\n",
		m.Factors.Freshness, m.Factors.Structure, m.Factors.Size)
	fmt.Fprintf(w, "  age:      %s, %s\n",
		humanize.Time(m.EvaluatedAt.Add(-time.Duration(m.AgeHours*float64(time.Hour)))),
		humanize.Bytes(uint64(m.SizeBytes)))
	for _, p := range m.Problems {
		fmt.Fprintf(w, "  problem:  %s\n", p)
	}
}

func printSystemHealth(w io.Writer, s *health.SystemHealth) error {
	fmt.Fprintf(w, "Status: %s (%d contexts, average %.2f)\n", s.Status, s.ContextCount, s.AverageScore)
	for _, lvl := range []health.Level{health.LevelExcellent, health.LevelGood, health.LevelWarning, health.LevelCritical} {
		fmt.Fprintf(w, "  %-10s %d\n", lvl, s.ByLevel[lvl])
	}
	sched := "stopped"
	if s.Scheduler.Running {
		sched = "running"
	}
	fmt.Fprintf(w, "  scheduler: %s\n", sched)
	if a := s.Archive; a != nil {
		fmt.Fprintf(w, "  archives:  %d (%s)\n", a.Records, humanize.Bytes(uint64(a.CompressedBytes)))
	}
	if len(s.Contexts) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tCONTEXT\tLEVEL\tSCORE\tSIZE")
	for _, m := range s.Contexts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
			m.Scope, truncate(m.ContextID, 32), m.Level, m.OverallScore, humanize.Bytes(uint64(m.SizeBytes)))
	}
	return tw.Flush()
}

func printCheck(w io.Writer, c *health.ArchiveCheck) error {
	status := "ok"
	if !c.OK {
		status = "FAILED"
	}
	fmt.Fprintf(w, "%s/%s at level %s: %s\n", c.Scope, c.ContextID, c.Level, status)
	for _, p := range c.Problems {
		fmt.Fprintf(w, "  problem:  %s\n", p)
	}
	return nil
}

func printCleanup(w io.Writer, r *cleanup.Result) error {
	verb := "Deleted"
	if r.DryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(w, "%s %d of %d archives, freeing %s\n",
		verb, r.ProcessedCount, r.Scanned, humanize.Bytes(uint64(r.FreedBytes)))
	for _, c := range r.Candidates {
		fmt.Fprintf(w, "  %s/%s  %s  archived %s\n",
			c.Scope, c.ContextID, c.Level, humanize.Time(c.ArchivedAt))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s/%s: %s\n", e.Scope, e.ContextID, e.Message)
	}
	return nil
}

func printRecord(w io.Writer, rec *store.Record) error {
	fmt.Fprintf(w, "Rebuilt metadata for %s/%s at level %s\n", rec.Scope, rec.ContextID, rec.Level)
	fmt.Fprintf(w, "  archive id: %s\n", rec.ArchiveID)
	fmt.Fprintf(w, "  size:       %s -> %s\n",
		humanize.Bytes(uint64(rec.OriginalSizeBytes)),
		humanize.Bytes(uint64(rec.CompressedSizeBytes)))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
