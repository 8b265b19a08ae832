package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

var (
	// archive flags
	keepActive bool

	// health flags
	healthScope       string
	healthMaintenance bool

	// cleanup flags
	retentionDays int
	dryRun        bool

	// recover-metadata flags
	recoverLevel string
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(recoverMetadataCmd)

	archiveCmd.Flags().BoolVar(&keepActive, "keep-active", false, "Leave the live context in place after archiving")

	healthCmd.Flags().StringVar(&healthScope, "scope", string(snapshot.ScopeSession), "Scope of the context (session or project)")
	healthCmd.Flags().BoolVar(&healthMaintenance, "maintenance", false, "Act on the score instead of only reporting it")

	cleanupCmd.Flags().IntVar(&retentionDays, "retention-days", -1, "Delete archives older than this many days (default from config)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report candidates without deleting anything")

	recoverMetadataCmd.Flags().StringVar(&recoverLevel, "level", "", "Archive level holding the payload (dormant, sleeping, deep_sleep)")
	_ = recoverMetadataCmd.MarkFlagRequired("level")
}

var archiveCmd = &cobra.Command{
	Use:   "archive <scope> <context-id>",
	Short: "Archive a live context",
	Long: `Compress a live context into the archive store at the level its age selects.

Unless --keep-active is set, the live context is released afterwards.

Examples:
  # Archive a session context
  ctxvault archive session sess_123

  # Archive but keep the live copy
  ctxvault archive project notes-42 --keep-active`,
	Args: cobra.ExactArgs(2),
	RunE: runArchive,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <scope> <context-id>",
	Short: "Restore an archived context",
	Long: `Decompress an archived context and hand it back to the live store.

The restored context carries a notice describing the time gap and what was
summarized away.

Examples:
  # Restore a session context
  ctxvault restore session sess_123

  # Restore and print the full result as JSON
  ctxvault restore session sess_123 --json`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

var healthCmd = &cobra.Command{
	Use:   "health [context-id]",
	Short: "Score context health",
	Long: `Score one context, or summarize every live context when no id is given.

A context that exists only as an archive gets an integrity check instead.

Examples:
  # System summary
  ctxvault health

  # Score one session context
  ctxvault health sess_123

  # Score and run maintenance
  ctxvault health sess_123 --maintenance`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHealth,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete archives past the retention window",
	Long: `Delete archives whose archive time is older than the retention window.

Examples:
  # Preview what would be deleted
  ctxvault cleanup --dry-run

  # Delete archives older than 30 days
  ctxvault cleanup --retention-days 30`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived contexts",
	Long: `List every archive with its level, size and age, followed by store totals.

Examples:
  # Table output
  ctxvault list

  # JSON output
  ctxvault list --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var checkCmd = &cobra.Command{
	Use:   "check <scope> <context-id>",
	Short: "Verify an archive",
	Long: `Verify an archive's checksums and decode its payload without restoring it.

Examples:
  ctxvault check session sess_123`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

var recoverMetadataCmd = &cobra.Command{
	Use:   "recover-metadata <scope> <context-id>",
	Short: "Rebuild a lost or corrupt metadata sidecar",
	Long: `Rebuild an archive's metadata sidecar from its payload.

Use this when check reports a missing or corrupt sidecar. The payload is
decoded and a fresh sidecar is written next to it.

Examples:
  ctxvault recover-metadata session sess_123 --level sleeping`,
	Args: cobra.ExactArgs(2),
	RunE: runRecoverMetadata,
}

func runArchive(cmd *cobra.Command, args []string) error {
	scope, err := parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.Archive(ctx, args[1], scope, engine.ArchiveOptions{KeepActive: keepActive})
		if err != nil {
			return fmt.Errorf("failed to archive %s/%s: %w", scope, args[1], err)
		}
		return render(cmd.OutOrStdout(), res, printArchive)
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	scope, err := parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.Restore(ctx, args[1], scope)
		if err != nil {
			return fmt.Errorf("failed to restore %s/%s: %w", scope, args[1], err)
		}
		return render(cmd.OutOrStdout(), res, printRestore)
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	var contextID string
	if len(args) == 1 {
		contextID = args[0]
	}
	scope, err := snapshot.ParseScope(healthScope)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		report, err := a.engine.Health(ctx, contextID, engine.HealthOptions{
			Scope:       scope,
			Maintenance: healthMaintenance,
		})
		if err != nil {
			return fmt.Errorf("failed to check health: %w", err)
		}
		return render(cmd.OutOrStdout(), report, printHealth)
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		days := retentionDays
		if days < 0 {
			days = a.cfg.Cleanup.RetentionDays
		}
		res, err := a.engine.Cleanup(ctx, engine.CleanupOptions{RetentionDays: days, DryRun: dryRun})
		if err != nil {
			return fmt.Errorf("failed to clean up archives: %w", err)
		}
		return render(cmd.OutOrStdout(), res, printCleanup)
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		entries, err := a.engine.Archives(ctx)
		if err != nil {
			return fmt.Errorf("failed to list archives: %w", err)
		}
		stats, err := a.engine.Store().Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to compute archive stats: %w", err)
		}
		return render(cmd.OutOrStdout(), newListing(entries, stats), printListing)
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	scope, err := parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		check, err := a.engine.CheckArchive(ctx, args[1], scope)
		if err != nil {
			return fmt.Errorf("failed to check %s/%s: %w", scope, args[1], err)
		}
		if err := render(cmd.OutOrStdout(), check, printCheck); err != nil {
			return err
		}
		if !check.OK {
			return fmt.Errorf("archive %s/%s failed verification", scope, args[1])
		}
		return nil
	})
}

func runRecoverMetadata(cmd *cobra.Command, args []string) error {
	scope, err := parseKey(args[0], args[1])
	if err != nil {
		return err
	}
	level, err := tiering.ParseLevel(recoverLevel)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		key := snapshot.Key{ContextID: args[1], Scope: scope}
		rec, err := a.engine.Store().RebuildMetadata(ctx, key, level)
		if err != nil {
			return fmt.Errorf("failed to rebuild metadata for %s: %w", key, err)
		}
		a.logger.Info(ctx, "rebuilt archive metadata", logging.ContextKey(key.ContextID, string(key.Scope))...)
		return render(cmd.OutOrStdout(), rec, printRecord)
	})
}
