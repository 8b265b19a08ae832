package http

import (
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ArchiveRequest is the optional body for POST /api/v1/contexts/:scope/:id/archive.
type ArchiveRequest struct {
	KeepActive bool `json:"keep_active"`
}

// CleanupRequest is the optional body for POST /api/v1/cleanup. A missing
// retention_days uses the server default.
type CleanupRequest struct {
	RetentionDays *int `json:"retention_days,omitempty"`
	DryRun        bool `json:"dry_run"`
}

// ArchiveEntry is one archive in GET /api/v1/archives.
type ArchiveEntry struct {
	ContextID string         `json:"context_id"`
	Scope     snapshot.Scope `json:"scope"`
	Level     tiering.Level  `json:"archive_level"`
	Record    *store.Record  `json:"record,omitempty"`
	Error     string         `json:"error,omitempty"` // set when the sidecar is unreadable
}

// ArchiveListResponse is the response body for GET /api/v1/archives.
type ArchiveListResponse struct {
	Archives []ArchiveEntry `json:"archives"`
	Total    int            `json:"total"`
}

// ErrorResponse is returned for failed operations.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// ActualScope is set on scope mismatches so the caller can retry.
	ActualScope snapshot.Scope `json:"actual_scope,omitempty"`
}
