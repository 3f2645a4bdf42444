package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sync run status constants
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// SyncResult summarizes the outcome of one table's reconciliation.
type SyncResult struct {
	Table          string    `json:"table"`
	ChangesApplied int       `json:"changes_applied"`
	ConflictsFound int       `json:"conflicts_found"`
	SyncedAt       time.Time `json:"synced_at"`
	Error          string    `json:"error,omitempty"`
}

// SyncStatus is one row of the append-only sync audit trail.
type SyncStatus struct {
	ID        string    `json:"id"`
	SyncType  string    `json:"sync_type"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict records a divergence between local and remote change sets for
// the same record within a sync window. Lifecycle: created unresolved,
// later flipped to resolved manually or by a higher-level policy.
type Conflict struct {
	ID                string    `json:"id"`
	TableName         string    `json:"table_name"`
	RecordID          string    `json:"record_id"`
	Operation         string    `json:"operation"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	SyncTime          time.Time `json:"sync_time"`
	Resolved          bool      `json:"resolved"`
	ResolutionDetails string    `json:"resolution_details,omitempty"`
}

// RecordSyncStatus appends a row to the sync_status audit trail. It is
// called on every outcome, including failures, so postmortems have a
// complete record; a failure to append is logged but never propagated.
func (e *Engine) RecordSyncStatus(ctx context.Context, syncType, status, message string, details map[string]interface{}) {
	var detailsJSON string
	if details != nil {
		if payload, err := json.Marshal(details); err == nil {
			detailsJSON = string(payload)
		}
	}

	query := `
		INSERT INTO sync_status (id, sync_type, status, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := e.mgr.Exec(ctx, query, []interface{}{
		uuid.NewString(), syncType, status, message, detailsJSON, time.Now().UTC(),
	}, true)
	if err != nil {
		e.logger.WithError(err).Error("Failed to record sync status")
	}
}

// RecentStatuses returns the newest sync_status rows, newest first.
func (e *Engine) RecentStatuses(ctx context.Context, limit int) ([]SyncStatus, error) {
	query := `
		SELECT id, sync_type, status, message, details, timestamp
		FROM sync_status
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := e.mgr.Execute(ctx, query, []interface{}{limit}, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync_status: %w", err)
	}
	defer rows.Close()

	var statuses []SyncStatus
	for rows.Next() {
		var s SyncStatus
		var message, details sql.NullString
		if err := rows.Scan(&s.ID, &s.SyncType, &s.Status, &message, &details, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sync_status row: %w", err)
		}
		s.Message = message.String
		s.Details = details.String
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync_status rows: %w", err)
	}

	return statuses, nil
}

// UnresolvedConflicts returns conflicts awaiting manual resolution, oldest
// first.
func (e *Engine) UnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	query := `
		SELECT id, table_name, record_id, operation, error_message, sync_time, resolved, resolution_details
		FROM sync_conflicts
		WHERE resolved = ?
		ORDER BY sync_time ASC
	`
	rows, err := e.mgr.Execute(ctx, query, []interface{}{false}, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync_conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		var errMsg, resolution sql.NullString
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordID, &c.Operation, &errMsg, &c.SyncTime, &c.Resolved, &resolution); err != nil {
			return nil, fmt.Errorf("failed to scan sync_conflicts row: %w", err)
		}
		c.ErrorMessage = errMsg.String
		c.ResolutionDetails = resolution.String
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync_conflicts rows: %w", err)
	}

	return conflicts, nil
}
