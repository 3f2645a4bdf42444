package manager

import (
	"context"
	"fmt"
)

// migrateLocal creates the sync metadata tables on the local store. These
// tables describe sync; they are never themselves sync targets.
func (m *Manager) migrateLocal(ctx context.Context) error {
	migrations := []string{
		createChangeLogTable,
		createSyncStatusTable,
		createSyncConflictsTable,
		createChangeLogIndex,
	}

	for i, migration := range migrations {
		if _, err := m.Exec(ctx, migration, nil, true); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

// EnsureRemoteChangeLog creates the change_log table on the remote replica
// if it is missing. The replica needs its own change_log so divergence can
// be detected, but never carries sync_status or sync_conflicts.
func (m *Manager) EnsureRemoteChangeLog(ctx context.Context) error {
	if m.remote == nil {
		return fmt.Errorf("no remote replica configured")
	}
	if _, err := m.Exec(ctx, createChangeLogTable, nil, false); err != nil {
		return fmt.Errorf("failed to ensure remote change_log: %w", err)
	}
	return nil
}

const createChangeLogTable = `
CREATE TABLE IF NOT EXISTS change_log (
    id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
    record_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    user_id TEXT,
    details TEXT
);`

const createSyncStatusTable = `
CREATE TABLE IF NOT EXISTS sync_status (
    id TEXT PRIMARY KEY,
    sync_type TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT,
    details TEXT,
    timestamp TIMESTAMP NOT NULL
);`

const createSyncConflictsTable = `
CREATE TABLE IF NOT EXISTS sync_conflicts (
    id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    error_message TEXT,
    sync_time TIMESTAMP NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT FALSE,
    resolution_details TEXT
);`

const createChangeLogIndex = `
CREATE INDEX IF NOT EXISTS idx_change_log_table_ts ON change_log(table_name, timestamp);`
