package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/manager"
)

// Operation constants for change log entries
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeRecord represents one attempted mutation. Records are immutable
// once written and are sync metadata, never sync payload.
type ChangeRecord struct {
	ID        string    `json:"id"`
	TableName string    `json:"table_name"`
	Operation string    `json:"operation"`
	RecordID  string    `json:"record_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Details   string    `json:"details,omitempty"` // JSON column values
}

// DetailsMap unmarshals the details payload into a column/value mapping.
func (c *ChangeRecord) DetailsMap() (map[string]interface{}, error) {
	if c.Details == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(c.Details), &m); err != nil {
		return nil, fmt.Errorf("failed to decode change details for %s/%s: %w", c.TableName, c.RecordID, err)
	}
	return m, nil
}

// Log provides access to the change_log tables on both targets.
type Log struct {
	mgr    *manager.Manager
	logger *logrus.Entry
}

// New creates a change log over the given manager
func New(mgr *manager.Manager, logger *logrus.Logger) *Log {
	return &Log{
		mgr:    mgr,
		logger: logger.WithField("component", "changelog"),
	}
}

// Record appends a change log entry for an attempted mutation. It always
// writes to the local store only, on the manager's write connection, so a
// surrounding transaction covers both the mutation and its log entry.
func (l *Log) Record(ctx context.Context, table, operation, recordID string, details map[string]interface{}, actor string) (ChangeRecord, error) {
	rec := ChangeRecord{
		ID:        uuid.NewString(),
		TableName: table,
		Operation: operation,
		RecordID:  recordID,
		Timestamp: time.Now().UTC(),
		UserID:    actor,
	}

	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("failed to encode change details: %w", err)
		}
		rec.Details = string(payload)
	}

	query := `
		INSERT INTO change_log (id, table_name, operation, record_id, timestamp, user_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.mgr.Exec(ctx, query, []interface{}{
		rec.ID,
		rec.TableName,
		rec.Operation,
		rec.RecordID,
		rec.Timestamp,
		rec.UserID,
		rec.Details,
	}, true)
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("failed to record change for %s/%s: %w", table, recordID, err)
	}

	return rec, nil
}

// ChangesSince retrieves change log entries for a table after the given
// time, ascending by timestamp. With localOnly=false the remote replica's
// change_log is read instead (subject to the manager's routing).
func (l *Log) ChangesSince(ctx context.Context, table string, since time.Time, localOnly bool) ([]ChangeRecord, error) {
	query := `
		SELECT id, table_name, operation, record_id, timestamp, user_id, details
		FROM change_log
		WHERE table_name = ? AND timestamp > ?
		ORDER BY timestamp ASC
	`

	rows, err := l.mgr.Execute(ctx, query, []interface{}{table, since}, false, localOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query change_log for %s: %w", table, err)
	}
	defer rows.Close()

	var changes []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var userID, details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TableName, &rec.Operation, &rec.RecordID, &rec.Timestamp, &userID, &details); err != nil {
			return nil, fmt.Errorf("failed to scan change_log row: %w", err)
		}
		rec.UserID = userID.String
		rec.Details = details.String
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change_log rows: %w", err)
	}

	return changes, nil
}

// Prune removes local change log entries older than the retention horizon
// to prevent unbounded growth.
func (l *Log) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := l.mgr.Exec(ctx, "DELETE FROM change_log WHERE timestamp < ?", []interface{}{cutoff}, true)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change_log: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		l.logger.WithFields(logrus.Fields{
			"removed": removed,
			"cutoff":  cutoff,
		}).Info("Pruned old change log entries")
	}

	return removed, nil
}
