package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/offline"
)

// ErrRemoteUnavailable is returned when a sync run is requested while the
// remote replica is unreachable. Queued changes stay queued for retry.
var ErrRemoteUnavailable = errors.New("remote replica unavailable")

// SyncError wraps a fetch/apply failure during reconciliation. Failures
// are isolated per table: one bad table never aborts a full run.
type SyncError struct {
	Table string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for table %s: %v", e.Table, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Engine reconciles divergent change sets between the local store and the
// remote replica. It borrows read access to the change log but never holds
// a connection longer than one sync cycle.
type Engine struct {
	mgr    *manager.Manager
	log    *changelog.Log
	queue  *offline.Queue
	tables []string
	logger *logrus.Entry

	onResult []func(SyncResult)
}

// New creates a sync engine over the given table registry. queue may be
// nil when offline capture is disabled.
func New(mgr *manager.Manager, log *changelog.Log, queue *offline.Queue, tables []string, logger *logrus.Logger) *Engine {
	return &Engine{
		mgr:    mgr,
		log:    log,
		queue:  queue,
		tables: tables,
		logger: logger.WithField("component", "sync"),
	}
}

// OnResult registers a callback invoked with each table's result during a
// run. Registration is not safe concurrently with running syncs; wire
// callbacks at startup.
func (e *Engine) OnResult(fn func(SyncResult)) {
	e.onResult = append(e.onResult, fn)
}

// Tables returns the registry of syncable table names.
func (e *Engine) Tables() []string {
	return e.tables
}

// GetChangesSince reads one side's change log for a table, ascending by
// timestamp.
func (e *Engine) GetChangesSince(ctx context.Context, table string, since time.Time, localOnly bool) ([]changelog.ChangeRecord, error) {
	return e.log.ChangesSince(ctx, table, since, localOnly)
}

// DetectConflicts reports a conflict for every record id that was updated
// on both sides with differing details within the sync window. Conflicts
// are surfaced, never silently merged; no tie-break is attempted.
func (e *Engine) DetectConflicts(table string, localChanges, remoteChanges []changelog.ChangeRecord) []Conflict {
	remoteUpdates := make(map[string]changelog.ChangeRecord, len(remoteChanges))
	for _, rc := range remoteChanges {
		if rc.Operation == changelog.OpUpdate {
			remoteUpdates[rc.RecordID] = rc
		}
	}

	var conflicts []Conflict
	seen := make(map[string]bool)
	for _, lc := range localChanges {
		if lc.Operation != changelog.OpUpdate || seen[lc.RecordID] {
			continue
		}
		rc, ok := remoteUpdates[lc.RecordID]
		if !ok || rc.Details == lc.Details {
			continue
		}
		seen[lc.RecordID] = true
		conflicts = append(conflicts, Conflict{
			ID:           uuid.NewString(),
			TableName:    table,
			RecordID:     lc.RecordID,
			Operation:    changelog.OpUpdate,
			ErrorMessage: "record updated on both local and remote within the sync window",
			SyncTime:     time.Now().UTC(),
			Resolved:     false,
		})
	}
	return conflicts
}

// ResolveConflicts persists detected conflicts to the local sync_conflicts
// table with resolved=false. Resolution itself is manual: a human or a
// higher-level policy later calls MarkConflictResolved.
func (e *Engine) ResolveConflicts(ctx context.Context, conflicts []Conflict) error {
	for _, c := range conflicts {
		query := `
			INSERT INTO sync_conflicts (id, table_name, record_id, operation, error_message, sync_time, resolved, resolution_details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := e.mgr.Exec(ctx, query, []interface{}{
			c.ID, c.TableName, c.RecordID, c.Operation, c.ErrorMessage, c.SyncTime, c.Resolved, c.ResolutionDetails,
		}, true)
		if err != nil {
			return fmt.Errorf("failed to persist conflict for %s/%s: %w", c.TableName, c.RecordID, err)
		}

		e.logger.WithFields(logrus.Fields{
			"table":     c.TableName,
			"record_id": c.RecordID,
		}).Warn("Sync conflict detected, logged for manual resolution")
	}
	return nil
}

// MarkConflictResolved flips a logged conflict to resolved with the given
// resolution details.
func (e *Engine) MarkConflictResolved(ctx context.Context, conflictID, resolutionDetails string) error {
	query := "UPDATE sync_conflicts SET resolved = ?, resolution_details = ? WHERE id = ?"
	if _, err := e.mgr.Exec(ctx, query, []interface{}{true, resolutionDetails, conflictID}, true); err != nil {
		return fmt.Errorf("failed to mark conflict %s resolved: %w", conflictID, err)
	}
	return nil
}

// ApplyChanges replays non-conflicting changes, ascending by timestamp,
// against the side missing them. Ordering approximates causality; no
// logical-clock guarantee is provided.
func (e *Engine) ApplyChanges(ctx context.Context, table string, changes []changelog.ChangeRecord, toRemote bool) (int, error) {
	applied := 0
	for _, change := range changes {
		if err := e.applyChange(ctx, change, toRemote); err != nil {
			return applied, &SyncError{Table: table, Err: err}
		}
		applied++
	}
	return applied, nil
}

// applyChange replays a single change as plain domain-row DML. It bypasses
// Operations deliberately: replayed rows must not generate new change log
// entries, or each sync would echo into the next.
func (e *Engine) applyChange(ctx context.Context, change changelog.ChangeRecord, toRemote bool) error {
	localOnly := !toRemote

	switch change.Operation {
	case changelog.OpInsert:
		details, err := change.DetailsMap()
		if err != nil {
			return err
		}
		if len(details) == 0 {
			return fmt.Errorf("insert change %s has no details", change.ID)
		}
		// The row may already exist on the target, e.g. when the same window
		// is replayed twice. Probe first; a constraint violation would flip
		// the manager offline and misroute the rest of the run.
		exists, err := e.recordExists(ctx, change.TableName, change.RecordID, localOnly)
		if err != nil {
			return fmt.Errorf("replay insert for %s/%s: %w", change.TableName, change.RecordID, err)
		}
		query, params := buildInsert(change.TableName, details)
		if exists {
			query, params = buildUpdate(change.TableName, change.RecordID, details)
		}
		if _, err := e.mgr.Exec(ctx, query, params, localOnly); err != nil {
			return fmt.Errorf("replay insert for %s/%s: %w", change.TableName, change.RecordID, err)
		}
	case changelog.OpUpdate:
		details, err := change.DetailsMap()
		if err != nil {
			return err
		}
		if len(details) == 0 {
			return fmt.Errorf("update change %s has no details", change.ID)
		}
		query, params := buildUpdate(change.TableName, change.RecordID, details)
		if _, err := e.mgr.Exec(ctx, query, params, localOnly); err != nil {
			return fmt.Errorf("replay update for %s/%s: %w", change.TableName, change.RecordID, err)
		}
	case changelog.OpDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", change.TableName)
		if _, err := e.mgr.Exec(ctx, query, []interface{}{change.RecordID}, localOnly); err != nil {
			return fmt.Errorf("replay delete for %s/%s: %w", change.TableName, change.RecordID, err)
		}
	default:
		return fmt.Errorf("unknown change operation %q", change.Operation)
	}
	return nil
}

// SyncTable reconciles one table over the window starting at since.
func (e *Engine) SyncTable(ctx context.Context, table string, since time.Time) (changesApplied, conflictsFound int, err error) {
	localChanges, err := e.GetChangesSince(ctx, table, since, true)
	if err != nil {
		return 0, 0, &SyncError{Table: table, Err: err}
	}
	remoteChanges, err := e.GetChangesSince(ctx, table, since, false)
	if err != nil {
		return 0, 0, &SyncError{Table: table, Err: err}
	}

	conflicts := e.DetectConflicts(table, localChanges, remoteChanges)
	if err := e.ResolveConflicts(ctx, conflicts); err != nil {
		return 0, len(conflicts), &SyncError{Table: table, Err: err}
	}

	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.RecordID] = true
	}

	// Changes present on both sides are already reconciled; skip them so
	// replay only touches the side that is missing the change.
	remoteSeen := make(map[string]bool, len(remoteChanges))
	for _, rc := range remoteChanges {
		remoteSeen[changeKey(rc)] = true
	}
	localSeen := make(map[string]bool, len(localChanges))
	for _, lc := range localChanges {
		localSeen[changeKey(lc)] = true
	}

	toRemote := filterChanges(localChanges, conflicted, remoteSeen)
	toLocal := filterChanges(remoteChanges, conflicted, localSeen)

	applied, err := e.ApplyChanges(ctx, table, toRemote, true)
	changesApplied += applied
	if err != nil {
		return changesApplied, len(conflicts), err
	}

	applied, err = e.ApplyChanges(ctx, table, toLocal, false)
	changesApplied += applied
	if err != nil {
		return changesApplied, len(conflicts), err
	}

	return changesApplied, len(conflicts), nil
}

// SyncAllTables reconciles every registered table over the trailing maxAge
// window. A failure on one table is recorded in that table's result and
// does not abort the others.
func (e *Engine) SyncAllTables(ctx context.Context, maxAge time.Duration) (map[string]SyncResult, error) {
	if !e.mgr.IsOnline(ctx) {
		e.RecordSyncStatus(ctx, "full", StatusSkipped, "remote replica unreachable", nil)
		return nil, ErrRemoteUnavailable
	}

	if err := e.mgr.EnsureRemoteChangeLog(ctx); err != nil {
		e.RecordSyncStatus(ctx, "full", StatusFailed, err.Error(), nil)
		return nil, fmt.Errorf("remote change_log unavailable: %w", err)
	}

	if e.queue != nil && e.queue.Depth() > 0 {
		applied, err := e.queue.Flush(func(rec changelog.ChangeRecord) error {
			return e.applyChange(ctx, rec, true)
		})
		if err != nil {
			e.logger.WithError(err).WithField("applied", applied).Warn("Offline queue flush incomplete, will retry next cycle")
		}
	}

	since := time.Now().UTC().Add(-maxAge)
	results := make(map[string]SyncResult, len(e.tables))
	failures := 0

	for _, table := range e.tables {
		applied, conflicts, err := e.SyncTable(ctx, table, since)
		result := SyncResult{
			Table:          table,
			ChangesApplied: applied,
			ConflictsFound: conflicts,
			SyncedAt:       time.Now().UTC(),
		}
		status := StatusSuccess
		message := fmt.Sprintf("applied %d changes, %d conflicts", applied, conflicts)
		if err != nil {
			failures++
			result.Error = err.Error()
			status = StatusFailed
			message = err.Error()
			e.logger.WithError(err).WithField("table", table).Error("Table sync failed")
		}
		results[table] = result

		e.RecordSyncStatus(ctx, "table:"+table, status, message, map[string]interface{}{
			"changes_applied": applied,
			"conflicts_found": conflicts,
		})

		for _, fn := range e.onResult {
			fn(result)
		}
	}

	runStatus := StatusSuccess
	if failures > 0 {
		runStatus = StatusPartial
	}
	e.RecordSyncStatus(ctx, "full", runStatus,
		fmt.Sprintf("synced %d tables, %d failed", len(e.tables), failures), nil)

	return results, nil
}

func (e *Engine) recordExists(ctx context.Context, table, id string, localOnly bool) (bool, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE id = ?", table)
	rows, err := e.mgr.Execute(ctx, query, []interface{}{id}, false, localOnly)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func filterChanges(changes []changelog.ChangeRecord, conflicted, alreadyOnTarget map[string]bool) []changelog.ChangeRecord {
	out := make([]changelog.ChangeRecord, 0, len(changes))
	for _, c := range changes {
		if conflicted[c.RecordID] || alreadyOnTarget[changeKey(c)] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func changeKey(c changelog.ChangeRecord) string {
	return c.Operation + "|" + c.RecordID + "|" + c.Details
}

func buildInsert(table string, details map[string]interface{}) (string, []interface{}) {
	keys := sortedKeys(details)
	params := make([]interface{}, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, details[k])
		placeholders = append(placeholders, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))
	return query, params
}

func buildUpdate(table, id string, details map[string]interface{}) (string, []interface{}) {
	keys := sortedKeys(details)
	assignments := make([]string, 0, len(keys))
	params := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		if k == "id" {
			continue
		}
		assignments = append(assignments, k+" = ?")
		params = append(params, details[k])
	}
	params = append(params, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(assignments, ", "))
	return query, params
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
