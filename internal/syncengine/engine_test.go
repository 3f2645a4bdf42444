package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/offline"
	"data-sync-bridge/internal/ops"
	"data-sync-bridge/internal/pool"
)

type syncFixture struct {
	mgr    *manager.Manager
	log    *changelog.Log
	queue  *offline.Queue
	ops    *ops.Operations
	engine *Engine
}

func newSyncFixture(t *testing.T, withRemote bool, tables ...string) *syncFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	local := pool.Target{Name: "local", Driver: "sqlite3", DSN: filepath.Join(dir, "local.db")}

	var remote *pool.Target
	if withRemote {
		remote = &pool.Target{Name: "remote", Driver: "sqlite3", DSN: filepath.Join(dir, "remote.db")}
	}

	mgr, err := manager.New(local, remote, 3, 2*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	ctx := context.Background()
	ddl := "CREATE TABLE contacts (id TEXT PRIMARY KEY, name TEXT, email TEXT)"
	_, err = mgr.Exec(ctx, ddl, nil, true)
	require.NoError(t, err)
	if withRemote {
		_, err = mgr.Exec(ctx, ddl, nil, false)
		require.NoError(t, err)
	}

	if len(tables) == 0 {
		tables = []string{"contacts"}
	}

	log := changelog.New(mgr, logger)
	queue := offline.New(100, logger)

	return &syncFixture{
		mgr:    mgr,
		log:    log,
		queue:  queue,
		ops:    ops.New(mgr, log, nil, "tester", logger),
		engine: New(mgr, log, queue, tables, logger),
	}
}

// seedRemoteChange writes a change log entry on the replica, as a second
// writer against the same replica would.
func (f *syncFixture) seedRemoteChange(t *testing.T, table, operation, recordID, details string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.mgr.EnsureRemoteChangeLog(ctx))
	_, err := f.mgr.Exec(ctx, `
		INSERT INTO change_log (id, table_name, operation, record_id, timestamp, user_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, []interface{}{uuid.NewString(), table, operation, recordID, time.Now().UTC(), "remote-writer", details}, false)
	require.NoError(t, err)
}

func (f *syncFixture) countRows(t *testing.T, table string, localOnly bool) int {
	t.Helper()
	rows, err := f.mgr.Execute(context.Background(), "SELECT COUNT(*) FROM "+table, nil, false, localOnly)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var count int
	require.NoError(t, rows.Scan(&count))
	return count
}

func updateChange(recordID, details string) changelog.ChangeRecord {
	return changelog.ChangeRecord{
		ID:        uuid.NewString(),
		TableName: "contacts",
		Operation: changelog.OpUpdate,
		RecordID:  recordID,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

func TestDetectConflicts(t *testing.T) {
	f := newSyncFixture(t, false)

	t.Run("divergent updates conflict", func(t *testing.T) {
		conflicts := f.engine.DetectConflicts("contacts",
			[]changelog.ChangeRecord{updateChange("42", `{"name":"local"}`)},
			[]changelog.ChangeRecord{updateChange("42", `{"name":"remote"}`)})
		require.Len(t, conflicts, 1)
		assert.Equal(t, "42", conflicts[0].RecordID)
		assert.Equal(t, "contacts", conflicts[0].TableName)
		assert.False(t, conflicts[0].Resolved)
	})

	t.Run("identical updates do not conflict", func(t *testing.T) {
		conflicts := f.engine.DetectConflicts("contacts",
			[]changelog.ChangeRecord{updateChange("42", `{"name":"same"}`)},
			[]changelog.ChangeRecord{updateChange("42", `{"name":"same"}`)})
		assert.Empty(t, conflicts)
	})

	t.Run("different records do not conflict", func(t *testing.T) {
		conflicts := f.engine.DetectConflicts("contacts",
			[]changelog.ChangeRecord{updateChange("42", `{"name":"a"}`)},
			[]changelog.ChangeRecord{updateChange("43", `{"name":"b"}`)})
		assert.Empty(t, conflicts)
	})

	t.Run("inserts do not conflict", func(t *testing.T) {
		local := updateChange("42", `{"name":"a"}`)
		local.Operation = changelog.OpInsert
		conflicts := f.engine.DetectConflicts("contacts",
			[]changelog.ChangeRecord{local},
			[]changelog.ChangeRecord{updateChange("42", `{"name":"b"}`)})
		assert.Empty(t, conflicts)
	})

	t.Run("repeated updates yield one conflict per record", func(t *testing.T) {
		conflicts := f.engine.DetectConflicts("contacts",
			[]changelog.ChangeRecord{
				updateChange("42", `{"name":"v1"}`),
				updateChange("42", `{"name":"v2"}`),
			},
			[]changelog.ChangeRecord{updateChange("42", `{"name":"remote"}`)})
		assert.Len(t, conflicts, 1)
	})
}

func TestSyncPushesLocalChangesToRemote(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	results, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	result := results["contacts"]
	assert.Equal(t, 1, result.ChangesApplied)
	assert.Equal(t, 0, result.ConflictsFound)
	assert.Empty(t, result.Error)

	assert.Equal(t, 1, f.countRows(t, "contacts", false))

	rows, err := f.mgr.Execute(ctx, "SELECT name FROM contacts WHERE id = ?", []interface{}{id}, false, false)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var name string
	require.NoError(t, rows.Scan(&name))
	assert.Equal(t, "Ada", name)

	// Replay over the same window must not duplicate the row.
	_, err = f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, f.countRows(t, "contacts", false))
}

func TestSyncPullsRemoteChangesToLocal(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	f.seedRemoteChange(t, "contacts", changelog.OpInsert, "r1", `{"id":"r1","name":"remote"}`)

	results, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, results["contacts"].ChangesApplied)

	record, err := f.ops.GetRecord(ctx, "contacts", "r1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "remote", record["name"])
}

func TestSyncPropagatesDelete(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	_, err = f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, f.countRows(t, "contacts", false))

	require.NoError(t, f.ops.DeleteRecord(ctx, "contacts", id))
	_, err = f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, f.countRows(t, "contacts", false))
	assert.Equal(t, 0, f.countRows(t, "contacts", true))
}

func TestSyncReportsConflictAndSkipsRecord(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	// The same record diverged on both sides within the window.
	_, err := f.mgr.Exec(ctx, "INSERT INTO contacts (id, name) VALUES (?, ?)", []interface{}{"42", "local-v"}, true)
	require.NoError(t, err)
	_, err = f.mgr.Exec(ctx, "INSERT INTO contacts (id, name) VALUES (?, ?)", []interface{}{"42", "remote-v"}, false)
	require.NoError(t, err)

	_, err = f.log.Record(ctx, "contacts", changelog.OpUpdate, "42", map[string]interface{}{"name": "local-v"}, "tester")
	require.NoError(t, err)
	f.seedRemoteChange(t, "contacts", changelog.OpUpdate, "42", `{"name":"remote-v"}`)

	results, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	result := results["contacts"]
	assert.Equal(t, 1, result.ConflictsFound)
	assert.Equal(t, 0, result.ChangesApplied)

	// Neither side was overwritten.
	rows, err := f.mgr.Execute(ctx, "SELECT name FROM contacts WHERE id = ?", []interface{}{"42"}, false, false)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var name string
	require.NoError(t, rows.Scan(&name))
	rows.Close()
	assert.Equal(t, "remote-v", name)

	conflicts, err := f.engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "42", conflicts[0].RecordID)

	require.NoError(t, f.engine.MarkConflictResolved(ctx, conflicts[0].ID, "kept remote"))

	conflicts, err = f.engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestSyncSkippedWhenOffline(t *testing.T) {
	f := newSyncFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.ErrorIs(t, err, ErrRemoteUnavailable)

	statuses, err := f.engine.RecentStatuses(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "full", statuses[0].SyncType)
	assert.Equal(t, StatusSkipped, statuses[0].Status)
}

func TestSyncFlushesOfflineQueue(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	f.queue.Enqueue(changelog.ChangeRecord{
		ID:        uuid.NewString(),
		TableName: "contacts",
		Operation: changelog.OpInsert,
		RecordID:  "q1",
		Timestamp: time.Now().UTC(),
		Details:   `{"id":"q1","name":"queued"}`,
	})

	_, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, f.queue.Depth())
	assert.Equal(t, 1, f.countRows(t, "contacts", false))
}

func TestSyncIsolatesFailingTable(t *testing.T) {
	f := newSyncFixture(t, true, "contacts", "missing_tbl")
	ctx := context.Background()

	_, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	// A change for a table that exists on neither side poisons its replay.
	_, err = f.log.Record(ctx, "missing_tbl", changelog.OpInsert, "x1", map[string]interface{}{"id": "x1"}, "tester")
	require.NoError(t, err)

	results, err := f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	assert.Empty(t, results["contacts"].Error)
	assert.Equal(t, 1, results["contacts"].ChangesApplied)
	assert.NotEmpty(t, results["missing_tbl"].Error)

	statuses, err := f.engine.RecentStatuses(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusPartial, statuses[0].Status)
}

func TestOnResultCallbacks(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	var seen []SyncResult
	f.engine.OnResult(func(r SyncResult) { seen = append(seen, r) })

	_, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	_, err = f.engine.SyncAllTables(ctx, time.Hour)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "contacts", seen[0].Table)
	assert.Equal(t, 1, seen[0].ChangesApplied)
}

func TestRecordSyncStatusOrdering(t *testing.T) {
	f := newSyncFixture(t, false)
	ctx := context.Background()

	f.engine.RecordSyncStatus(ctx, "full", StatusSuccess, "first", nil)
	time.Sleep(10 * time.Millisecond)
	f.engine.RecordSyncStatus(ctx, "full", StatusFailed, "second", map[string]interface{}{"attempt": 2})

	statuses, err := f.engine.RecentStatuses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "second", statuses[0].Message)
	assert.Equal(t, StatusFailed, statuses[0].Status)
}
