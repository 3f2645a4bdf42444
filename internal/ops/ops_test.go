package ops

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/offline"
	"data-sync-bridge/internal/pool"
)

type testFixture struct {
	mgr   *manager.Manager
	log   *changelog.Log
	queue *offline.Queue
	ops   *Operations
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	local := pool.Target{
		Name:   "local",
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "ops_test.db"),
	}

	mgr, err := manager.New(local, nil, 3, 2*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	_, err = mgr.Exec(context.Background(),
		"CREATE TABLE contacts (id TEXT PRIMARY KEY, name TEXT, email TEXT)", nil, true)
	require.NoError(t, err)

	log := changelog.New(mgr, logger)
	queue := offline.New(100, logger)

	return &testFixture{
		mgr:   mgr,
		log:   log,
		queue: queue,
		ops:   New(mgr, log, queue, "tester", logger),
	}
}

func (f *testFixture) changesFor(t *testing.T, table string) []changelog.ChangeRecord {
	t.Helper()
	changes, err := f.log.ChangesSince(context.Background(), table, time.Time{}, true)
	require.NoError(t, err)
	return changes
}

func TestInsertAndGetRoundtrip(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{
		"name":  "Ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	record, err := f.ops.GetRecord(ctx, "contacts", id)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, id, record["id"])
	assert.Equal(t, "Ada", record["name"])
	assert.Equal(t, "ada@example.com", record["email"])

	changes := f.changesFor(t, "contacts")
	require.Len(t, changes, 1)
	assert.Equal(t, changelog.OpInsert, changes[0].Operation)
	assert.Equal(t, id, changes[0].RecordID)
	assert.Equal(t, "tester", changes[0].UserID)
}

func TestInsertHonorsProvidedID(t *testing.T) {
	f := newTestFixture(t)

	id, err := f.ops.InsertRecord(context.Background(), "contacts", map[string]interface{}{
		"id":   "custom-1",
		"name": "Grace",
	})
	require.NoError(t, err)
	assert.Equal(t, "custom-1", id)
}

func TestInsertRejectsInvalidIdentifiers(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	_, err := f.ops.InsertRecord(ctx, "contacts; DROP TABLE contacts", map[string]interface{}{"name": "x"})
	var dbErr *DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "INSERT", dbErr.Op)

	_, err = f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"bad-col": "x"})
	assert.Error(t, err)
}

func TestUpdateRecord(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, f.ops.UpdateRecord(ctx, "contacts", id, map[string]interface{}{"name": "Ada L."}))

	record, err := f.ops.GetRecord(ctx, "contacts", id)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", record["name"])

	changes := f.changesFor(t, "contacts")
	require.Len(t, changes, 2)
	assert.Equal(t, changelog.OpUpdate, changes[1].Operation)
}

func TestUpdateMissingRecordStillLogged(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	// The change is logged on attempt, so a missing target is not an error
	// and still produces exactly one UPDATE entry.
	err := f.ops.UpdateRecord(ctx, "contacts", "ghost", map[string]interface{}{"name": "nobody"})
	require.NoError(t, err)

	changes := f.changesFor(t, "contacts")
	require.Len(t, changes, 1)
	assert.Equal(t, changelog.OpUpdate, changes[0].Operation)
	assert.Equal(t, "ghost", changes[0].RecordID)
}

func TestDeleteRecord(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, f.ops.DeleteRecord(ctx, "contacts", id))

	record, err := f.ops.GetRecord(ctx, "contacts", id)
	require.NoError(t, err)
	assert.Nil(t, record)

	changes := f.changesFor(t, "contacts")
	require.Len(t, changes, 2)
	assert.Equal(t, changelog.OpDelete, changes[1].Operation)
}

func TestGetRecordMissingReturnsNil(t *testing.T) {
	f := newTestFixture(t)

	record, err := f.ops.GetRecord(context.Background(), "contacts", "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestQueryRecords(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	for _, c := range []map[string]interface{}{
		{"id": "a", "name": "dup", "email": "a@example.com"},
		{"id": "b", "name": "dup", "email": "b@example.com"},
		{"id": "c", "name": "other", "email": "c@example.com"},
	} {
		_, err := f.ops.InsertRecord(ctx, "contacts", c)
		require.NoError(t, err)
	}

	records, err := f.ops.QueryRecords(ctx, "contacts", map[string]interface{}{"name": "dup"}, "id DESC", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0]["id"])
	assert.Equal(t, "a", records[1]["id"])

	records, err = f.ops.QueryRecords(ctx, "contacts", nil, "id ASC", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["id"])
}

func TestQueryRecordsRejectsBadOrderBy(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.ops.QueryRecords(context.Background(), "contacts", nil, "id; DROP TABLE contacts", 0)
	assert.Error(t, err)

	_, err = f.ops.QueryRecords(context.Background(), "contacts", nil, "id SIDEWAYS", 0)
	assert.Error(t, err)
}

func TestBulkInsertPartialSuccess(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	ids, err := f.ops.BulkInsert(ctx, "contacts", []map[string]interface{}{
		{"id": "1", "name": "one"},
		{"id": "2", "name": "two"},
		{"id": "2", "name": "duplicate id"},
		{"id": "3", "name": "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	records, err := f.ops.QueryRecords(ctx, "contacts", nil, "id ASC", 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Only the successful inserts are change-logged.
	assert.Len(t, f.changesFor(t, "contacts"), 3)
}

func TestExecuteCustomQuery(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	_, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"id": "1", "name": "Ada"})
	require.NoError(t, err)

	records, err := f.ops.ExecuteCustomQuery(ctx,
		"SELECT name FROM contacts WHERE id = ?", []interface{}{"1"}, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Ada", records[0]["name"])
}

func TestRecordChangeQueuesWhileOffline(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	// No remote replica configured, so the manager is permanently offline
	// and every mutation lands in the queue.
	require.True(t, f.mgr.Offline())

	id, err := f.ops.InsertRecord(ctx, "contacts", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	require.Equal(t, 1, f.queue.Depth())
	queued := f.queue.Snapshot()
	assert.Equal(t, id, queued[0].RecordID)
	assert.Equal(t, changelog.OpInsert, queued[0].Operation)
}

func TestTableColumnsCached(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	assert.Nil(t, f.ops.TableColumns("contacts"))

	_, err := f.ops.QueryRecords(ctx, "contacts", nil, "", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "email"}, f.ops.TableColumns("contacts"))
}
