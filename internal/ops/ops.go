package ops

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/offline"
)

// DatabaseError wraps an underlying query failure with table and operation
// context before it is surfaced to the caller.
type DatabaseError struct {
	Table string
	Op    string
	Err   error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Op, e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Operations provides change-log-backed CRUD over the database manager.
// Every mutation runs inside a scoped transaction on the local write
// connection and appends a change log entry in the same transaction.
type Operations struct {
	mgr    *manager.Manager
	log    *changelog.Log
	queue  *offline.Queue // optional; captures changes made while offline
	actor  string
	logger *logrus.Entry

	// txMu serializes transaction owners; the manager's single cached
	// write connection cannot interleave two transactions anyway.
	txMu sync.Mutex

	colMu   sync.Mutex
	columns map[string][]string
}

// New creates an Operations facade. queue may be nil when offline capture
// is not wanted (e.g. in tools that never sync).
func New(mgr *manager.Manager, log *changelog.Log, queue *offline.Queue, actor string, logger *logrus.Logger) *Operations {
	return &Operations{
		mgr:     mgr,
		log:     log,
		queue:   queue,
		actor:   actor,
		logger:  logger.WithField("component", "ops"),
		columns: make(map[string][]string),
	}
}

// WithTransaction runs fn inside BEGIN/COMMIT on the local write
// connection, rolling back on error or panic.
func (o *Operations) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	o.txMu.Lock()
	defer o.txMu.Unlock()

	if _, err = o.mgr.Exec(ctx, "BEGIN", nil, true); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			o.rollback(ctx)
			panic(p)
		}
		if err != nil {
			o.rollback(ctx)
			return
		}
		if _, cerr := o.mgr.Exec(ctx, "COMMIT", nil, true); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	return fn(ctx)
}

func (o *Operations) rollback(ctx context.Context) {
	if _, err := o.mgr.Exec(ctx, "ROLLBACK", nil, true); err != nil {
		o.logger.WithError(err).Error("Rollback failed")
	}
}

// InsertRecord inserts a row built from the data mapping and logs the
// change. The primary key is taken from data["id"], or generated when the
// caller did not supply one. Returns the record id.
func (o *Operations) InsertRecord(ctx context.Context, table string, data map[string]interface{}) (string, error) {
	var id string
	err := o.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		id, err = o.insert(ctx, table, data)
		return err
	})
	return id, err
}

// UpdateRecord updates a row by id and logs the change. The change is
// logged on attempt, not on success: an update against a missing id still
// appends exactly one UPDATE entry, matching the sync layer's
// change-log-on-attempt semantics.
func (o *Operations) UpdateRecord(ctx context.Context, table, id string, data map[string]interface{}) error {
	return o.WithTransaction(ctx, func(ctx context.Context) error {
		return o.update(ctx, table, id, data)
	})
}

// DeleteRecord deletes a row by id and logs the change.
func (o *Operations) DeleteRecord(ctx context.Context, table, id string) error {
	return o.WithTransaction(ctx, func(ctx context.Context) error {
		if err := validIdentifier(table); err != nil {
			return &DatabaseError{Table: table, Op: "DELETE", Err: err}
		}

		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
		if _, err := o.mgr.Exec(ctx, query, []interface{}{id}, true); err != nil {
			return &DatabaseError{Table: table, Op: "DELETE", Err: err}
		}

		return o.recordChange(ctx, table, changelog.OpDelete, id, nil)
	})
}

// GetRecord fetches a single row by id as a typed column/value mapping.
// Returns nil, not an error, when the record does not exist.
func (o *Operations) GetRecord(ctx context.Context, table, id string) (map[string]interface{}, error) {
	if err := validIdentifier(table); err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table)
	rows, err := o.mgr.Execute(ctx, query, []interface{}{id}, false, true)
	if err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}
	defer rows.Close()

	records, err := o.rowsToMaps(table, rows)
	if err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// QueryRecords fetches rows matching the ANDed equality conditions, with
// optional ORDER BY and LIMIT.
func (o *Operations) QueryRecords(ctx context.Context, table string, conditions map[string]interface{}, orderBy string, limit int) ([]map[string]interface{}, error) {
	if err := validIdentifier(table); err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", table)

	params := make([]interface{}, 0, len(conditions)+1)
	if len(conditions) > 0 {
		keys := sortedKeys(conditions)
		clauses := make([]string, 0, len(keys))
		for _, k := range keys {
			if err := validIdentifier(k); err != nil {
				return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
			}
			clauses = append(clauses, k+" = ?")
			params = append(params, conditions[k])
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if orderBy != "" {
		if err := validOrderBy(orderBy); err != nil {
			return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}

	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		params = append(params, limit)
	}

	rows, err := o.mgr.Execute(ctx, sb.String(), params, false, true)
	if err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}
	defer rows.Close()

	records, err := o.rowsToMaps(table, rows)
	if err != nil {
		return nil, &DatabaseError{Table: table, Op: "SELECT", Err: err}
	}
	return records, nil
}

// BulkInsert inserts each record independently within one outer
// transaction and returns the ids that succeeded. All-or-nothing is not
// guaranteed: partial success is a designed outcome, and a malformed record
// does not fail the batch.
func (o *Operations) BulkInsert(ctx context.Context, table string, records []map[string]interface{}) ([]string, error) {
	ids := make([]string, 0, len(records))
	err := o.WithTransaction(ctx, func(ctx context.Context) error {
		for i, data := range records {
			id, err := o.insert(ctx, table, data)
			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"table": table,
					"index": i,
				}).Warn("Bulk insert record failed, continuing")
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExecuteCustomQuery is the escape hatch for queries Operations does not
// model. It still routes through the manager so read/write/local-only
// semantics are preserved.
func (o *Operations) ExecuteCustomQuery(ctx context.Context, query string, params []interface{}, forWrite bool) ([]map[string]interface{}, error) {
	rows, err := o.mgr.Execute(ctx, query, params, forWrite, false)
	if err != nil {
		return nil, &DatabaseError{Table: "", Op: "CUSTOM", Err: err}
	}
	defer rows.Close()

	records, err := o.rowsToMaps("", rows)
	if err != nil {
		return nil, &DatabaseError{Table: "", Op: "CUSTOM", Err: err}
	}
	return records, nil
}

// RecordChange appends a change log entry outside of the CRUD helpers, for
// callers that mutate through ExecuteCustomQuery.
func (o *Operations) RecordChange(ctx context.Context, table, operation, recordID string, details map[string]interface{}) error {
	return o.recordChange(ctx, table, operation, recordID, details)
}

func (o *Operations) insert(ctx context.Context, table string, data map[string]interface{}) (string, error) {
	if err := validIdentifier(table); err != nil {
		return "", &DatabaseError{Table: table, Op: "INSERT", Err: err}
	}
	if len(data) == 0 {
		return "", &DatabaseError{Table: table, Op: "INSERT", Err: fmt.Errorf("no columns to insert")}
	}

	id, ok := data["id"].(string)
	if !ok || id == "" {
		id = uuid.NewString()
		copied := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			copied[k] = v
		}
		copied["id"] = id
		data = copied
	}

	keys := sortedKeys(data)
	params := make([]interface{}, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := validIdentifier(k); err != nil {
			return "", &DatabaseError{Table: table, Op: "INSERT", Err: err}
		}
		params = append(params, data[k])
		placeholders = append(placeholders, "?")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))

	if _, err := o.mgr.Exec(ctx, query, params, true); err != nil {
		return "", &DatabaseError{Table: table, Op: "INSERT", Err: err}
	}

	if err := o.recordChange(ctx, table, changelog.OpInsert, id, data); err != nil {
		return "", err
	}

	return id, nil
}

func (o *Operations) update(ctx context.Context, table, id string, data map[string]interface{}) error {
	if err := validIdentifier(table); err != nil {
		return &DatabaseError{Table: table, Op: "UPDATE", Err: err}
	}
	if len(data) == 0 {
		return &DatabaseError{Table: table, Op: "UPDATE", Err: fmt.Errorf("no columns to update")}
	}

	// Affected-row probe; the outcome only informs logging, the change is
	// recorded either way.
	probe := fmt.Sprintf("SELECT id FROM %s WHERE id = ?", table)
	rows, err := o.mgr.Execute(ctx, probe, []interface{}{id}, false, true)
	if err != nil {
		return &DatabaseError{Table: table, Op: "UPDATE", Err: err}
	}
	exists := rows.Next()
	rows.Close()
	if !exists {
		o.logger.WithFields(logrus.Fields{
			"table":     table,
			"record_id": id,
		}).Debug("Update target not found, change logged anyway")
	}

	keys := sortedKeys(data)
	assignments := make([]string, 0, len(keys))
	params := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		if err := validIdentifier(k); err != nil {
			return &DatabaseError{Table: table, Op: "UPDATE", Err: err}
		}
		assignments = append(assignments, k+" = ?")
		params = append(params, data[k])
	}
	params = append(params, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(assignments, ", "))
	if _, err := o.mgr.Exec(ctx, query, params, true); err != nil {
		return &DatabaseError{Table: table, Op: "UPDATE", Err: err}
	}

	return o.recordChange(ctx, table, changelog.OpUpdate, id, data)
}

func (o *Operations) recordChange(ctx context.Context, table, operation, recordID string, details map[string]interface{}) error {
	rec, err := o.log.Record(ctx, table, operation, recordID, details, o.actor)
	if err != nil {
		return err
	}

	if o.queue != nil && o.mgr.Offline() {
		o.queue.Enqueue(rec)
	}

	return nil
}

// rowsToMaps zips result rows with their column names into typed mappings.
// Column sets are cached per table so repeated reads skip re-introspection.
func (o *Operations) rowsToMaps(table string, rows *manager.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	if table != "" {
		o.colMu.Lock()
		o.columns[table] = cols
		o.colMu.Unlock()
	}

	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		record := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// TableColumns returns the cached column set for a table, if any query has
// populated it.
func (o *Operations) TableColumns(table string) []string {
	o.colMu.Lock()
	defer o.colMu.Unlock()
	return o.columns[table]
}

func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func validOrderBy(orderBy string) error {
	parts := strings.Fields(orderBy)
	if len(parts) == 0 || len(parts) > 2 {
		return fmt.Errorf("invalid order by clause %q", orderBy)
	}
	if err := validIdentifier(parts[0]); err != nil {
		return err
	}
	if len(parts) == 2 {
		dir := strings.ToUpper(parts[1])
		if dir != "ASC" && dir != "DESC" {
			return fmt.Errorf("invalid order direction %q", parts[1])
		}
	}
	return nil
}
