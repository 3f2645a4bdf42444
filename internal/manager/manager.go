package manager

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/pool"
)

// ConnectionError indicates a query execution failure against a target.
// When the target is the remote replica the manager flips to offline mode.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s target: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Rows wraps sql.Rows so that the pooled connection backing a read is
// returned to its pool when the caller closes the rows.
type Rows struct {
	*sql.Rows
	release func()
}

// Close closes the rows and releases the backing connection.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return err
}

// Manager wraps one local pool and one optional remote pool, routes queries
// between them and maintains the online/offline flag. Multiple goroutines
// may share one Manager; writes funnel through a single cached write
// connection per target, which is the documented serialization point for
// concurrent writers.
type Manager struct {
	local  *pool.Pool
	remote *pool.Pool // nil when no replica is configured or reachable
	logger *logrus.Entry

	acquireTimeout time.Duration

	mu      sync.Mutex
	offline bool
	// Write connections are cached for the life of the manager so that
	// multi-statement transactions share a session. They are released only
	// by Close; under concurrent write callers this one connection per
	// target is a known contention (and leak-on-crash) point.
	writeConns map[string]*pool.Conn
}

// New constructs a manager over the local target and, when remoteTarget is
// non-nil, the remote replica. The manager is still constructed when the
// remote is unreachable; it simply starts in offline mode. Local sync
// metadata tables are created here.
func New(localTarget pool.Target, remoteTarget *pool.Target, poolSize int, acquireTimeout time.Duration, logger *logrus.Logger) (*Manager, error) {
	entry := logger.WithField("component", "manager")

	localPool, err := pool.New(localTarget, poolSize, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to create local pool: %w", err)
	}

	m := &Manager{
		local:          localPool,
		logger:         entry,
		acquireTimeout: acquireTimeout,
		writeConns:     make(map[string]*pool.Conn),
	}

	if remoteTarget != nil {
		remotePool, err := pool.New(*remoteTarget, poolSize, entry)
		if err != nil {
			entry.WithError(err).Warn("Remote replica unreachable, starting in offline mode")
			m.offline = true
		} else {
			m.remote = remotePool
		}
	} else {
		m.offline = true
	}

	if err := m.migrateLocal(context.Background()); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create sync metadata tables: %w", err)
	}

	return m, nil
}

// IsOnline probes the remote replica with a lightweight query and caches the
// outcome. It is side-effect-free other than updating the cached flag.
func (m *Manager) IsOnline(ctx context.Context) bool {
	if m.remote == nil {
		return false
	}

	conn, err := m.remote.Acquire(ctx, m.acquireTimeout)
	if err != nil {
		m.setOffline(true)
		return false
	}
	healthy := m.remote.HealthCheck(ctx, conn)
	m.remote.Release(conn)

	m.setOffline(!healthy)
	return healthy
}

// Offline returns the cached offline flag without probing.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Execute runs a query with the manager's routing rules:
//   - localOnly always routes to the local store;
//   - reads go to the remote replica when online, otherwise local;
//   - forWrite runs on the cached long-lived write connection of the routed
//     target, so statements between BEGIN and COMMIT share one session.
//
// An execution error against the remote target flips the manager offline;
// the error is returned to the caller rather than failed over mid-call.
func (m *Manager) Execute(ctx context.Context, query string, params []interface{}, forWrite, localOnly bool) (*Rows, error) {
	p := m.route(localOnly)
	query = rebind(p.Target().Driver, query)

	if forWrite {
		conn, err := m.writeConn(ctx, p)
		if err != nil {
			return nil, err
		}
		rows, err := conn.QueryContext(ctx, query, params...)
		if err != nil {
			m.handleExecError(p, conn)
			return nil, &ConnectionError{Target: p.Target().Name, Err: err}
		}
		return &Rows{Rows: rows}, nil
	}

	conn, err := p.Acquire(ctx, m.acquireTimeout)
	if err != nil {
		if p == m.remote {
			m.setOffline(true)
		}
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, params...)
	if err != nil {
		p.Release(conn)
		if p == m.remote {
			m.setOffline(true)
		}
		return nil, &ConnectionError{Target: p.Target().Name, Err: err}
	}
	return &Rows{Rows: rows, release: func() { p.Release(conn) }}, nil
}

// Exec is the statement-shaped counterpart of Execute(forWrite=true) for
// writes that return no rows (INSERT, UPDATE, DELETE, BEGIN, COMMIT).
func (m *Manager) Exec(ctx context.Context, query string, params []interface{}, localOnly bool) (sql.Result, error) {
	p := m.route(localOnly)
	query = rebind(p.Target().Driver, query)

	conn, err := m.writeConn(ctx, p)
	if err != nil {
		return nil, err
	}
	res, err := conn.ExecContext(ctx, query, params...)
	if err != nil {
		m.handleExecError(p, conn)
		return nil, &ConnectionError{Target: p.Target().Name, Err: err}
	}
	return res, nil
}

// LocalStats and RemoteStats expose pool occupancy for health reporting.
func (m *Manager) LocalStats() (inUse, idle int) {
	return m.local.Stats()
}

func (m *Manager) RemoteStats() (inUse, idle int, configured bool) {
	if m.remote == nil {
		return 0, 0, false
	}
	inUse, idle = m.remote.Stats()
	return inUse, idle, true
}

// Close releases the cached write connections and closes both pools.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.writeConns
	m.writeConns = make(map[string]*pool.Conn)
	m.mu.Unlock()

	for name, conn := range conns {
		if m.remote != nil && name == m.remote.Target().Name {
			m.remote.Release(conn)
		} else {
			m.local.Release(conn)
		}
	}

	err := m.local.CloseAll()
	if m.remote != nil {
		if rerr := m.remote.CloseAll(); err == nil {
			err = rerr
		}
	}
	return err
}

// route picks the pool per the routing rules. Writes and reads share the
// same decision; forWrite only changes which connection is used.
func (m *Manager) route(localOnly bool) *pool.Pool {
	if localOnly || m.remote == nil || m.Offline() {
		return m.local
	}
	return m.remote
}

func (m *Manager) writeConn(ctx context.Context, p *pool.Pool) (*pool.Conn, error) {
	name := p.Target().Name

	m.mu.Lock()
	conn, ok := m.writeConns[name]
	m.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := p.Acquire(ctx, m.acquireTimeout)
	if err != nil {
		if p == m.remote {
			m.setOffline(true)
		}
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.writeConns[name]; ok {
		// Lost the race; keep the first connection.
		m.mu.Unlock()
		p.Release(conn)
		return existing, nil
	}
	m.writeConns[name] = conn
	m.mu.Unlock()

	m.logger.WithField("target", name).Debug("Cached write connection acquired")
	return conn, nil
}

// handleExecError flips offline mode for remote failures and drops the
// cached write connection when it no longer answers a probe.
func (m *Manager) handleExecError(p *pool.Pool, conn *pool.Conn) {
	if p == m.remote {
		m.setOffline(true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthy := p.HealthCheck(ctx, conn)
	cancel()
	if healthy {
		return
	}

	name := p.Target().Name
	m.mu.Lock()
	if m.writeConns[name] == conn {
		delete(m.writeConns, name)
	}
	m.mu.Unlock()
	p.Release(conn) // failed health check inside Release discards it

	m.logger.WithField("target", name).Warn("Dropped broken write connection")
}

func (m *Manager) setOffline(offline bool) {
	m.mu.Lock()
	changed := m.offline != offline
	m.offline = offline
	m.mu.Unlock()

	if changed {
		if offline {
			m.logger.Warn("Remote replica unreachable, switching to offline mode")
		} else {
			m.logger.Info("Remote replica reachable, back online")
		}
	}
}

// rebind rewrites ?-style placeholders to $N for postgres targets. Queries
// in this codebase are generated, so a byte scan is sufficient.
func rebind(driver, query string) string {
	if driver != "postgres" || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
