package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
)

// ErrPoolExhausted is returned when no connection becomes free before the
// acquire timeout elapses. It is reported to the caller, never retried
// internally.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("connection pool is closed")

const probeQuery = "SELECT 1"

// Target identifies one database a pool connects to.
type Target struct {
	Name   string // "local" or "remote"
	Driver string // duckdb, sqlite3, postgres
	DSN    string
}

// Conn is a pooled connection bound to exactly one target. It is owned
// exclusively by whichever caller currently holds it and must be returned
// via Release.
type Conn struct {
	sqlConn *sql.Conn
	target  string
}

// Target returns the name of the target this connection is bound to.
func (c *Conn) Target() string {
	return c.target
}

// QueryContext executes a row-returning query on this connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.sqlConn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.sqlConn.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement on this connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.sqlConn.ExecContext(ctx, query, args...)
}

// Close closes the underlying connection. Normally the pool manages
// connection lifetime; Close exists so a caller holding a known-broken
// connection can force its disposal before Release.
func (c *Conn) Close() error {
	return c.sqlConn.Close()
}

// Pool manages a bounded set of connections to a single target.
// Invariant: inUse + idle never exceeds the configured size.
type Pool struct {
	target Target
	db     *sql.DB
	size   int
	logger *logrus.Entry

	mu     sync.Mutex
	idle   []*Conn
	inUse  map[*Conn]struct{}
	closed bool

	// slots holds one token per free capacity unit; Acquire takes a token,
	// Release returns it. A discarded connection returns its token too, so
	// replacements are created lazily on the next Acquire.
	slots chan struct{}
}

// New creates a pool of size connections to the target. It fails fast if
// the target is unreachable at construction.
func New(target Target, size int, logger *logrus.Entry) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", target.Name, err)
	}

	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("target %s unreachable: %w", target.Name, err)
	}

	p := &Pool{
		target: target,
		db:     db,
		size:   size,
		logger: logger.WithField("target", target.Name),
		inUse:  make(map[*Conn]struct{}),
		slots:  make(chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}

	p.logger.WithFields(logrus.Fields{
		"driver":    target.Driver,
		"pool_size": size,
	}).Info("Connection pool created")

	return p, nil
}

// Acquire returns a free connection, blocking until one is available or the
// timeout elapses, in which case ErrPoolExhausted is returned. A broken idle
// connection is never handed out; it is discarded and replaced.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.slots <- struct{}{}
			return nil, ErrPoolClosed
		}
		var conn *Conn
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			sqlConn, err := p.db.Conn(ctx)
			if err != nil {
				p.slots <- struct{}{}
				return nil, fmt.Errorf("failed to open connection to %s: %w", p.target.Name, err)
			}
			conn = &Conn{sqlConn: sqlConn, target: p.target.Name}
		} else if !p.HealthCheck(ctx, conn) {
			// Stale idle connection, e.g. after a backend restart. Drop it
			// and try again; the slot token is still ours.
			p.logger.Warn("Discarding unhealthy idle connection")
			conn.sqlConn.Close()
			continue
		}

		p.mu.Lock()
		p.inUse[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}
}

// Release returns a connection to the pool. A connection that fails its
// health check is discarded instead of being returned to the idle set; the
// replacement is created lazily by the next Acquire.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	delete(p.inUse, conn)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		conn.sqlConn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthy := p.HealthCheck(ctx, conn)
	cancel()

	if healthy {
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	} else {
		p.logger.Warn("Released connection failed health check, discarding")
		conn.sqlConn.Close()
	}

	p.slots <- struct{}{}
}

// HealthCheck issues a trivial probe query on the connection.
func (p *Pool) HealthCheck(ctx context.Context, conn *Conn) bool {
	var one int
	if err := conn.sqlConn.QueryRowContext(ctx, probeQuery).Scan(&one); err != nil {
		return false
	}
	return one == 1
}

// Stats returns the current number of in-use and idle connections.
func (p *Pool) Stats() (inUse, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse), len(p.idle)
}

// Target returns the pool's target descriptor.
func (p *Pool) Target() Target {
	return p.target
}

// CloseAll terminates every tracked connection and the underlying database
// handle. It is idempotent.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	inUse := make([]*Conn, 0, len(p.inUse))
	for c := range p.inUse {
		inUse = append(inUse, c)
	}
	p.inUse = make(map[*Conn]struct{})
	p.mu.Unlock()

	for _, c := range idle {
		c.sqlConn.Close()
	}
	for _, c := range inUse {
		c.sqlConn.Close()
	}

	p.logger.Info("Connection pool closed")
	return p.db.Close()
}
