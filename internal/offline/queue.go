package offline

import (
	"sync"

	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/changelog"
)

// Queue is an in-process buffer of change log entries recorded while the
// remote replica is unreachable. Entries are promoted to a real sync
// attempt once connectivity is confirmed and are discarded only after
// successful application.
type Queue struct {
	mu      sync.Mutex
	entries []changelog.ChangeRecord
	max     int
	logger  *logrus.Entry
}

// New creates a queue bounded at max entries.
func New(max int, logger *logrus.Logger) *Queue {
	return &Queue{
		max:    max,
		logger: logger.WithField("component", "offline-queue"),
	}
}

// Enqueue appends a change. When the queue is full the oldest entries are
// evicted to keep the newest changes.
func (q *Queue) Enqueue(rec changelog.ChangeRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, rec)
	if over := len(q.entries) - q.max; over > 0 {
		q.entries = q.entries[over:]
		q.logger.WithFields(logrus.Fields{
			"evicted":   over,
			"max_depth": q.max,
		}).Warn("Offline queue full, evicted oldest changes")
	}
}

// Depth returns the number of queued changes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued changes in order.
func (q *Queue) Snapshot() []changelog.ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]changelog.ChangeRecord, len(q.entries))
	copy(out, q.entries)
	return out
}

// Flush applies queued changes in order, removing each entry only after
// apply succeeds. It stops at the first failure, leaving that entry and
// everything behind it queued for the next cycle, and returns how many
// entries were applied along with the error that stopped the flush.
func (q *Queue) Flush(apply func(changelog.ChangeRecord) error) (int, error) {
	q.mu.Lock()
	pending := make([]changelog.ChangeRecord, len(q.entries))
	copy(pending, q.entries)
	q.mu.Unlock()

	applied := 0
	for _, rec := range pending {
		if err := apply(rec); err != nil {
			q.mu.Lock()
			q.entries = q.entries[applied:]
			q.mu.Unlock()
			q.logger.WithError(err).WithFields(logrus.Fields{
				"applied":   applied,
				"remaining": len(pending) - applied,
			}).Warn("Offline queue flush interrupted")
			return applied, err
		}
		applied++
	}

	q.mu.Lock()
	q.entries = q.entries[applied:]
	q.mu.Unlock()

	if applied > 0 {
		q.logger.WithField("applied", applied).Info("Offline queue flushed")
	}
	return applied, nil
}
