package gatekeeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================================
// AUDIT QUEUE
// ============================================================================

// auditQueue dispatches decision records to the audit store off the decision
// path. The channel is bounded; when full, entries are dropped and counted.
// A decision is never delayed or failed by auditing.
type auditQueue struct {
	store   AuditStore
	ch      chan AuditEntry
	dropped atomic.Uint64
	log     logger.Logger

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newAuditQueue(store AuditStore, depth int, log logger.Logger) *auditQueue {
	if depth <= 0 {
		depth = 1024
	}
	q := &auditQueue{
		store: store,
		ch:    make(chan AuditEntry, depth),
		log:   log,
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

// enqueue offers an entry without blocking.
func (q *auditQueue) enqueue(entry AuditEntry) {
	if q.store == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case q.ch <- entry:
	default:
		q.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (q *auditQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *auditQueue) drain() {
	defer q.wg.Done()
	bg := context.Background()
	for {
		select {
		case entry := <-q.ch:
			if err := q.store.LogDecision(bg, &entry); err != nil {
				q.log.Error("audit write failed", "error", err.Error())
			}
		case <-q.done:
			// Flush whatever is still queued, then stop.
			for {
				select {
				case entry := <-q.ch:
					if err := q.store.LogDecision(bg, &entry); err != nil {
						q.log.Error("audit write failed", "error", err.Error())
					}
				default:
					return
				}
			}
		}
	}
}

// close stops the drain worker after flushing queued entries.
func (q *auditQueue) close() {
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}
