// Package importqueue implements the FIFO import queue (spec.md
// §4.3b): a deduplicating queue of fetched payloads awaiting import,
// and the single-threaded Importer (§4.3c) that drains it.
package importqueue

import (
	"sync"
	"time"

	"github.com/trustmesh/trustmesh/internal/metrics"
)

type entry struct {
	identityID string
	edition    int64
	payload    []byte
}

// Stats mirrors the queue statistics called for in spec.md §4.3b.
type Stats struct {
	Queued       uint64
	Deduplicated uint64
	Failed       uint64
	Finished     uint64
}

// Queue is a FIFO of (identity-id, edition, payload) awaiting import,
// with deduplication: enqueuing a newer edition for an identity-id
// still queued drops the older one in place, preserving its original
// position.
type Queue struct {
	mu      sync.Mutex
	order   []string
	byID    map[string]*entry
	stats   Stats
	history []time.Time // completion timestamps, pruned to the last hour
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{byID: make(map[string]*entry)}
}

// Enqueue adds a fetched payload. If an older, not-yet-imported
// edition for identityID is already queued, it is replaced in place
// and counted as deduplicated; an incoming edition no newer than what
// is already queued is dropped silently.
func (q *Queue) Enqueue(identityID string, edition int64, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[identityID]; ok {
		if edition <= existing.edition {
			return
		}
		existing.edition = edition
		existing.payload = payload
		q.stats.Deduplicated++
		metrics.ImportQueueDepth.Set(float64(len(q.byID)))
		return
	}

	q.order = append(q.order, identityID)
	q.byID[identityID] = &entry{identityID: identityID, edition: edition, payload: payload}
	q.stats.Queued++
	metrics.ImportQueueDepth.Set(float64(len(q.byID)))
}

// Poll removes and returns the head of the queue, or ok=false if
// empty.
func (q *Queue) Poll() (identityID string, edition int64, payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		e, present := q.byID[id]
		if !present {
			continue
		}
		delete(q.byID, id)
		metrics.ImportQueueDepth.Set(float64(len(q.byID)))
		return e.identityID, e.edition, e.payload, true
	}
	return "", 0, nil, false
}

// Size reports the current number of distinct queued identities.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// RecordFinished marks one item as successfully imported.
func (q *Queue) RecordFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Finished++
	q.history = append(q.history, time.Now())
	q.pruneHistoryLocked()
}

// RecordFailed marks one item as failed (parse failure or rollback).
func (q *Queue) RecordFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Failed++
}

func (q *Queue) pruneHistoryLocked() {
	cutoff := time.Now().Add(-time.Hour)
	i := 0
	for i < len(q.history) && q.history[i].Before(cutoff) {
		i++
	}
	q.history = q.history[i:]
}

// Snapshot returns a copy of the current statistics, including the
// derived average-completions-per-hour figure.
func (q *Queue) Snapshot() (Stats, float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneHistoryLocked()
	return q.stats, float64(len(q.history))
}
