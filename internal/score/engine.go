// Package score implements the trust graph kernel's score computation
// engine: for every OwnIdentity it maintains a Score tree keyed by
// rank (hop distance), capacity (per-rank propagation weight), and
// value (signed reputation), per spec.md §4.2.
package score

import (
	"sort"
	"sync"
	"time"

	"github.com/trustmesh/trustmesh/internal/metrics"
	"github.com/trustmesh/trustmesh/internal/wotstore"
	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// Engine implements wotstore.ScoreEngine. It holds no store-independent
// state beyond the capacity table; every computation reads and writes
// through the Txn it is handed, so the score edits it produces are
// always part of the transaction that triggered them. The capacity
// table itself is guarded by its own mutex rather than the store's
// writer lock, since SetCapacityTable is meant to be called from a
// config hot-reload goroutine independent of any in-flight Txn.
type Engine struct {
	tableMu       sync.RWMutex
	capacityTable map[int]wotstore.Capacity
	maxIterations int
}

// New builds an Engine. A nil capacityTable uses the default from
// spec.md §4.2 ({0:100, 1:40, 2:16, 3:6, 4:2, 5:1}).
func New(capacityTable map[int]wotstore.Capacity) *Engine {
	return &Engine{capacityTable: capacityTable, maxIterations: 4096}
}

// SetCapacityTable replaces the per-rank capacity table used by every
// subsequent recomputation. Existing Score rows are left as-is until
// the next OnTrustChanged touches their owner's tree; it does not
// force a full recompute of every owner.
func (e *Engine) SetCapacityTable(table map[int]wotstore.Capacity) {
	e.tableMu.Lock()
	e.capacityTable = table
	e.tableMu.Unlock()
}

func (e *Engine) capacityTableSnapshot() map[int]wotstore.Capacity {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	return e.capacityTable
}

var _ wotstore.ScoreEngine = (*Engine)(nil)

// OnOwnIdentityCreated seeds Score(O, O) = (rank 0, capacity 100,
// value +infinity).
func (e *Engine) OnOwnIdentityCreated(txn *wotstore.Txn, owner *wotstore.OwnIdentity) error {
	txn.PutScore(&wotstore.Score{
		Owner:    owner.ID,
		Target:   owner.ID,
		Value:    wotstore.ScoreValueSentinel,
		Rank:     0,
		Capacity: 100,
	})
	return nil
}

// OnOwnIdentityDeleted removes every Score rooted at owner.
func (e *Engine) OnOwnIdentityDeleted(txn *wotstore.Txn, owner *wotstore.OwnIdentity) error {
	for _, sc := range txn.ScoresByOwner(owner.ID) {
		txn.DeleteScore(sc.Owner, sc.Target)
	}
	return nil
}

// OnTrustChanged is invoked once per trust edit, as the edit is staged
// inside its transaction (before Commit). It skips
// owners whose tree cannot possibly be touched — the truster is
// neither the owner itself nor already present in the owner's tree —
// and fully rebuilds the tree of every owner that can. The rebuild
// itself is not incremental (see DESIGN.md); the skip is the bounded
// part of "incremental update" this engine implements.
func (e *Engine) OnTrustChanged(txn *wotstore.Txn, old, new *wotstore.Trust) error {
	var truster string
	switch {
	case new != nil:
		truster = new.Truster
	case old != nil:
		truster = old.Truster
	default:
		return nil
	}

	owners := txn.AllOwnIdentityIDs()
	sort.Strings(owners)
	start := time.Now()
	touched := 0
	for _, owner := range owners {
		if owner == truster {
			if err := e.recomputeOwnerTree(txn, owner); err != nil {
				return err
			}
			touched++
			continue
		}
		if _, ok := txn.GetScore(owner, truster); ok {
			if err := e.recomputeOwnerTree(txn, owner); err != nil {
				return err
			}
			touched++
		}
	}
	if touched > 0 {
		metrics.RecordIncrementalRecompute(time.Since(start).Seconds())
	}
	return nil
}

// ForceFullRecompute rebuilds owner's score tree from scratch inside
// its own transaction. Nothing in this module calls it when an
// Internal error occurs; it runs only when a caller invokes it
// directly.
func ForceFullRecompute(store *wotstore.Store, e *Engine, owner string) error {
	txn := store.Begin()
	if err := e.recomputeOwnerTree(txn, owner); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// recomputeOwnerTree rebuilds the entire Score tree rooted at owner by
// iterated relaxation: rank, value and capacity for every identity in
// the tree are recomputed in lockstep passes until no value changes,
// which is guaranteed to terminate because ranks are bounded below and
// capacities only ever move towards zero or a smaller rank-derived
// ceiling. See spec.md §4.2 for the per-field formulas.
func (e *Engine) recomputeOwnerTree(txn *wotstore.Txn, owner string) error {
	start := time.Now()

	type node struct {
		rank     int
		value    int
		capacity wotstore.Capacity
	}
	tree := map[string]*node{owner: {rank: 0, value: wotstore.ScoreValueSentinel, capacity: 100}}

	iterations := 0
	for {
		iterations++
		if iterations > e.maxIterations {
			return errs.NewInternal("score", errTooManyIterations(owner))
		}
		changed := false

		// Pass 1: extend rank to newly reachable targets and tighten
		// ranks for already-discovered ones.
		type candidate struct {
			rank   int
			truster string
		}
		best := make(map[string]candidate)
		trusters := make([]string, 0, len(tree))
		for id := range tree {
			trusters = append(trusters, id)
		}
		sort.Strings(trusters)
		for _, u := range trusters {
			un := tree[u]
			if un.capacity <= 0 {
				continue
			}
			for _, edge := range txn.OutgoingTrusts(u) {
				v := edge.Trustee
				if v == owner {
					continue
				}
				if u != owner && edge.Value < 0 {
					continue
				}
				cand := un.rank + 1
				if cur, ok := best[v]; !ok || cand < cur.rank || (cand == cur.rank && u < cur.truster) {
					best[v] = candidate{rank: cand, truster: u}
				}
			}
		}
		for v, c := range best {
			existing, ok := tree[v]
			if !ok {
				tree[v] = &node{rank: c.rank}
				changed = true
			} else if c.rank < existing.rank {
				existing.rank = c.rank
				changed = true
			}
		}

		// Pass 2: recompute value and capacity for every tree member
		// (except owner) given the current rank/capacity snapshot.
		members := make([]string, 0, len(tree))
		for id := range tree {
			if id != owner {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		for _, t := range members {
			n := tree[t]
			var v int
			if direct, ok := txn.GetTrust(owner, t); ok {
				v = direct.Value * 100
			} else {
				sum := 0
				for _, edge := range txn.IncomingTrusts(t) {
					if un, ok := tree[edge.Truster]; ok && un.capacity > 0 {
						sum += edge.Value * int(un.capacity) / 100
					}
				}
				v = sum
			}
			cap := wotstore.Capacity(0)
			if v > 0 {
				cap = wotstore.CapacityForRank(e.capacityTableSnapshot(), wotstore.Rank(n.rank))
			}
			if n.value != v || n.capacity != cap {
				n.value = v
				n.capacity = cap
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	// Diff against the previously stored tree and commit the delta.
	existing := txn.ScoresByOwner(owner)
	for _, sc := range existing {
		if sc.Target == owner {
			continue
		}
		if _, stillReachable := tree[sc.Target]; !stillReachable {
			txn.DeleteScore(owner, sc.Target)
		}
	}
	for target, n := range tree {
		if target == owner {
			continue
		}
		cur, ok := txn.GetScore(owner, target)
		if ok && cur.Value == n.value && int(cur.Rank) == n.rank && cur.Capacity == n.capacity {
			continue
		}
		txn.PutScore(&wotstore.Score{
			Owner:    owner,
			Target:   target,
			Value:    n.value,
			Rank:     wotstore.Rank(n.rank),
			Capacity: n.capacity,
		})
	}
	if _, ok := txn.GetScore(owner, owner); !ok {
		txn.PutScore(&wotstore.Score{Owner: owner, Target: owner, Value: wotstore.ScoreValueSentinel, Rank: 0, Capacity: 100})
	}

	metrics.RecordFullRecompute(owner, time.Since(start).Seconds())
	metrics.SetScoreTreeSize(owner, len(tree))
	return nil
}

type iterationLimitError struct{ owner string }

func (e *iterationLimitError) Error() string {
	return "score tree for " + e.owner + " did not converge within the iteration budget"
}

func errTooManyIterations(owner string) error { return &iterationLimitError{owner: owner} }
