package wotstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// ScoreEngine is the score computation kernel's view into the store. It
// is defined here (rather than imported from internal/score) so that
// wotstore never depends on score, matching the data-flow in spec.md
// §2: Store -> Score engine -> Subscription engine.
type ScoreEngine interface {
	// OnTrustChanged is invoked synchronously, inside the committing
	// transaction, for every created/updated/deleted trust edge. It
	// may call txn.PutScore/txn.DeleteScore to maintain the score
	// invariant; those writes become part of the same transaction.
	OnTrustChanged(txn *Txn, old, new *Trust) error
	// OnOwnIdentityCreated seeds the self-score (rank 0, capacity 100)
	// for a freshly created OwnIdentity.
	OnOwnIdentityCreated(txn *Txn, owner *OwnIdentity) error
	// OnOwnIdentityDeleted removes every Score rooted at owner.
	OnOwnIdentityDeleted(txn *Txn, owner *OwnIdentity) error
}

// Notifier receives ordered, post-commit notifications of entity
// mutations. The subscription engine implements this.
type Notifier interface {
	NotifyIdentityChanged(old, new *Identity)
	NotifyTrustChanged(old, new *Trust)
	NotifyScoreChanged(old, new *Score)
}

// Store is the graph store: typed entities, lookup indices, and
// transactional mutation. A single global lock serializes writers;
// readers see the last committed state.
type Store struct {
	mu sync.RWMutex

	identities    map[string]*Identity
	ownIdentities map[string]*OwnIdentity

	// trustsOut[truster][trustee] = edge; trustsIn is the reverse
	// index kept in lockstep for O(1) incoming-trust enumeration.
	trustsOut map[string]map[string]*Trust
	trustsIn  map[string]map[string]*Trust

	// scoresByOwner[owner][target] = score; scoresByTarget is the
	// reverse index.
	scoresByOwner  map[string]map[string]*Score
	scoresByTarget map[string]map[string]*Score

	scoreEngine ScoreEngine
	notifier    Notifier
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		identities:     make(map[string]*Identity),
		ownIdentities:  make(map[string]*OwnIdentity),
		trustsOut:      make(map[string]map[string]*Trust),
		trustsIn:       make(map[string]map[string]*Trust),
		scoresByOwner:  make(map[string]map[string]*Score),
		scoresByTarget: make(map[string]map[string]*Score),
	}
}

// SetScoreEngine wires the score engine. Must be called before any
// transaction is begun.
func (s *Store) SetScoreEngine(e ScoreEngine) { s.scoreEngine = e }

// SetNotifier wires the subscription engine's notification sink.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// --- read-side lookups (RLock internally) ---

// GetIdentity returns a clone of the identity, or UnknownEntity.
func (s *Store) GetIdentity(id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.identities[id]
	if !ok {
		return nil, errs.NewUnknown("identity", id)
	}
	return i.Clone(), nil
}

// GetOwnIdentity returns a clone of the own-identity, or UnknownEntity.
func (s *Store) GetOwnIdentity(id string) (*OwnIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.ownIdentities[id]
	if !ok {
		return nil, errs.NewUnknown("own-identity", id)
	}
	return o.Clone(), nil
}

// GetTrust returns a clone of the trust edge, or UnknownEntity.
func (s *Store) GetTrust(truster, trustee string) (*Trust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.trustsOut[truster]
	if !ok {
		return nil, errs.NewUnknown("trust", truster+"->"+trustee)
	}
	t, ok := m[trustee]
	if !ok {
		return nil, errs.NewUnknown("trust", truster+"->"+trustee)
	}
	return t.Clone(), nil
}

// GetScore returns a clone of the score row, or UnknownEntity.
func (s *Store) GetScore(owner, target string) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.scoresByOwner[owner]
	if !ok {
		return nil, errs.NewUnknown("score", owner+"->"+target)
	}
	sc, ok := m[target]
	if !ok {
		return nil, errs.NewUnknown("score", owner+"->"+target)
	}
	return sc.Clone(), nil
}

// AllIdentities returns clones of every known identity.
func (s *Store) AllIdentities() []*Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Identity, 0, len(s.identities))
	for _, i := range s.identities {
		out = append(out, i.Clone())
	}
	return out
}

// AllOwnIdentities returns clones of every locally owned identity.
func (s *Store) AllOwnIdentities() []*OwnIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OwnIdentity, 0, len(s.ownIdentities))
	for _, o := range s.ownIdentities {
		out = append(out, o.Clone())
	}
	return out
}

// AllTrusts returns clones of every trust edge.
func (s *Store) AllTrusts() []*Trust {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trust, 0)
	for _, m := range s.trustsOut {
		for _, t := range m {
			out = append(out, t.Clone())
		}
	}
	return out
}

// AllScores returns clones of every score row.
func (s *Store) AllScores() []*Score {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Score, 0)
	for _, m := range s.scoresByOwner {
		for _, sc := range m {
			out = append(out, sc.Clone())
		}
	}
	return out
}

// OutgoingTrusts enumerates trust edges leaving id.
func (s *Store) OutgoingTrusts(id string) []*Trust {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.trustsOut[id]
	out := make([]*Trust, 0, len(m))
	for _, t := range m {
		out = append(out, t.Clone())
	}
	return out
}

// IncomingTrusts enumerates trust edges arriving at id.
func (s *Store) IncomingTrusts(id string) []*Trust {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.trustsIn[id]
	out := make([]*Trust, 0, len(m))
	for _, t := range m {
		out = append(out, t.Clone())
	}
	return out
}

// ScoresByOwner enumerates score rows rooted at owner.
func (s *Store) ScoresByOwner(owner string) []*Score {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.scoresByOwner[owner]
	out := make([]*Score, 0, len(m))
	for _, sc := range m {
		out = append(out, sc.Clone())
	}
	return out
}

// ScoresByTarget enumerates score rows aimed at target.
func (s *Store) ScoresByTarget(target string) []*Score {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.scoresByTarget[target]
	out := make([]*Score, 0, len(m))
	for _, sc := range m {
		out = append(out, sc.Clone())
	}
	return out
}

// View exposes read operations to a caller already holding the read
// lock, used by the subscription engine's synchronization protocol
// (spec.md §4.4) so the enumerate-and-snapshot sequence is atomic with
// respect to writers.
type View struct{ s *Store }

func (v *View) AllIdentities() []*Identity       { return v.s.unlockedAllIdentities() }
func (v *View) AllTrusts() []*Trust              { return v.s.unlockedAllTrusts() }
func (v *View) AllScores() []*Score              { return v.s.unlockedAllScores() }

func (s *Store) unlockedAllIdentities() []*Identity {
	out := make([]*Identity, 0, len(s.identities))
	for _, i := range s.identities {
		out = append(out, i.Clone())
	}
	return out
}

func (s *Store) unlockedAllTrusts() []*Trust {
	out := make([]*Trust, 0)
	for _, m := range s.trustsOut {
		for _, t := range m {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (s *Store) unlockedAllScores() []*Score {
	out := make([]*Score, 0)
	for _, m := range s.scoresByOwner {
		for _, sc := range m {
			out = append(out, sc.Clone())
		}
	}
	return out
}

// WithReadLock runs fn while holding the store's read lock, handing it
// a View for consistent enumeration.
func (s *Store) WithReadLock(fn func(v *View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&View{s: s})
}

// NewVersionID mints a fresh version-id. Exposed for callers (e.g. the
// subscription engine's BeginSync/EndSync) that need one outside a
// transaction.
func NewVersionID() string { return uuid.New().String() }
