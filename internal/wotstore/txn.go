package wotstore

import "github.com/trustmesh/trustmesh/internal/wotstore/errs"

// changeKind tags an entry in a transaction's change log.
type changeKind int

const (
	changeIdentity changeKind = iota
	changeTrust
	changeScore
)

// change is one committed mutation, retained in the order it was
// applied so the subscription engine can replay cross-kind ordering
// guarantees exactly (spec.md §4.4: identity stubs created while
// reconciling a trust list are notified before the trust edge that
// caused them).
type change struct {
	kind             changeKind
	identityOld, identityNew *Identity
	trustOld, trustNew       *Trust
	scoreOld, scoreNew       *Score
}

// undoOp reverses one live-map mutation. Applied in reverse order on
// Rollback.
type undoOp func(s *Store)

// Txn is a single writer transaction against the Store. All mutating
// operations on the store go through a Txn; there is exactly one live
// at a time, enforced by Store.mu being held for its duration.
type Txn struct {
	store   *Store
	changes []change
	undo    []undoOp
	done    bool
}

// Begin acquires the store's single writer lock and returns a Txn.
// The caller must call Commit or Rollback exactly once.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	return &Txn{store: s}
}

// Commit applies the accumulated changes' side effects — score
// recomputation already happened inline as edges were staged — and
// delivers ordered notifications to the subscription engine, then
// releases the writer lock.
func (t *Txn) Commit() error {
	if t.done {
		return errs.NewInternal("wotstore", errValidation("transaction already finished"))
	}
	t.done = true
	defer t.store.mu.Unlock()
	if t.store.notifier != nil {
		for _, c := range t.changes {
			switch c.kind {
			case changeIdentity:
				t.store.notifier.NotifyIdentityChanged(c.identityOld, c.identityNew)
			case changeTrust:
				t.store.notifier.NotifyTrustChanged(c.trustOld, c.trustNew)
			case changeScore:
				t.store.notifier.NotifyScoreChanged(c.scoreOld, c.scoreNew)
			}
		}
	}
	return nil
}

// Rollback undoes every staged mutation in reverse order and releases
// the writer lock. No notifications are delivered.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i](t.store)
	}
}

func errValidation(reason string) error { return errs.NewValidation("transaction", reason) }

// --- identity mutation ---

// PutIdentity creates or updates an identity. Nickname, contexts, and
// properties are validated; the version-id is stamped fresh on every
// write, per spec.md §9 (the version-id names a committed state, not
// merely a parse pass).
func (t *Txn) PutIdentity(next *Identity) error {
	if !IsValidIdentityID(next.ID) {
		return errs.NewValidation("identity.id", "malformed identity id")
	}
	if next.Nickname != nil {
		if err := ValidateNickname(*next.Nickname); err != nil {
			return err
		}
	}
	if err := ValidateContexts(next.Contexts); err != nil {
		return err
	}
	if err := ValidateProperties(next.Properties); err != nil {
		return err
	}

	s := t.store
	old := s.identities[next.ID]
	if old != nil {
		// Nickname is immutable once set (spec.md §9): an import that
		// tries to change an already-assigned nickname is rejected
		// rather than silently applied.
		if old.Nickname != nil && next.Nickname != nil && *old.Nickname != *next.Nickname {
			return errs.NewValidation("identity.nickname", "nickname is immutable once set")
		}
		if next.Edition < old.Edition {
			return errs.NewValidation("identity.edition", "edition must not decrease")
		}
	}
	stamped := next.Clone()
	stamped.VersionID = NewVersionID()
	s.identities[next.ID] = stamped

	t.undo = append(t.undo, func(s *Store) {
		if old != nil {
			s.identities[next.ID] = old
		} else {
			delete(s.identities, next.ID)
		}
	})
	t.changes = append(t.changes, change{kind: changeIdentity, identityOld: old, identityNew: stamped.Clone()})
	return nil
}

// PutOwnIdentity creates or updates a locally held identity. On first
// creation it seeds the owner's own Score via the wired score engine.
func (t *Txn) PutOwnIdentity(next *OwnIdentity) error {
	if err := t.PutIdentity(&next.Identity); err != nil {
		return err
	}
	s := t.store
	old := s.ownIdentities[next.ID]
	stamped := next.Clone()
	s.ownIdentities[next.ID] = stamped
	t.undo = append(t.undo, func(s *Store) {
		if old != nil {
			s.ownIdentities[next.ID] = old
		} else {
			delete(s.ownIdentities, next.ID)
		}
	})
	if old == nil && s.scoreEngine != nil {
		if err := s.scoreEngine.OnOwnIdentityCreated(t, stamped); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOwnIdentity removes a locally held identity, cascading to
// every Trust edge where it is truster or trustee, every Score row it
// roots, and finally its own Identity row (spec.md line 36: "deletion
// of an OwnIdentity cascades to its Trust edges and Score rows").
func (t *Txn) DeleteOwnIdentity(id string) error {
	s := t.store
	old, ok := s.ownIdentities[id]
	if !ok {
		return errs.NewUnknown("own-identity", id)
	}

	for _, tr := range t.OutgoingTrusts(id) {
		if err := t.DeleteTrust(tr.Truster, tr.Trustee); err != nil {
			return err
		}
	}
	for _, tr := range t.IncomingTrusts(id) {
		if err := t.DeleteTrust(tr.Truster, tr.Trustee); err != nil {
			return err
		}
	}

	if s.scoreEngine != nil {
		if err := s.scoreEngine.OnOwnIdentityDeleted(t, old); err != nil {
			return err
		}
	}

	delete(s.ownIdentities, id)
	t.undo = append(t.undo, func(s *Store) { s.ownIdentities[id] = old })

	oldIdentity := s.identities[id]
	delete(s.identities, id)
	t.undo = append(t.undo, func(s *Store) { s.identities[id] = oldIdentity })
	t.changes = append(t.changes, change{kind: changeIdentity, identityOld: oldIdentity, identityNew: nil})

	return nil
}

// --- trust mutation ---

// PutTrust creates or updates a trust edge, validates it, maintains
// the forward/reverse indices, and synchronously invokes the score
// engine so induced score edits land in the same transaction.
func (t *Txn) PutTrust(next *Trust) error {
	if !IsValidIdentityID(next.Truster) || !IsValidIdentityID(next.Trustee) {
		return errs.NewValidation("trust", "truster and trustee must be valid identity ids")
	}
	if next.Truster == next.Trustee {
		return errs.NewValidation("trust", "an identity may not trust itself")
	}
	if err := ValidateTrustValue(next.Value); err != nil {
		return err
	}
	if err := ValidateTrustComment(next.Comment); err != nil {
		return err
	}

	s := t.store
	var old *Trust
	if m, ok := s.trustsOut[next.Truster]; ok {
		old = m[next.Trustee]
	}
	stamped := next.Clone()
	stamped.VersionID = NewVersionID()

	if s.trustsOut[next.Truster] == nil {
		s.trustsOut[next.Truster] = make(map[string]*Trust)
	}
	if s.trustsIn[next.Trustee] == nil {
		s.trustsIn[next.Trustee] = make(map[string]*Trust)
	}
	s.trustsOut[next.Truster][next.Trustee] = stamped
	s.trustsIn[next.Trustee][next.Truster] = stamped

	t.undo = append(t.undo, func(s *Store) {
		if old != nil {
			s.trustsOut[next.Truster][next.Trustee] = old
			s.trustsIn[next.Trustee][next.Truster] = old
		} else {
			delete(s.trustsOut[next.Truster], next.Trustee)
			delete(s.trustsIn[next.Trustee], next.Truster)
		}
	})
	t.changes = append(t.changes, change{kind: changeTrust, trustOld: old, trustNew: stamped.Clone()})

	if s.scoreEngine != nil {
		if err := s.scoreEngine.OnTrustChanged(t, old, stamped); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTrust removes a trust edge and notifies the score engine with
// new == nil.
func (t *Txn) DeleteTrust(truster, trustee string) error {
	s := t.store
	m, ok := s.trustsOut[truster]
	if !ok {
		return errs.NewUnknown("trust", truster+"->"+trustee)
	}
	old, ok := m[trustee]
	if !ok {
		return errs.NewUnknown("trust", truster+"->"+trustee)
	}
	delete(s.trustsOut[truster], trustee)
	delete(s.trustsIn[trustee], truster)
	t.undo = append(t.undo, func(s *Store) {
		s.trustsOut[truster][trustee] = old
		s.trustsIn[trustee][truster] = old
	})
	t.changes = append(t.changes, change{kind: changeTrust, trustOld: old, trustNew: nil})
	if s.scoreEngine != nil {
		if err := s.scoreEngine.OnTrustChanged(t, old, nil); err != nil {
			return err
		}
	}
	return nil
}

// --- score mutation: called only by the wired ScoreEngine ---

// PutScore creates or updates a score row. Not part of the public
// RPC-facing API; only the score engine calls this, from inside
// OnTrustChanged/OnOwnIdentityCreated.
func (t *Txn) PutScore(next *Score) {
	s := t.store
	var old *Score
	if m, ok := s.scoresByOwner[next.Owner]; ok {
		old = m[next.Target]
	}
	stamped := next.Clone()
	stamped.VersionID = NewVersionID()

	if s.scoresByOwner[next.Owner] == nil {
		s.scoresByOwner[next.Owner] = make(map[string]*Score)
	}
	if s.scoresByTarget[next.Target] == nil {
		s.scoresByTarget[next.Target] = make(map[string]*Score)
	}
	s.scoresByOwner[next.Owner][next.Target] = stamped
	s.scoresByTarget[next.Target][next.Owner] = stamped

	owner, target := next.Owner, next.Target
	t.undo = append(t.undo, func(s *Store) {
		if old != nil {
			s.scoresByOwner[owner][target] = old
			s.scoresByTarget[target][owner] = old
		} else {
			delete(s.scoresByOwner[owner], target)
			delete(s.scoresByTarget[target], owner)
		}
	})
	t.changes = append(t.changes, change{kind: changeScore, scoreOld: old, scoreNew: stamped.Clone()})
}

// DeleteScore removes a score row, a no-op if absent.
func (t *Txn) DeleteScore(owner, target string) {
	s := t.store
	m, ok := s.scoresByOwner[owner]
	if !ok {
		return
	}
	old, ok := m[target]
	if !ok {
		return
	}
	delete(s.scoresByOwner[owner], target)
	delete(s.scoresByTarget[target], owner)
	t.undo = append(t.undo, func(s *Store) {
		s.scoresByOwner[owner][target] = old
		s.scoresByTarget[target][owner] = old
	})
	t.changes = append(t.changes, change{kind: changeScore, scoreOld: old, scoreNew: nil})
}

// --- read-through-transaction helpers used by the score engine ---

// GetTrust returns the live (uncloned) trust edge for internal engine
// use inside a transaction. Callers outside wotstore use Store.GetTrust.
func (t *Txn) GetTrust(truster, trustee string) (*Trust, bool) {
	m, ok := t.store.trustsOut[truster]
	if !ok {
		return nil, false
	}
	tr, ok := m[trustee]
	return tr, ok
}

// GetIdentity returns the live (uncloned) identity for internal
// importer use inside a transaction.
func (t *Txn) GetIdentity(id string) (*Identity, bool) {
	i, ok := t.store.identities[id]
	return i, ok
}

// GetScore returns the live score row, if any.
func (t *Txn) GetScore(owner, target string) (*Score, bool) {
	m, ok := t.store.scoresByOwner[owner]
	if !ok {
		return nil, false
	}
	sc, ok := m[target]
	return sc, ok
}

// OutgoingTrusts enumerates live trust edges leaving id, for use by
// the score engine while it already holds the writer lock.
func (t *Txn) OutgoingTrusts(id string) []*Trust {
	m := t.store.trustsOut[id]
	out := make([]*Trust, 0, len(m))
	for _, tr := range m {
		out = append(out, tr)
	}
	return out
}

// IncomingTrusts enumerates live trust edges arriving at id.
func (t *Txn) IncomingTrusts(id string) []*Trust {
	m := t.store.trustsIn[id]
	out := make([]*Trust, 0, len(m))
	for _, tr := range m {
		out = append(out, tr)
	}
	return out
}

// ScoresByOwner enumerates live score rows rooted at owner.
func (t *Txn) ScoresByOwner(owner string) []*Score {
	m := t.store.scoresByOwner[owner]
	out := make([]*Score, 0, len(m))
	for _, sc := range m {
		out = append(out, sc)
	}
	return out
}

// AllOwnIdentityIDs enumerates every locally held identity id, used by
// the score engine to decide which owners a trust edit might affect.
func (t *Txn) AllOwnIdentityIDs() []string {
	out := make([]string, 0, len(t.store.ownIdentities))
	for id := range t.store.ownIdentities {
		out = append(out, id)
	}
	return out
}

// EnsureIdentityStub creates a bare, NotFetched identity placeholder
// if id is not yet known, mirroring the teacher's updateIdentityRegistry
// upsert-on-reference behavior. Returns the (possibly pre-existing)
// identity.
func (t *Txn) EnsureIdentityStub(id string) (*Identity, error) {
	if existing, ok := t.store.identities[id]; ok {
		return existing, nil
	}
	stub := &Identity{
		ID:         id,
		FetchState: NotFetched,
		Properties: map[string]string{},
	}
	if err := t.PutIdentity(stub); err != nil {
		return nil, err
	}
	return t.store.identities[id], nil
}
