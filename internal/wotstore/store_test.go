package wotstore

import (
	"encoding/base64"
	"testing"
)

// testID derives a well-formed 43-character identity id by base64url
// encoding a 32-byte buffer filled with b.
func testID(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func TestPutIdentityRejectsMalformedID(t *testing.T) {
	s := New()
	txn := s.Begin()
	err := txn.PutIdentity(&Identity{ID: "too-short"})
	txn.Rollback()
	if err == nil {
		t.Fatal("expected validation error for malformed identity id")
	}
}

func TestPutIdentityStampsVersionID(t *testing.T) {
	s := New()
	id := testID(1)
	txn := s.Begin()
	if err := txn.PutIdentity(&Identity{ID: id, Properties: map[string]string{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	got, err := s.GetIdentity(id)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.VersionID == "" {
		t.Error("expected a stamped version-id")
	}
}

func TestTrustIndicesAreBidirectional(t *testing.T) {
	s := New()
	a, b := testID(1), testID(2)
	txn := s.Begin()
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	_ = txn.PutIdentity(&Identity{ID: b, Properties: map[string]string{}})
	if err := txn.PutTrust(&Trust{Truster: a, Trustee: b, Value: 50}); err != nil {
		t.Fatalf("PutTrust: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	out := s.OutgoingTrusts(a)
	if len(out) != 1 || out[0].Trustee != b {
		t.Errorf("expected one outgoing trust a->b, got %v", out)
	}
	in := s.IncomingTrusts(b)
	if len(in) != 1 || in[0].Truster != a {
		t.Errorf("expected one incoming trust a->b, got %v", in)
	}
}

func TestPutTrustRejectsSelfTrust(t *testing.T) {
	s := New()
	a := testID(1)
	txn := s.Begin()
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	err := txn.PutTrust(&Trust{Truster: a, Trustee: a, Value: 10})
	txn.Rollback()
	if err == nil {
		t.Fatal("expected validation error for self-trust")
	}
}

func TestRollbackUndoesAllStagedWrites(t *testing.T) {
	s := New()
	a, b := testID(1), testID(2)
	txn := s.Begin()
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	_ = txn.PutIdentity(&Identity{ID: b, Properties: map[string]string{}})
	_ = txn.PutTrust(&Trust{Truster: a, Trustee: b, Value: 10})
	txn.Rollback()

	if _, err := s.GetIdentity(a); err == nil {
		t.Error("expected identity a to be absent after rollback")
	}
	if _, err := s.GetTrust(a, b); err == nil {
		t.Error("expected trust edge to be absent after rollback")
	}
}

func TestDeleteTrustRemovesBothIndices(t *testing.T) {
	s := New()
	a, b := testID(1), testID(2)
	txn := s.Begin()
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	_ = txn.PutIdentity(&Identity{ID: b, Properties: map[string]string{}})
	_ = txn.PutTrust(&Trust{Truster: a, Trustee: b, Value: 10})
	_ = txn.Commit()

	txn2 := s.Begin()
	if err := txn2.DeleteTrust(a, b); err != nil {
		t.Fatalf("DeleteTrust: %v", err)
	}
	_ = txn2.Commit()

	if len(s.OutgoingTrusts(a)) != 0 {
		t.Error("expected no outgoing trusts after delete")
	}
	if len(s.IncomingTrusts(b)) != 0 {
		t.Error("expected no incoming trusts after delete")
	}
}

func TestDeleteOwnIdentityCascadesTrustsAndIdentity(t *testing.T) {
	s := New()
	owner, a, b := testID(1), testID(2), testID(3)

	txn := s.Begin()
	if err := txn.PutOwnIdentity(&OwnIdentity{Identity: Identity{ID: owner, Properties: map[string]string{}}}); err != nil {
		t.Fatalf("PutOwnIdentity: %v", err)
	}
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	_ = txn.PutIdentity(&Identity{ID: b, Properties: map[string]string{}})
	if err := txn.PutTrust(&Trust{Truster: owner, Trustee: a, Value: 50}); err != nil {
		t.Fatalf("PutTrust owner->a: %v", err)
	}
	if err := txn.PutTrust(&Trust{Truster: b, Trustee: owner, Value: 30}); err != nil {
		t.Fatalf("PutTrust b->owner: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn2 := s.Begin()
	if err := txn2.DeleteOwnIdentity(owner); err != nil {
		t.Fatalf("DeleteOwnIdentity: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.GetOwnIdentity(owner); err == nil {
		t.Error("expected own-identity to be gone")
	}
	if _, err := s.GetIdentity(owner); err == nil {
		t.Error("expected identity row to be gone")
	}
	if _, err := s.GetTrust(owner, a); err == nil {
		t.Error("expected outgoing trust owner->a to be gone")
	}
	if _, err := s.GetTrust(b, owner); err == nil {
		t.Error("expected incoming trust b->owner to be gone")
	}
	if len(s.OutgoingTrusts(owner)) != 0 || len(s.IncomingTrusts(owner)) != 0 {
		t.Error("expected both trust indices for owner to be empty")
	}
}

type recordingNotifier struct {
	identities, trusts, scores int
}

func (r *recordingNotifier) NotifyIdentityChanged(old, new *Identity) { r.identities++ }
func (r *recordingNotifier) NotifyTrustChanged(old, new *Trust)       { r.trusts++ }
func (r *recordingNotifier) NotifyScoreChanged(old, new *Score)       { r.scores++ }

func TestNotifierSeesChangesOnlyAfterCommit(t *testing.T) {
	s := New()
	n := &recordingNotifier{}
	s.SetNotifier(n)

	a := testID(1)
	txn := s.Begin()
	_ = txn.PutIdentity(&Identity{ID: a, Properties: map[string]string{}})
	if n.identities != 0 {
		t.Fatal("notifier must not fire before commit")
	}
	_ = txn.Commit()
	if n.identities != 1 {
		t.Errorf("expected 1 identity notification after commit, got %d", n.identities)
	}
}
