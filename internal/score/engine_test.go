package score

import (
	"encoding/base64"
	"testing"

	"github.com/trustmesh/trustmesh/internal/wotstore"
)

func id(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func newTestStore() (*wotstore.Store, *Engine) {
	s := wotstore.New()
	e := New(nil)
	s.SetScoreEngine(e)
	return s, e
}

// TestTwoHopPropagation mirrors spec.md's scenario 1: O trusts A at
// +100; A's fetched trust list trusts B at +50. Expect rank(O,A)=1,
// capacity(O,A)=40, rank(O,B)=2, capacity(O,B)=16, value(O,B)=20.
func TestTwoHopPropagation(t *testing.T) {
	s, _ := newTestStore()
	O, A, B := id(1), id(2), id(3)

	txn := s.Begin()
	if err := txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}}); err != nil {
		t.Fatalf("PutOwnIdentity: %v", err)
	}
	for _, x := range []string{A, B} {
		if err := txn.PutIdentity(&wotstore.Identity{ID: x, Properties: map[string]string{}}); err != nil {
			t.Fatalf("PutIdentity: %v", err)
		}
	}
	if err := txn.PutTrust(&wotstore.Trust{Truster: O, Trustee: A, Value: 100}); err != nil {
		t.Fatalf("PutTrust O->A: %v", err)
	}
	if err := txn.PutTrust(&wotstore.Trust{Truster: A, Trustee: B, Value: 50}); err != nil {
		t.Fatalf("PutTrust A->B: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	scA, err := s.GetScore(O, A)
	if err != nil {
		t.Fatalf("GetScore(O,A): %v", err)
	}
	if scA.Rank != 1 || scA.Capacity != 40 {
		t.Errorf("A: expected rank=1 capacity=40, got rank=%d capacity=%d", scA.Rank, scA.Capacity)
	}

	scB, err := s.GetScore(O, B)
	if err != nil {
		t.Fatalf("GetScore(O,B): %v", err)
	}
	if scB.Rank != 2 || scB.Capacity != 16 || scB.Value != 20 {
		t.Errorf("B: expected rank=2 capacity=16 value=20, got rank=%d capacity=%d value=%d", scB.Rank, scB.Capacity, scB.Value)
	}
}

// TestSetCapacityTableAffectsSubsequentRecompute checks that a
// capacity table swapped in at runtime (as config.Watcher does on a
// hot reload) takes effect the next time an owner's tree is rebuilt,
// without needing a new Engine.
func TestSetCapacityTableAffectsSubsequentRecompute(t *testing.T) {
	s, e := newTestStore()
	O, A := id(1), id(2)

	txn := s.Begin()
	if err := txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}}); err != nil {
		t.Fatalf("PutOwnIdentity: %v", err)
	}
	_ = txn.PutIdentity(&wotstore.Identity{ID: A, Properties: map[string]string{}})
	if err := txn.PutTrust(&wotstore.Trust{Truster: O, Trustee: A, Value: 100}); err != nil {
		t.Fatalf("PutTrust O->A: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	scA, err := s.GetScore(O, A)
	if err != nil {
		t.Fatalf("GetScore(O,A): %v", err)
	}
	if scA.Capacity != 40 {
		t.Fatalf("expected default rank-1 capacity 40, got %d", scA.Capacity)
	}

	e.SetCapacityTable(map[int]wotstore.Capacity{0: 100, 1: 25})
	if err := ForceFullRecompute(s, e, O); err != nil {
		t.Fatalf("ForceFullRecompute: %v", err)
	}

	scA, err = s.GetScore(O, A)
	if err != nil {
		t.Fatalf("GetScore(O,A) after recompute: %v", err)
	}
	if scA.Capacity != 25 {
		t.Errorf("expected rank-1 capacity 25 after SetCapacityTable, got %d", scA.Capacity)
	}
}

// TestDirectDistrustOverridesTransitivity mirrors spec.md's scenario 2:
// after the two-hop setup, O directly distrusts B at -30. Expect
// value(O,B) = -3000 (owner override), rank(O,B) = 1, and B's outgoing
// trust no longer propagates (capacity(O,B) = 0).
func TestDirectDistrustOverridesTransitivity(t *testing.T) {
	s, _ := newTestStore()
	O, A, B := id(1), id(2), id(3)

	txn := s.Begin()
	_ = txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: A, Properties: map[string]string{}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: B, Properties: map[string]string{}})
	_ = txn.PutTrust(&wotstore.Trust{Truster: O, Trustee: A, Value: 100})
	_ = txn.PutTrust(&wotstore.Trust{Truster: A, Trustee: B, Value: 50})
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn2 := s.Begin()
	if err := txn2.PutTrust(&wotstore.Trust{Truster: O, Trustee: B, Value: -30}); err != nil {
		t.Fatalf("PutTrust O->B: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	scB, err := s.GetScore(O, B)
	if err != nil {
		t.Fatalf("GetScore(O,B): %v", err)
	}
	if scB.Value != -3000 {
		t.Errorf("expected value=-3000, got %d", scB.Value)
	}
	if scB.Rank != 1 {
		t.Errorf("expected rank=1, got %d", scB.Rank)
	}
	if scB.Capacity != 0 {
		t.Errorf("expected capacity=0, got %d", scB.Capacity)
	}
}

func TestOwnerSelfScoreIsSentinel(t *testing.T) {
	s, _ := newTestStore()
	O := id(1)
	txn := s.Begin()
	if err := txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}}); err != nil {
		t.Fatalf("PutOwnIdentity: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sc, err := s.GetScore(O, O)
	if err != nil {
		t.Fatalf("GetScore(O,O): %v", err)
	}
	if sc.Value != wotstore.ScoreValueSentinel || sc.Rank != 0 || sc.Capacity != 100 {
		t.Errorf("unexpected self score: %+v", sc)
	}
}

func TestUnreachableTargetHasNoScoreRow(t *testing.T) {
	s, _ := newTestStore()
	O, A, Isolated := id(1), id(2), id(9)

	txn := s.Begin()
	_ = txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: A, Properties: map[string]string{}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: Isolated, Properties: map[string]string{}})
	_ = txn.PutTrust(&wotstore.Trust{Truster: O, Trustee: A, Value: 10})
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.GetScore(O, Isolated); err == nil {
		t.Error("expected no score row for an unreachable identity")
	}
}

func TestDeletingTrustRetractsDownstreamScore(t *testing.T) {
	s, _ := newTestStore()
	O, A, B := id(1), id(2), id(3)

	txn := s.Begin()
	_ = txn.PutOwnIdentity(&wotstore.OwnIdentity{Identity: wotstore.Identity{ID: O, Properties: map[string]string{}}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: A, Properties: map[string]string{}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: B, Properties: map[string]string{}})
	_ = txn.PutTrust(&wotstore.Trust{Truster: O, Trustee: A, Value: 100})
	_ = txn.PutTrust(&wotstore.Trust{Truster: A, Trustee: B, Value: 50})
	_ = txn.Commit()

	txn2 := s.Begin()
	if err := txn2.DeleteTrust(A, B); err != nil {
		t.Fatalf("DeleteTrust: %v", err)
	}
	_ = txn2.Commit()

	if _, err := s.GetScore(O, B); err == nil {
		t.Error("expected B's score to be retracted once A->B is removed")
	}
}
