package subscription

import (
	"encoding/base64"
	"errors"
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

type recordingTransport struct {
	sent []*Notification
	fail map[int]bool // index into sent (0-based) -> explicit failure
	err  error
}

func (rt *recordingTransport) Send(n *Notification) (bool, error) {
	if rt.err != nil {
		return false, rt.err
	}
	idx := len(rt.sent)
	rt.sent = append(rt.sent, n)
	if rt.fail[idx] {
		return false, nil
	}
	return true, nil
}

func newStoreWithOneIdentity() *wotstore.Store {
	s := wotstore.New()
	txn := s.Begin()
	_ = txn.PutIdentity(&wotstore.Identity{ID: id(1), Properties: map[string]string{}})
	_ = txn.Commit()
	return s
}

func TestSubscribeRunsSynchronizationProtocol(t *testing.T) {
	s := newStoreWithOneIdentity()
	m := New(s, 5)
	tr := &recordingTransport{}

	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.Deploy(func() bool { return false })

	if len(tr.sent) != 3 {
		t.Fatalf("expected BeginSync + 1 identity + EndSync = 3 notifications, got %d", len(tr.sent))
	}
	if tr.sent[0].Sync == nil || !tr.sent[0].Sync.Begin {
		t.Error("expected first notification to be BeginSync")
	}
	if tr.sent[1].Change == nil || tr.sent[1].Change.Kind != Identities {
		t.Error("expected second notification to carry the existing identity")
	}
	if tr.sent[2].Sync == nil || tr.sent[2].Sync.Begin {
		t.Error("expected third notification to be EndSync")
	}
}

func TestSubscribeRejectsDuplicateKindForSameClient(t *testing.T) {
	s := newStoreWithOneIdentity()
	m := New(s, 5)
	tr := &recordingTransport{}

	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err == nil {
		t.Error("expected duplicate same-kind subscription to be rejected")
	}
}

func TestCrossKindNotificationsDeliverInStrictIndexOrder(t *testing.T) {
	s := wotstore.New()
	m := New(s, 5)
	tr := &recordingTransport{}

	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err != nil {
		t.Fatalf("Subscribe Identities: %v", err)
	}
	if _, err := m.Subscribe("client-a", Callback, tr, Trusts); err != nil {
		t.Fatalf("Subscribe Trusts: %v", err)
	}

	txn := s.Begin()
	_ = txn.PutIdentity(&wotstore.Identity{ID: id(1), Properties: map[string]string{}})
	_ = txn.PutIdentity(&wotstore.Identity{ID: id(2), Properties: map[string]string{}})
	_ = txn.PutTrust(&wotstore.Trust{Truster: id(1), Trustee: id(2), Value: 10})
	_ = txn.Commit()

	m.Deploy(func() bool { return false })

	var lastIndex uint64
	for i, n := range tr.sent {
		if n.Index <= lastIndex && i > 0 {
			t.Fatalf("notification %d index %d did not strictly increase past %d", i, n.Index, lastIndex)
		}
		lastIndex = n.Index
	}
}

func TestDeployRetriesOnTransportDisconnect(t *testing.T) {
	s := newStoreWithOneIdentity()
	m := New(s, 5)
	tr := &recordingTransport{err: errors.New("connection reset")}

	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.Deploy(func() bool { return false })

	m.mu.Lock()
	client := m.clients["client-a"]
	acked := client.acked
	m.mu.Unlock()
	if acked != 0 {
		t.Errorf("expected no progress on disconnect, acked=%d", acked)
	}

	tr.err = nil
	m.Deploy(func() bool { return false })
	if len(tr.sent) != 3 {
		t.Fatalf("expected delivery to succeed once transport recovers, got %d sent", len(tr.sent))
	}
}

func TestFiveExplicitFailuresEvictsClient(t *testing.T) {
	s := newStoreWithOneIdentity()
	m := New(s, 5)
	tr := &recordingTransport{fail: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}}

	if _, err := m.Subscribe("client-a", Callback, tr, Identities); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		m.Deploy(func() bool { return false })
	}

	m.mu.Lock()
	_, stillPresent := m.clients["client-a"]
	m.mu.Unlock()
	if stillPresent {
		t.Error("expected client to be evicted after 5 explicit failures")
	}
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	s := newStoreWithOneIdentity()
	m := New(s, 5)
	tr := &recordingTransport{}

	subID, err := m.Subscribe("client-a", Callback, tr, Identities)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Unsubscribe("client-a", subID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := m.Unsubscribe("client-a", subID); err == nil {
		t.Error("expected second Unsubscribe of the same id to fail")
	}
}
