package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustmesh/trustmesh/internal/job"
	"github.com/trustmesh/trustmesh/internal/metrics"
	"github.com/trustmesh/trustmesh/internal/wotstore"
	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// Manager owns every Client, Subscription and Notification. It
// implements wotstore.Notifier, so the store delivers every committed
// entity mutation to it directly, in commit order.
type Manager struct {
	mu           sync.Mutex
	store        *wotstore.Store
	clients      map[string]*Client
	failureLimit int
	deployJob    job.Job
}

var _ wotstore.Notifier = (*Manager)(nil)

// New builds a Manager. failureLimit is the number of explicit client
// failures (default 5 per spec.md §6 configuration) before a Client is
// evicted. The count is cumulative: a successful delivery does not
// reset it.
func New(store *wotstore.Store, failureLimit int) *Manager {
	return &Manager{
		store:        store,
		clients:      make(map[string]*Client),
		failureLimit: failureLimit,
	}
}

// SetJob wires the delayed deployment job this manager nudges after
// every new notification and after an incomplete deployment pass.
func (m *Manager) SetJob(j job.Job) { m.deployJob = j }

// Subscribe binds clientID to kind, running the BeginSync/
// ObjectChanged*/EndSync synchronization protocol (spec.md §4.4)
// before returning. A client may not hold two subscriptions of the
// same kind.
func (m *Manager) Subscribe(clientID string, transportType TransportType, transport Transport, kind SourceKind) (string, error) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		client = &Client{ID: clientID, TransportType: transportType, Transport: transport, subscriptions: map[SourceKind]string{}}
		m.clients[clientID] = client
	} else {
		client.Transport = transport
		if _, dup := client.subscriptions[kind]; dup {
			m.mu.Unlock()
			return "", errs.NewDuplicate("subscription", clientID+":"+kind.String())
		}
	}
	subID := uuid.New().String()
	client.subscriptions[kind] = subID
	m.mu.Unlock()

	m.runSynchronization(client, kind)
	metrics.SubscribedClientsGauge.WithLabelValues(kind.String()).Inc()
	if m.deployJob != nil {
		m.deployJob.Trigger()
	}
	return subID, nil
}

// Unsubscribe removes a Client's subscription of the given kind.
func (m *Manager) Unsubscribe(clientID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return errs.NewUnknown("subscription", subscriptionID)
	}
	for kind, sid := range client.subscriptions {
		if sid == subscriptionID {
			delete(client.subscriptions, kind)
			metrics.SubscribedClientsGauge.WithLabelValues(kind.String()).Dec()
			return nil
		}
	}
	return errs.NewUnknown("subscription", subscriptionID)
}

// runSynchronization implements spec.md §4.4 step-by-step: acquire the
// store's read lock, enqueue BeginSync(v), one ObjectChanged(nil,
// clone) per existing entity of kind with its version-id stamped to
// v, then EndSync(v), then release the lock.
func (m *Manager) runSynchronization(client *Client, kind SourceKind) {
	v := wotstore.NewVersionID()

	m.store.WithReadLock(func(view *wotstore.View) {
		m.mu.Lock()
		defer m.mu.Unlock()
		client.queue = append(client.queue, &Notification{Index: m.nextIndex(client), Sync: &SyncMarker{Begin: true, VersionID: v}})
		switch kind {
		case Identities:
			for _, i := range view.AllIdentities() {
				i.VersionID = v
				client.queue = append(client.queue, &Notification{
					Index:  m.nextIndex(client),
					Change: &ObjectChanged{Kind: Identities, NewIdentity: i},
				})
			}
		case Trusts:
			for _, tr := range view.AllTrusts() {
				tr.VersionID = v
				client.queue = append(client.queue, &Notification{
					Index:  m.nextIndex(client),
					Change: &ObjectChanged{Kind: Trusts, NewTrust: tr},
				})
			}
		case Scores:
			for _, sc := range view.AllScores() {
				sc.VersionID = v
				client.queue = append(client.queue, &Notification{
					Index:  m.nextIndex(client),
					Change: &ObjectChanged{Kind: Scores, NewScore: sc},
				})
			}
		}
		client.queue = append(client.queue, &Notification{Index: m.nextIndex(client), Sync: &SyncMarker{Begin: false, VersionID: v}})
	})
}

// nextIndex must be called with m.mu held.
func (m *Manager) nextIndex(client *Client) uint64 {
	client.nextIndex++
	return client.nextIndex
}

// --- wotstore.Notifier ---

func (m *Manager) NotifyIdentityChanged(old, new *wotstore.Identity) {
	m.fanOut(Identities, &ObjectChanged{Kind: Identities, OldIdentity: old, NewIdentity: new})
}

func (m *Manager) NotifyTrustChanged(old, new *wotstore.Trust) {
	m.fanOut(Trusts, &ObjectChanged{Kind: Trusts, OldTrust: old, NewTrust: new})
}

func (m *Manager) NotifyScoreChanged(old, new *wotstore.Score) {
	m.fanOut(Scores, &ObjectChanged{Kind: Scores, OldScore: old, NewScore: new})
}

func (m *Manager) fanOut(kind SourceKind, change *ObjectChanged) {
	m.mu.Lock()
	any := false
	for _, c := range m.clients {
		if _, subscribed := c.subscriptions[kind]; !subscribed {
			continue
		}
		c.queue = append(c.queue, &Notification{Index: m.nextIndex(c), Change: change})
		any = true
	}
	m.mu.Unlock()
	if any && m.deployJob != nil {
		m.deployJob.Trigger()
	}
}

// Deploy runs one deployment pass over every client (spec.md §4.4
// "Deployment"): for each client, deliver pending notifications in
// index order starting from its last-acknowledged index. A transport
// disconnect aborts that client's run for a later retry; an explicit
// client failure increments its failure counter and evicts the client
// once the limit is reached. Intended as the Func of a job.Job with a
// coalescing delay.
func (m *Manager) Deploy(stop func() bool) {
	start := time.Now()
	defer metrics.NotificationDeliveryDuration.Observe(time.Since(start).Seconds())

	clientIDs := m.snapshotClientIDs()
	retryNeeded := false

	for _, id := range clientIDs {
		if stop() {
			return
		}
		if m.deployToClient(id) {
			retryNeeded = true
		}
	}

	if retryNeeded && m.deployJob != nil {
		m.deployJob.Trigger()
	}
}

func (m *Manager) snapshotClientIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deployToClient delivers one client's pending notifications and
// reports whether this client still needs a later retry pass.
func (m *Manager) deployToClient(clientID string) bool {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	pending := make([]*Notification, 0, len(client.queue))
	for _, n := range client.queue {
		if n.Index > client.acked {
			pending = append(pending, n)
		}
	}
	transport := client.Transport
	m.mu.Unlock()

	for _, n := range pending {
		ackSuccess, err := transport.Send(n)
		if err != nil {
			// Transport disconnect: abort this client's run, retry later.
			return true
		}
		if ackSuccess {
			m.mu.Lock()
			client.acked = n.Index
			m.mu.Unlock()
			metrics.NotificationsDeliveredTotal.WithLabelValues(n.kindLabel()).Inc()
			continue
		}

		m.mu.Lock()
		client.failureCount++
		evict := client.failureCount >= m.failureLimit
		if evict {
			delete(m.clients, clientID)
		}
		m.mu.Unlock()
		if evict {
			metrics.ClientsEvictedTotal.Inc()
			return false
		}
		return true
	}
	return false
}

func (n *Notification) kindLabel() string {
	if n.Sync != nil {
		return "sync"
	}
	return n.Change.Kind.String()
}
