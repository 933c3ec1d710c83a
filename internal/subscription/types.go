// Package subscription implements the notification engine (spec.md
// §4.4): per-client ordered notification queues, the BeginSync /
// ObjectChanged* / EndSync synchronization protocol, and the delayed
// deployment job with retry/disconnect/failure-counter semantics.
package subscription

import "github.com/trustmesh/trustmesh/internal/wotstore"

// SourceKind is an event source a Client may subscribe to.
type SourceKind int

const (
	Identities SourceKind = iota
	Trusts
	Scores
)

func (k SourceKind) String() string {
	switch k {
	case Identities:
		return "Identities"
	case Trusts:
		return "Trusts"
	case Scores:
		return "Scores"
	default:
		return "Unknown"
	}
}

// TransportType distinguishes how a Client receives notifications.
type TransportType int

const (
	Callback TransportType = iota
	RPC
)

// ObjectChanged carries the old/new pair for exactly one kind; exactly
// one of Old/New is nil for a create/delete, both present (same id)
// for a modify.
type ObjectChanged struct {
	Kind SourceKind

	OldIdentity, NewIdentity *wotstore.Identity
	OldTrust, NewTrust       *wotstore.Trust
	OldScore, NewScore       *wotstore.Score
}

// SyncMarker brackets a synchronization snapshot: Begin==true for
// BeginSync, false for EndSync.
type SyncMarker struct {
	Begin     bool
	VersionID string
}

// Notification is one immutable record in a Client's ordered queue.
// Exactly one of Change/Sync is set.
type Notification struct {
	Index  uint64
	Change *ObjectChanged
	Sync   *SyncMarker
}

// Transport delivers one Notification to a remote Client and reports
// the outcome: ackSuccess=true on explicit success, ackSuccess=false
// on an explicit client failure response, and a non-nil err for a
// transport-level disconnect (spec.md §4.4 "Deployment").
type Transport interface {
	Send(n *Notification) (ackSuccess bool, err error)
}

// Client is a remote consumer of notifications.
type Client struct {
	ID            string
	TransportType TransportType
	Transport     Transport

	subscriptions map[SourceKind]string // kind -> subscription id
	nextIndex     uint64
	acked         uint64
	failureCount  int
	queue         []*Notification
}
