package importqueue

import (
	"time"

	"github.com/trustmesh/trustmesh/internal/metrics"
	"github.com/trustmesh/trustmesh/internal/parse"
	"github.com/trustmesh/trustmesh/internal/wotstore"
)

// Importer is the single-threaded consumer of a Queue (spec.md §4.3c).
// It is meant to be wired as the Func of a job.Job with a coalescing
// delay, so Run drains the queue fully on each invocation.
type Importer struct {
	store  *wotstore.Store
	parser parse.Parser
	queue  *Queue
}

// New builds an Importer.
func New(store *wotstore.Store, parser parse.Parser, queue *Queue) *Importer {
	return &Importer{store: store, parser: parser, queue: queue}
}

// Run drains the queue until empty or stop() reports termination,
// importing one item at a time.
func (imp *Importer) Run(stop func() bool) {
	for {
		if stop() {
			return
		}
		identityID, edition, payload, ok := imp.queue.Poll()
		if !ok {
			return
		}
		imp.importOne(identityID, edition, payload)
	}
}

func (imp *Importer) importOne(identityID string, edition int64, payload []byte) {
	start := time.Now()
	defer func() { metrics.ImportDuration.Observe(time.Since(start).Seconds()) }()

	existing, err := imp.store.GetIdentity(identityID)
	if err != nil {
		existing = nil
	}
	if existing != nil && existing.Edition == edition {
		// Re-importing the same edition is a no-op: no store write,
		// no notification (spec.md §8 round-trip law).
		return
	}

	doc, parseErr := imp.parser.Parse(payload)
	if parseErr != nil {
		imp.commitParseFailure(identityID, edition, existing)
		imp.queue.RecordFailed()
		metrics.ImportsTotal.WithLabelValues("parse_failed").Inc()
		return
	}

	if err := imp.commitSuccess(identityID, edition, existing, doc); err != nil {
		imp.queue.RecordFailed()
		metrics.ImportsTotal.WithLabelValues("rejected").Inc()
		return
	}
	imp.queue.RecordFinished()
	metrics.ImportsTotal.WithLabelValues("imported").Inc()
}

func (imp *Importer) commitParseFailure(identityID string, edition int64, existing *wotstore.Identity) {
	txn := imp.store.Begin()
	next := baseIdentityFrom(identityID, existing)
	next.Edition = edition
	next.FetchState = wotstore.ParsingFailed
	next.LastFetched = time.Now()
	if err := txn.PutIdentity(next); err != nil {
		txn.Rollback()
		return
	}
	_ = txn.Commit()
}

func (imp *Importer) commitSuccess(identityID string, edition int64, existing *wotstore.Identity, doc *parse.Document) error {
	txn := imp.store.Begin()

	next := baseIdentityFrom(identityID, existing)
	next.Edition = edition
	next.FetchState = wotstore.Fetched
	now := time.Now()
	next.LastFetched = now
	next.LastChanged = now
	next.PublishesTrustList = doc.PublishesTrustList
	next.Contexts = doc.Contexts
	next.Properties = doc.Properties
	if doc.Nickname != nil {
		next.Nickname = doc.Nickname
	}

	if err := txn.PutIdentity(next); err != nil {
		txn.Rollback()
		return err
	}
	if err := reconcileTrustList(txn, identityID, edition, doc.Trusts); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

func baseIdentityFrom(id string, existing *wotstore.Identity) *wotstore.Identity {
	if existing == nil {
		return &wotstore.Identity{ID: id, Properties: map[string]string{}}
	}
	return existing.Clone()
}

// reconcileTrustList applies spec.md §4.3's trust-list reconciliation:
// stale edges (older truster-edition, no longer asserted) are deleted,
// surviving/new edges are upserted, and previously unknown trustees get
// stub identities.
func reconcileTrustList(txn *wotstore.Txn, truster string, edition int64, trusts []parse.TrustEdge) error {
	desired := make(map[string]parse.TrustEdge, len(trusts))
	for _, te := range trusts {
		if te.Trustee == truster {
			continue
		}
		desired[te.Trustee] = te
	}

	for _, existingTrust := range txn.OutgoingTrusts(truster) {
		if _, keep := desired[existingTrust.Trustee]; keep {
			continue
		}
		if existingTrust.TrusterEditionAtAssignment < edition {
			if err := txn.DeleteTrust(truster, existingTrust.Trustee); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	for trustee, te := range desired {
		if _, err := txn.EnsureIdentityStub(trustee); err != nil {
			return err
		}
		if err := txn.PutTrust(&wotstore.Trust{
			Truster:                    truster,
			Trustee:                    trustee,
			Value:                      te.Value,
			Comment:                    te.Comment,
			TrusterEditionAtAssignment: edition,
			LastChanged:                now,
		}); err != nil {
			return err
		}
	}
	return nil
}
