// Package txn is the transaction manager (spec §4.6): Write, DeleteDocument,
// and CommitTransaction. It is the only place that bundles a document
// mutation, every secondary index's maintenance, the matching-subscription
// computation, and the update-queue fan-out into one atomic
// TransactWriteItems call, per the write data flow described in the
// overview: "replaces the row in the document store, refreshes every
// secondary index, asks each matcher for the set of affected subscription
// ids, and writes one row per (subscription, document) into the update
// queue" — all inside the same commit.
//
// Matching is computed against both the pre-image and the post-image of a
// write's fields (not just the post-image): a subscription whose predicate
// matched the document's prior value but not its new one must still be
// notified, so its client can drop the document from a result set it is
// maintaining. A pure create or a delete only has one image to match
// against; an update unions both.
package txn

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"docucore/internal/composite"
	"docucore/internal/document"
	"docucore/internal/fieldvalue"
	"docucore/internal/queue"
	"docucore/internal/simplequery"
	apperrors "docucore/pkg/errors"
)

// DocumentStore is the subset of *internal/store.Store the manager depends
// on.
type DocumentStore interface {
	Get(ctx context.Context, id document.ID) (document.Document, error)
	PutTransactItem(doc document.Document, expectedUpdateID string) (types.TransactWriteItem, document.Document, error)
	DeleteTransactItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error)
	CASConditionCheckItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error)
}

// BasicMatcher is the subset of *internal/basicindex.Index the manager
// depends on.
type BasicMatcher interface {
	MatchingBasic(ctx context.Context, id document.ID) ([]string, error)
}

// SimpleIndex is the subset of *internal/simplequery.Index the manager
// depends on.
type SimpleIndex interface {
	MatchingSimple(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error)
}

// CompositeIndex is the subset of *internal/composite.Engine the manager
// depends on.
type CompositeIndex interface {
	Groups(id document.ID) []composite.Group
	MatchingComposite(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error)
	LookupPutItemForFields(g composite.Group, id document.ID, fields map[string]fieldvalue.Value) (types.TransactWriteItem, bool, error)
}

// API is the narrow DynamoDB method set this package depends on.
type API interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Notifier wakes a blocked listen call as soon as its subscription gets a
// new row, rather than making it wait out the full long-poll timeout (spec
// §4.6's "implementation choice ... a backend LISTEN/NOTIFY equivalent").
// Optional: a Manager with no notifier configured still works correctly,
// listen callers just always wait for the timeout.
type Notifier interface {
	Notify(subscriptionIDs []string)
}

// Manager orchestrates writes, deletes, and multi-document transactions
// across the document store, the three index engines, and the update
// queue.
type Manager struct {
	client      API
	tableName   string
	store       DocumentStore
	basic       BasicMatcher
	simple      SimpleIndex
	compositeIx CompositeIndex
	logger      *zap.Logger
	newUpdateID func() string
	notifier    Notifier
}

// Option configures a Manager.
type Option func(*Manager)

// WithUpdateIDGenerator overrides the default uuid-based update_id
// generator used to stamp tombstone rows on delete.
func WithUpdateIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newUpdateID = f }
}

// WithNotifier wires a wakeup signal for blocked listen calls.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func (m *Manager) notify(matching []string) {
	if m.notifier != nil && len(matching) > 0 {
		m.notifier.Notify(matching)
	}
}

// New constructs a Manager.
func New(client API, tableName string, store DocumentStore, basic BasicMatcher, simple SimpleIndex, compositeIx CompositeIndex, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:      client,
		tableName:   tableName,
		store:       store,
		basic:       basic,
		simple:      simple,
		compositeIx: compositeIx,
		logger:      logger,
		newUpdateID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func unionDedup(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// computeMatching unions matching_basic (id-only, image-independent) with
// matching_simple and matching_composite evaluated against whichever of
// oldFields/newFields are non-nil (spec §4.6 step 1).
func (m *Manager) computeMatching(ctx context.Context, id document.ID, oldFields, newFields map[string]fieldvalue.Value) ([]string, error) {
	basic, err := m.basic.MatchingBasic(ctx, id)
	if err != nil {
		return nil, err
	}
	var simpleOld, simpleNew, compositeOld, compositeNew []string
	if oldFields != nil {
		if simpleOld, err = m.simple.MatchingSimple(ctx, id, oldFields); err != nil {
			return nil, err
		}
		if compositeOld, err = m.compositeIx.MatchingComposite(ctx, id, oldFields); err != nil {
			return nil, err
		}
	}
	if newFields != nil {
		if simpleNew, err = m.simple.MatchingSimple(ctx, id, newFields); err != nil {
			return nil, err
		}
		if compositeNew, err = m.compositeIx.MatchingComposite(ctx, id, newFields); err != nil {
			return nil, err
		}
	}
	return unionDedup(basic, simpleOld, simpleNew, compositeOld, compositeNew), nil
}

// buildIndexTransactItems builds the simple_query_lookup and composite
// lookup_g row maintenance for a field-map transition: rows for fields
// that disappeared are deleted, rows for fields present in newFields are
// put (which both creates and overwrites in place, since every lookup row
// key is keyed by (collection/field, document) rather than by value).
// newFields == nil means the document was deleted: every old row is
// dropped and nothing is put.
func (m *Manager) buildIndexTransactItems(id document.ID, oldFields, newFields map[string]fieldvalue.Value) ([]types.TransactWriteItem, error) {
	var items []types.TransactWriteItem
	for fieldName := range oldFields {
		if _, stillPresent := newFields[fieldName]; !stillPresent {
			items = append(items, simplequery.LookupDeleteItem(m.tableName, id, fieldName))
		}
	}
	for fieldName, value := range newFields {
		item, err := simplequery.LookupPutItem(m.tableName, id, fieldName, value)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	for _, g := range m.compositeIx.Groups(id) {
		_, hadPrimary := oldFields[g.PrimaryField]
		_, hasPrimary := newFields[g.PrimaryField]
		switch {
		case hadPrimary && !hasPrimary:
			items = append(items, composite.LookupDeleteItem(m.tableName, g, id))
		case hasPrimary:
			item, ok, err := m.compositeIx.LookupPutItemForFields(g, id, newFields)
			if err != nil {
				return nil, err
			}
			if ok {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

func (m *Manager) priorFields(ctx context.Context, id document.ID) (map[string]fieldvalue.Value, error) {
	prior, err := m.store.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return prior.Fields, nil
}

// Write replaces (or creates) a document and, in the same transaction,
// refreshes every secondary index and fans the write out to every matching
// subscription's update queue.
func (m *Manager) Write(ctx context.Context, doc document.Document, expectedUpdateID string) (document.Document, error) {
	oldFields, err := m.priorFields(ctx, doc.ID)
	if err != nil {
		return document.Document{}, err
	}
	matching, err := m.computeMatching(ctx, doc.ID, oldFields, doc.Fields)
	if err != nil {
		return document.Document{}, err
	}
	putItem, stamped, err := m.store.PutTransactItem(doc, expectedUpdateID)
	if err != nil {
		return document.Document{}, err
	}
	indexItems, err := m.buildIndexTransactItems(doc.ID, oldFields, doc.Fields)
	if err != nil {
		return document.Document{}, err
	}
	docBytes, err := document.Encode(stamped)
	if err != nil {
		return document.Document{}, apperrors.NewInternal("encode document", err)
	}
	queueItems, err := queue.EnqueueItems(m.tableName, matching, doc.ID, docBytes, stamped.UpdateID)
	if err != nil {
		return document.Document{}, err
	}

	items := make([]types.TransactWriteItem, 0, 1+len(indexItems)+len(queueItems))
	items = append(items, putItem)
	items = append(items, indexItems...)
	items = append(items, queueItems...)

	if _, err := m.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isTransactionConditionFailure(err) {
			return document.Document{}, apperrors.NewTransactionConflict("document update_id no longer matches")
		}
		return document.Document{}, apperrors.NewBackendUnavailable("commit write", err)
	}
	m.notify(matching)
	return stamped, nil
}

// DeleteDocument removes a document, fanning the deletion out as a
// tombstone row (document_bytes = nil) to every subscription that matched
// its last known value. Deleting an absent document is a no-op (spec §7).
func (m *Manager) DeleteDocument(ctx context.Context, id document.ID, expectedUpdateID string) error {
	prior, err := m.store.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	matching, err := m.computeMatching(ctx, id, prior.Fields, nil)
	if err != nil {
		return err
	}
	delItem, err := m.store.DeleteTransactItem(id, expectedUpdateID)
	if err != nil {
		return err
	}
	indexItems, err := m.buildIndexTransactItems(id, prior.Fields, nil)
	if err != nil {
		return err
	}
	queueItems, err := queue.EnqueueItems(m.tableName, matching, id, nil, m.newUpdateID())
	if err != nil {
		return err
	}

	items := make([]types.TransactWriteItem, 0, 1+len(indexItems)+len(queueItems))
	items = append(items, delItem)
	items = append(items, indexItems...)
	items = append(items, queueItems...)

	if _, err := m.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isTransactionConditionFailure(err) {
			return apperrors.NewTransactionConflict("document update_id no longer matches")
		}
		return apperrors.NewBackendUnavailable("commit delete", err)
	}
	m.notify(matching)
	return nil
}

// ReadCheck is one read dependency of a commit_transaction call: the
// stored update_id at ID must still equal ExpectedUpdateID, or — when
// ExpectedUpdateID is empty — the document must still not exist.
type ReadCheck struct {
	ID               document.ID
	ExpectedUpdateID string
}

// WriteKind discriminates a WriteOp.
type WriteKind int

const (
	WriteKindPut WriteKind = iota
	WriteKindDelete
)

// WriteOp is one write of a commit_transaction call.
type WriteOp struct {
	Kind             WriteKind
	Document         document.Document // set for WriteKindPut
	ID               document.ID       // set for WriteKindDelete
	ExpectedUpdateID string
}

// CommitTransaction implements optimistic multi-document commit (spec
// §4.6): every read's CAS condition and every write's full fan-out are
// bundled into a single TransactWriteItems call. If any condition fails,
// the whole call is cancelled atomically and CommitTransaction returns
// (false, nil) rather than a surfaced error — the spec's "abort returning
// false" is a normal, non-retryable-by-the-core outcome, not a fault.
func (m *Manager) CommitTransaction(ctx context.Context, reads []ReadCheck, writes []WriteOp) (bool, error) {
	var items []types.TransactWriteItem
	var allMatching []string

	for _, r := range reads {
		item, err := m.store.CASConditionCheckItem(r.ID, r.ExpectedUpdateID)
		if err != nil {
			return false, err
		}
		items = append(items, item)
	}

	for _, w := range writes {
		switch w.Kind {
		case WriteKindPut:
			oldFields, err := m.priorFields(ctx, w.Document.ID)
			if err != nil {
				return false, err
			}
			matching, err := m.computeMatching(ctx, w.Document.ID, oldFields, w.Document.Fields)
			if err != nil {
				return false, err
			}
			putItem, stamped, err := m.store.PutTransactItem(w.Document, w.ExpectedUpdateID)
			if err != nil {
				return false, err
			}
			indexItems, err := m.buildIndexTransactItems(w.Document.ID, oldFields, w.Document.Fields)
			if err != nil {
				return false, err
			}
			docBytes, err := document.Encode(stamped)
			if err != nil {
				return false, apperrors.NewInternal("encode document", err)
			}
			queueItems, err := queue.EnqueueItems(m.tableName, matching, w.Document.ID, docBytes, stamped.UpdateID)
			if err != nil {
				return false, err
			}
			items = append(items, putItem)
			items = append(items, indexItems...)
			items = append(items, queueItems...)
			allMatching = append(allMatching, matching...)

		case WriteKindDelete:
			prior, err := m.store.Get(ctx, w.ID)
			if err != nil {
				if apperrors.IsNotFound(err) {
					continue
				}
				return false, err
			}
			matching, err := m.computeMatching(ctx, w.ID, prior.Fields, nil)
			if err != nil {
				return false, err
			}
			delItem, err := m.store.DeleteTransactItem(w.ID, w.ExpectedUpdateID)
			if err != nil {
				return false, err
			}
			indexItems, err := m.buildIndexTransactItems(w.ID, prior.Fields, nil)
			if err != nil {
				return false, err
			}
			queueItems, err := queue.EnqueueItems(m.tableName, matching, w.ID, nil, m.newUpdateID())
			if err != nil {
				return false, err
			}
			items = append(items, delItem)
			items = append(items, indexItems...)
			items = append(items, queueItems...)
			allMatching = append(allMatching, matching...)
		}
	}

	if len(items) == 0 {
		return true, nil
	}

	if _, err := m.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isTransactionConditionFailure(err) {
			return false, nil
		}
		return false, apperrors.NewBackendUnavailable("commit transaction", err)
	}
	m.notify(unionDedup(allMatching))
	return true, nil
}

// isTransactionConditionFailure reports whether err is a
// TransactionCanceledException caused by at least one ConditionCheck or
// conditional Put/Delete failing, as opposed to an infrastructure fault.
func isTransactionConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	for e := err; e != nil; {
		if t, ok := e.(*types.TransactionCanceledException); ok {
			tce = t
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	if tce == nil {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
