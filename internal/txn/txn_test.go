package txn_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docucore/internal/composite"
	"docucore/internal/document"
	"docucore/internal/fieldvalue"
	apperrors "docucore/pkg/errors"
	"docucore/internal/txn"
)

// fakeClient records every TransactWriteItem it is handed, and can be told
// to fail the next call with a condition-check cancellation.
type fakeClient struct {
	calls        [][]types.TransactWriteItem
	failNextWith error
}

func (f *fakeClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.calls = append(f.calls, in.TransactItems)
	if f.failNextWith != nil {
		err := f.failNextWith
		f.failNextWith = nil
		return nil, err
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func conditionCancellation() error {
	code := "ConditionalCheckFailed"
	return &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &code}},
	}
}

// fakeStore is a minimal in-memory DocumentStore.
type fakeStore struct {
	docs map[string]document.Document
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]document.Document{}} }

func (s *fakeStore) Get(ctx context.Context, id document.ID) (document.Document, error) {
	d, ok := s.docs[id.String()]
	if !ok {
		return document.Document{}, apperrors.NewNotFound("not found")
	}
	return d, nil
}

func (s *fakeStore) PutTransactItem(doc document.Document, expectedUpdateID string) (types.TransactWriteItem, document.Document, error) {
	doc.UpdateID = "stamped-" + doc.ID.DocumentID
	s.docs[doc.ID.String()] = doc
	return types.TransactWriteItem{Put: &types.Put{TableName: strPtr("documents"), Item: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "doc"},
	}}}, doc, nil
}

func (s *fakeStore) DeleteTransactItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error) {
	delete(s.docs, id.String())
	return types.TransactWriteItem{Delete: &types.Delete{TableName: strPtr("documents"), Key: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "doc"},
	}}}, nil
}

func (s *fakeStore) CASConditionCheckItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error) {
	return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{TableName: strPtr("documents"), Key: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "doc"},
	}}}, nil
}

func strPtr(s string) *string { return &s }

type fakeBasic struct{ ids []string }

func (b *fakeBasic) MatchingBasic(ctx context.Context, id document.ID) ([]string, error) {
	return b.ids, nil
}

type fakeSimple struct {
	// matchFieldValue, when set, returns matchID whenever fields contains this field/value.
	fieldName string
	value     fieldvalue.Value
	matchID   string
}

func (s *fakeSimple) MatchingSimple(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error) {
	if s.fieldName == "" {
		return nil, nil
	}
	if v, ok := fields[s.fieldName]; ok && v.Equal(s.value) {
		return []string{s.matchID}, nil
	}
	return nil, nil
}

type fakeComposite struct {
	groups []composite.Group
}

func (c *fakeComposite) Groups(id document.ID) []composite.Group { return c.groups }

func (c *fakeComposite) MatchingComposite(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error) {
	return nil, nil
}

func (c *fakeComposite) LookupPutItemForFields(g composite.Group, id document.ID, fields map[string]fieldvalue.Value) (types.TransactWriteItem, bool, error) {
	if _, ok := fields[g.PrimaryField]; !ok {
		return types.TransactWriteItem{}, false, nil
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: strPtr("documents"), Item: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "composite-lookup"},
	}}}, true, nil
}

func newManager(client *fakeClient, store *fakeStore, basic *fakeBasic, simple *fakeSimple, comp *fakeComposite) *txn.Manager {
	return txn.New(client, "documents", store, basic, simple, comp, zap.NewNop(), txn.WithUpdateIDGenerator(func() string { return "tombstone-update" }))
}

func TestWriteBundlesDocumentIndexAndQueueItems(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	basic := &fakeBasic{ids: []string{"sub-basic"}}
	simple := &fakeSimple{}
	comp := &fakeComposite{}
	m := newManager(client, store, basic, simple, comp)

	doc := document.Document{
		ID:     document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"},
		Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(30)},
	}
	stamped, err := m.Write(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Equal(t, "stamped-u1", stamped.UpdateID)
	require.Len(t, client.calls, 1)
	// document put + one simplequery lookup put + one queue enqueue for sub-basic
	assert.Len(t, client.calls[0], 3)
}

func TestWriteMatchesBothPreAndPostImage(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	basic := &fakeBasic{}
	simple := &fakeSimple{fieldName: "age", value: fieldvalue.Int(25), matchID: "sub-age-25"}
	comp := &fakeComposite{}
	m := newManager(client, store, basic, simple, comp)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	// first write establishes age=25, matching subscription fires.
	_, err := m.Write(context.Background(), document.Document{ID: id, Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(25)}}, "")
	require.NoError(t, err)

	// second write changes age away from 25; pre-image still matched, so
	// the subscription must still be notified (S3 in the spec's scenarios).
	_, err = m.Write(context.Background(), document.Document{ID: id, Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(26)}}, "stamped-u1")
	require.NoError(t, err)

	items := client.calls[1]
	found := false
	for _, item := range items {
		if item.Put == nil {
			continue
		}
		if sub, ok := item.Put.Item["SubscriptionID"]; ok {
			if s, ok := sub.(*types.AttributeValueMemberS); ok && s.Value == "sub-age-25" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a queue row for sub-age-25 even though post-image no longer matches")
}

func TestDeleteOfAbsentDocumentIsNoOp(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, &fakeComposite{})

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "ghost"}
	err := m.DeleteDocument(context.Background(), id, "")
	require.NoError(t, err)
	assert.Empty(t, client.calls)
}

func TestDeleteRemovesIndexRowsAndEnqueuesTombstone(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	basic := &fakeBasic{ids: []string{"sub-basic"}}
	m := newManager(client, store, basic, &fakeSimple{}, &fakeComposite{})

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	_, err := m.Write(context.Background(), document.Document{ID: id, Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(30)}}, "")
	require.NoError(t, err)

	err = m.DeleteDocument(context.Background(), id, "stamped-u1")
	require.NoError(t, err)

	items := client.calls[1]
	var sawTombstone bool
	for _, item := range items {
		if item.Put == nil {
			continue
		}
		if _, ok := item.Put.Item["Tombstone"]; ok {
			tv, ok := item.Put.Item["Tombstone"].(*types.AttributeValueMemberBOOL)
			if ok && tv.Value {
				sawTombstone = true
			}
		}
	}
	assert.True(t, sawTombstone, "expected a tombstone row in the delete's transact items")
}

func TestWriteReturnsTransactionConflictOnConditionFailure(t *testing.T) {
	client := &fakeClient{failNextWith: conditionCancellation()}
	store := newFakeStore()
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, &fakeComposite{})

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	_, err := m.Write(context.Background(), document.Document{ID: id, Fields: map[string]fieldvalue.Value{}}, "stale-update-id")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransactionConflict(err))
}

func TestCommitTransactionReturnsFalseOnConditionFailureWithoutError(t *testing.T) {
	client := &fakeClient{failNextWith: conditionCancellation()}
	store := newFakeStore()
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, &fakeComposite{})

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	ok, err := m.CommitTransaction(context.Background(), []txn.ReadCheck{{ID: id, ExpectedUpdateID: "stale"}}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitTransactionAppliesWritesAndReads(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, &fakeComposite{})

	writeID := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u2"}
	ok, err := m.CommitTransaction(context.Background(),
		nil,
		[]txn.WriteOp{{Kind: txn.WriteKindPut, Document: document.Document{ID: writeID, Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(40)}}}},
	)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, client.calls, 1)

	stored, err := store.Get(context.Background(), writeID)
	require.NoError(t, err)
	assert.Equal(t, "stamped-u2", stored.UpdateID)
}

func TestCommitTransactionSkipsDeleteOfAbsentDocument(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, &fakeComposite{})

	ok, err := m.CommitTransaction(context.Background(), nil, []txn.WriteOp{
		{Kind: txn.WriteKindDelete, ID: document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "ghost"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, client.calls)
}

func TestCompositeGroupLookupRowBuiltWhenPrimaryPresent(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	comp := &fakeComposite{groups: []composite.Group{{ID: "age_city", PrimaryField: "age"}}}
	m := newManager(client, store, &fakeBasic{}, &fakeSimple{}, comp)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	_, err := m.Write(context.Background(), document.Document{ID: id, Fields: map[string]fieldvalue.Value{"age": fieldvalue.Int(30)}}, "")
	require.NoError(t, err)

	var sawCompositeLookup bool
	for _, item := range client.calls[0] {
		if item.Put == nil {
			continue
		}
		if v, ok := item.Put.Item["PK"]; ok {
			if s, ok := v.(*types.AttributeValueMemberS); ok && s.Value == "composite-lookup" {
				sawCompositeLookup = true
			}
		}
	}
	assert.True(t, sawCompositeLookup)
}
