package store_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docucore/internal/document"
	"docucore/internal/fieldvalue"
	apperrors "docucore/pkg/errors"
	"docucore/internal/store"
)

// fakeAPI is an in-memory stand-in for store.API, keyed by PK+SK, grounded
// on the same "depend on a narrow interface, fake it in tests" idiom as the
// teacher's cloud.DatabaseClient abstraction.
type fakeAPI struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
	item := f.items[pk+"|"+sk]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := itemKey(in.Item)
	existing, exists := f.items[key]

	// Emulate the two conditions store.go issues: attribute_not_exists(PK)
	// for create, UpdateID = :val for update.
	if len(in.ExpressionAttributeValues) == 0 {
		// attribute_not_exists(PK)
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: stringPtr("exists")}
		}
	} else {
		expected := firstAttrValueString(in.ExpressionAttributeValues)
		if !exists || existing["UpdateID"].(*types.AttributeValueMemberS).Value != expected {
			return nil, &types.ConditionalCheckFailedException{Message: stringPtr("mismatch")}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
	key := pk + "|" + sk
	existing, exists := f.items[key]
	expected := firstAttrValueString(in.ExpressionAttributeValues)
	if !exists || existing["UpdateID"].(*types.AttributeValueMemberS).Value != expected {
		return nil, &types.ConditionalCheckFailedException{Message: stringPtr("mismatch")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	target := firstAttrValueString(in.ExpressionAttributeValues)
	pkName := "PK"
	if in.IndexName != nil {
		pkName = "GSI1PK"
	}
	var out []map[string]types.AttributeValue
	for _, it := range f.items {
		if s, ok := it[pkName].(*types.AttributeValueMemberS); ok && s.Value == target {
			out = append(out, it)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func firstAttrValueString(vals map[string]types.AttributeValue) string {
	for _, v := range vals {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func stringPtr(s string) *string { return &s }

func testStore(t *testing.T) (*store.Store, *fakeAPI) {
	api := newFakeAPI()
	counter := 0
	s := store.New(api, "documents", "gsi1", zap.NewNop(), store.WithUpdateIDGenerator(func() string {
		counter++
		return "update-" + string(rune('0'+counter))
	}))
	return s, api
}

func sampleDoc(docID string) document.Document {
	return document.Document{
		ID:     document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: docID},
		Fields: map[string]fieldvalue.Value{"name": fieldvalue.String("Ada")},
	}
}

func TestPutCreateThenGet(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, err := s.Put(ctx, sampleDoc("u1"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.UpdateID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.UpdateID, got.UpdateID)
	assert.True(t, got.Fields["name"].Equal(created.Fields["name"]))
}

func TestPutCreateTwiceFails(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, sampleDoc("u1"), "")
	require.NoError(t, err)

	_, err = s.Put(ctx, sampleDoc("u1"), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransactionConflict(err))
}

func TestPutCASUpdateWithStaleExpectedFails(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, err := s.Put(ctx, sampleDoc("u1"), "")
	require.NoError(t, err)

	_, err = s.Put(ctx, sampleDoc("u1"), "some-stale-update-id")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransactionConflict(err))

	updated, err := s.Put(ctx, sampleDoc("u1"), created.UpdateID)
	require.NoError(t, err)
	assert.NotEqual(t, created.UpdateID, updated.UpdateID)
}

func TestGetNotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Get(context.Background(), document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "missing"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteRequiresMatchingUpdateID(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	created, err := s.Put(ctx, sampleDoc("u1"), "")
	require.NoError(t, err)

	err = s.Delete(ctx, created.ID, "wrong")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransactionConflict(err))

	err = s.Delete(ctx, created.ID, created.UpdateID)
	require.NoError(t, err)

	_, err = s.Get(ctx, created.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListCollectionAndListGroup(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, sampleDoc("u1"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, sampleDoc("u2"), "")
	require.NoError(t, err)

	byCollection, err := s.ListCollection(ctx, "/", "users")
	require.NoError(t, err)
	assert.Len(t, byCollection, 2)

	byGroup, err := s.ListGroup(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, byGroup, 2)
}

func TestCASConditionCheckItemBuildsConditionCheck(t *testing.T) {
	s, _ := testStore(t)
	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	item, err := s.CASConditionCheckItem(id, "update-1")
	require.NoError(t, err)
	require.NotNil(t, item.ConditionCheck)
	assert.NotNil(t, item.ConditionCheck.ConditionExpression)
}
