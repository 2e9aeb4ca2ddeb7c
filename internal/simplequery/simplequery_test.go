package simplequery_test

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
	"docucore/internal/simplequery"
)

type fakeAPI struct {
	byPK map[string]map[string]map[string]types.AttributeValue // PK -> SK -> item
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byPK: map[string]map[string]map[string]types.AttributeValue{}}
}

func (f *fakeAPI) put(item map[string]types.AttributeValue) {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	if f.byPK[pk] == nil {
		f.byPK[pk] = map[string]map[string]types.AttributeValue{}
	}
	f.byPK[pk][sk] = item
}

func (f *fakeAPI) del(item map[string]types.AttributeValue) {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	delete(f.byPK[pk], sk)
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.put(ti.Put.Item)
		case ti.Delete != nil:
			f.del(ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := attrString(in.ExpressionAttributeValues, ":pk")
	prefix, hasPrefix := attrStringOK(in.ExpressionAttributeValues, ":skPrefix")
	var items []map[string]types.AttributeValue
	for sk, item := range f.byPK[pk] {
		if hasPrefix && (len(sk) < len(prefix) || sk[:len(prefix)] != prefix) {
			continue
		}
		items = append(items, item)
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func attrString(vals map[string]types.AttributeValue, key string) string {
	s, _ := attrStringOK(vals, key)
	return s
}

func attrStringOK(vals map[string]types.AttributeValue, key string) (string, bool) {
	if v, ok := vals[key]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value, true
		}
	}
	return "", false
}

func newTestIndex() (*simplequery.Index, *fakeAPI) {
	api := newFakeAPI()
	counter := 0
	idx := simplequery.New(api, "documents", zap.NewNop(), simplequery.WithSubscriptionIDGenerator(func() string {
		counter++
		return "sub-" + string(rune('0'+counter))
	}))
	return idx, api
}

func putLookupRow(t *testing.T, api *fakeAPI, id document.ID, fieldName string, value fieldvalue.Value) {
	t.Helper()
	item, err := simplequery.LookupPutItem("documents", id, fieldName, value)
	require.NoError(t, err)
	api.put(item.Put.Item)
}

func TestSimpleQueryCollectionScope(t *testing.T) {
	idx, api := newTestIndex()
	ctx := context.Background()

	young := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	old := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u2"}
	putLookupRow(t, api, young, "age", fieldvalue.Int(20))
	putLookupRow(t, api, old, "age", fieldvalue.Int(50))

	scope := "/"
	results, err := idx.SimpleQuery(ctx, &scope, "users", "age", fieldvalue.OpLess, fieldvalue.Int(30))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, young, results[0])
}

func TestSimpleQueryGroupScopeCrossesPaths(t *testing.T) {
	idx, api := newTestIndex()
	ctx := context.Background()

	a := document.ID{CollectionParentPath: "/", CollectionID: "comments", DocumentID: "c1"}
	b := document.ID{CollectionParentPath: "/posts/p1", CollectionID: "comments", DocumentID: "c2"}
	putLookupRow(t, api, a, "votes", fieldvalue.Int(10))
	putLookupRow(t, api, b, "votes", fieldvalue.Int(10))

	results, err := idx.SimpleQuery(ctx, nil, "comments", "votes", fieldvalue.OpEqual, fieldvalue.Int(10))
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestLookupDeleteItemRemovesRow(t *testing.T) {
	idx, api := newTestIndex()
	ctx := context.Background()
	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	putLookupRow(t, api, id, "age", fieldvalue.Int(20))

	del := simplequery.LookupDeleteItem("documents", id, "age")
	api.del(del.Delete.Key)

	scope := "/"
	results, err := idx.SimpleQuery(ctx, &scope, "users", "age", fieldvalue.OpGreaterOrEqual, fieldvalue.Int(0))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatchingSimpleFindsSubscriptionAcrossInversion(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	// A subscription for age > 18, collection-group scoped.
	subID, err := idx.SubscribeSimpleQuery(ctx, "client-a", nil, "users", "age", fieldvalue.OpGreater, fieldvalue.Int(18))
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	matches, err := idx.MatchingSimple(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(25)})
	require.NoError(t, err)
	assert.Contains(t, matches, subID)
}

func TestMatchingSimpleExcludesNonMatchingValue(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	_, err := idx.SubscribeSimpleQuery(ctx, "client-a", nil, "users", "age", fieldvalue.OpGreater, fieldvalue.Int(18))
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	matches, err := idx.MatchingSimple(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(10)})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchingSimpleCollectionScoped(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	scope := "/"
	subID, err := idx.SubscribeSimpleQuery(ctx, "client-a", &scope, "users", "age", fieldvalue.OpLessOrEqual, fieldvalue.Int(30))
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	matches, err := idx.MatchingSimple(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(25)})
	require.NoError(t, err)
	assert.Contains(t, matches, subID)

	otherPath := document.ID{CollectionParentPath: "/teams/t1", CollectionID: "users", DocumentID: "u2"}
	matches2, err := idx.MatchingSimple(ctx, otherPath, map[string]fieldvalue.Value{"age": fieldvalue.Int(25)})
	require.NoError(t, err)
	assert.NotContains(t, matches2, subID)
}
