package composite_test

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
)

type fakeAPI struct {
	byPK map[string]map[string]map[string]types.AttributeValue
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

func (f *fakeAPI) del(key map[string]types.AttributeValue) {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
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
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.byPK[pk] {
		items = append(items, item)
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func ageCityGroup() composite.Group {
	return composite.Group{
		ID:              "age_city",
		Scope:           composite.ScopeCollection,
		CollectionParentPath: "/",
		CollectionID:    "users",
		PrimaryField:    "age",
		SecondaryFields: []string{"city"},
	}
}

func newTestEngine(groups ...composite.Group) (*composite.Engine, *fakeAPI) {
	api := newFakeAPI()
	counter := 0
	e := composite.New(api, "documents", groups, zap.NewNop(), composite.WithSubscriptionIDGenerator(func() string {
		counter++
		return "sub-" + string(rune('0'+counter))
	}))
	return e, api
}

func putDoc(t *testing.T, e *composite.Engine, api *fakeAPI, g composite.Group, id document.ID, fields map[string]fieldvalue.Value) {
	t.Helper()
	item, ok, err := e.LookupPutItemForFields(g, id, fields)
	require.NoError(t, err)
	if ok {
		api.put(item.Put.Item)
	}
}

func TestCompositeQueryRangeAndEquality(t *testing.T) {
	g := ageCityGroup()
	e, api := newTestEngine(g)

	alice := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "alice"}
	bob := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "bob"}
	putDoc(t, e, api, g, alice, map[string]fieldvalue.Value{"age": fieldvalue.Int(30), "city": fieldvalue.String("NYC")})
	putDoc(t, e, api, g, bob, map[string]fieldvalue.Value{"age": fieldvalue.Int(40), "city": fieldvalue.String("LA")})

	results, err := e.CompositeQuery(context.Background(), "age_city", []composite.Param{
		{FieldName: "age", Operator: fieldvalue.OpGreaterOrEqual, Operand: fieldvalue.Int(25), IsPrimary: true},
		{FieldName: "city", Operator: fieldvalue.OpEqual, Operand: fieldvalue.String("NYC")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, alice, results[0])
}

func TestLookupSkipsDocumentMissingPrimary(t *testing.T) {
	g := ageCityGroup()
	e, _ := newTestEngine(g)
	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "nop"}
	_, ok, err := e.LookupPutItemForFields(g, id, map[string]fieldvalue.Value{"city": fieldvalue.String("NYC")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchingCompositeIncludedExceptExcluded(t *testing.T) {
	g := ageCityGroup()
	e, _ := newTestEngine(g)
	ctx := context.Background()

	subID, err := e.SubscribeCompositeQuery(ctx, "client-a", "age_city", []composite.Param{
		{FieldName: "age", Operator: fieldvalue.OpGreaterOrEqual, Operand: fieldvalue.Int(18), IsPrimary: true},
		{FieldName: "age", Operator: fieldvalue.OpLessOrEqual, Operand: fieldvalue.Int(65), IsPrimary: true},
		{FieldName: "city", Operator: fieldvalue.OpEqual, Operand: fieldvalue.String("NYC")},
	})
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "alice"}
	matches, err := e.MatchingComposite(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(30), "city": fieldvalue.String("NYC")})
	require.NoError(t, err)
	assert.Contains(t, matches, subID)

	noMatch, err := e.MatchingComposite(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(30), "city": fieldvalue.String("LA")})
	require.NoError(t, err)
	assert.NotContains(t, noMatch, subID)
}

func TestMatchingCompositeExcludedPrimaryWinsOverIncluded(t *testing.T) {
	g := ageCityGroup()
	e, _ := newTestEngine(g)
	ctx := context.Background()

	// age >= 18 AND age != 40, city = NYC
	subID, err := e.SubscribeCompositeQuery(ctx, "client-a", "age_city", []composite.Param{
		{FieldName: "age", Operator: fieldvalue.OpGreaterOrEqual, Operand: fieldvalue.Int(18), IsPrimary: true},
		{FieldName: "age", Operator: fieldvalue.OpNotEqual, Operand: fieldvalue.Int(40), IsPrimary: true},
		{FieldName: "city", Operator: fieldvalue.OpEqual, Operand: fieldvalue.String("NYC")},
	})
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "doc"}

	within, err := e.MatchingComposite(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(30), "city": fieldvalue.String("NYC")})
	require.NoError(t, err)
	assert.Contains(t, within, subID)

	excluded, err := e.MatchingComposite(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(40), "city": fieldvalue.String("NYC")})
	require.NoError(t, err)
	assert.NotContains(t, excluded, subID)
}

func TestMatchingCompositeSecondaryAbsentComparesNullUnequal(t *testing.T) {
	g := ageCityGroup()
	e, _ := newTestEngine(g)
	ctx := context.Background()

	subID, err := e.SubscribeCompositeQuery(ctx, "client-a", "age_city", []composite.Param{
		{FieldName: "age", Operator: fieldvalue.OpGreaterOrEqual, Operand: fieldvalue.Int(0), IsPrimary: true},
		{FieldName: "city", Operator: fieldvalue.OpEqual, Operand: fieldvalue.String("NYC")},
	})
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "doc"}
	// document has no "city" field at all -> compares as null_value(), which
	// never equals the subscription's required "NYC".
	matches, err := e.MatchingComposite(ctx, id, map[string]fieldvalue.Value{"age": fieldvalue.Int(10)})
	require.NoError(t, err)
	assert.NotContains(t, matches, subID)
}

func TestSubscribeRejectsNonEqualitySecondary(t *testing.T) {
	g := ageCityGroup()
	e, _ := newTestEngine(g)
	_, err := e.SubscribeCompositeQuery(context.Background(), "client-a", "age_city", []composite.Param{
		{FieldName: "city", Operator: fieldvalue.OpGreater, Operand: fieldvalue.String("A")},
	})
	assert.Error(t, err)
}
