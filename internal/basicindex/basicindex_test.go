package basicindex_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docucore/internal/basicindex"
	"docucore/internal/document"
)

type fakeAPI struct {
	byPK map[string][]map[string]types.AttributeValue
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byPK: map[string][]map[string]types.AttributeValue{}}
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := firstString(in.ExpressionAttributeValues)
	return &dynamodb.QueryOutput{Items: f.byPK[pk]}, nil
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		if ti.Put == nil {
			continue
		}
		pk := ti.Put.Item["PK"].(*types.AttributeValueMemberS).Value
		f.byPK[pk] = append(f.byPK[pk], ti.Put.Item)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func firstString(vals map[string]types.AttributeValue) string {
	for _, v := range vals {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func newTestIndex() (*basicindex.Index, *fakeAPI) {
	api := newFakeAPI()
	counter := 0
	idx := basicindex.New(api, "documents", zap.NewNop(), basicindex.WithSubscriptionIDGenerator(func() string {
		counter++
		return "sub-" + string(rune('0'+counter))
	}))
	return idx, api
}

func TestMatchingBasicUnionOfThreeBuckets(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}

	docSub, err := idx.SubscribeDocument(ctx, "client-a", id)
	require.NoError(t, err)

	colSub, err := idx.SubscribeCollection(ctx, "client-b", "/", "users")
	require.NoError(t, err)

	groupSub, err := idx.SubscribeCollectionGroup(ctx, "client-c", "users")
	require.NoError(t, err)

	matches, err := idx.MatchingBasic(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{docSub, colSub, groupSub}, matches)
}

func TestMatchingBasicExcludesOtherDocuments(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	otherID := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u2"}
	_, err := idx.SubscribeDocument(ctx, "client-a", otherID)
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	matches, err := idx.MatchingBasic(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchingBasicExcludesOtherCollectionGroups(t *testing.T) {
	idx, _ := newTestIndex()
	ctx := context.Background()

	_, err := idx.SubscribeCollectionGroup(ctx, "client-a", "posts")
	require.NoError(t, err)

	id := document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"}
	matches, err := idx.MatchingBasic(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
