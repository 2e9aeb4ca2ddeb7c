// Package basicindex implements the basic index and matcher (spec §4.3):
// subscribe_document/collection/collection_group, and matching_basic, the
// set union of exact-document, collection, and collection-group
// subscription buckets.
//
// Grounded on the teacher's generic DynamoDB repository for the
// single-table item shape, and on infrastructure/persistence/dynamodb/
// unit_of_work.go's "bundle several item writes into one
// TransactWriteItems call" pattern for keeping a subscription's
// client_subscriptions row and basic_subscriptions row atomic (invariant
// I3: every subscription row has a matching client_subscriptions row).
package basicindex

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"docucore/internal/document"
	"docucore/internal/subscription"
	apperrors "docucore/pkg/errors"
)

// API is the narrow DynamoDB method set this package depends on.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Index is the basic index: basic_subscriptions + client_subscriptions.
type Index struct {
	client         API
	tableName      string
	logger         *zap.Logger
	newSubscription func() string
}

// Option configures an Index.
type Option func(*Index)

// WithSubscriptionIDGenerator overrides the default uuid generator.
func WithSubscriptionIDGenerator(f func() string) Option {
	return func(idx *Index) { idx.newSubscription = f }
}

// New constructs an Index.
func New(client API, tableName string, logger *zap.Logger, opts ...Option) *Index {
	idx := &Index{
		client:          client,
		tableName:       tableName,
		logger:          logger,
		newSubscription: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// bucket keys mirror the spec's "union of three selects": an exact-document
// bucket, a collection bucket (document_id wildcard), and a
// collection-group bucket (path and document_id both wildcard).
func exactDocBucket(parentPath, collectionID, documentID string) string {
	return fmt.Sprintf("BASICDOC#%s#%s#%s", parentPath, collectionID, documentID)
}

func collectionBucket(parentPath, collectionID string) string {
	return fmt.Sprintf("BASICCOL#%s#%s", parentPath, collectionID)
}

func groupBucket(collectionID string) string {
	return fmt.Sprintf("BASICGROUP#%s", collectionID)
}

func subscriptionItem(bucketPK, subscriptionID, clientID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: bucketPK},
		"SK":             &types.AttributeValueMemberS{Value: "SUB#" + subscriptionID},
		"SubscriptionID": &types.AttributeValueMemberS{Value: subscriptionID},
		"ClientID":       &types.AttributeValueMemberS{Value: clientID},
		"EntityType":     &types.AttributeValueMemberS{Value: "basic_subscription"},
	}
}

func clientSubscriptionItem(subscriptionID, clientID, deleteKeys string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"SK":             &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"GSI1PK":         &types.AttributeValueMemberS{Value: "CLIENT#" + clientID},
		"GSI1SK":         &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"SubscriptionID": &types.AttributeValueMemberS{Value: subscriptionID},
		"ClientID":       &types.AttributeValueMemberS{Value: clientID},
		"EntityType":     &types.AttributeValueMemberS{Value: "client_subscription"},
		"DeleteKeys":     &types.AttributeValueMemberS{Value: deleteKeys},
	}
}

func (idx *Index) subscribe(ctx context.Context, clientID, bucketPK string) (string, error) {
	subscriptionID := idx.newSubscription()
	deleteKeys, err := subscription.EncodeKeys([]subscription.Key{{PK: bucketPK, SK: "SUB#" + subscriptionID}})
	if err != nil {
		return "", apperrors.NewInternal("encode subscription delete keys", err)
	}
	_, err = idx.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(idx.tableName), Item: clientSubscriptionItem(subscriptionID, clientID, deleteKeys)}},
			{Put: &types.Put{TableName: aws.String(idx.tableName), Item: subscriptionItem(bucketPK, subscriptionID, clientID)}},
		},
	})
	if err != nil {
		return "", apperrors.NewBackendUnavailable("create basic subscription", err)
	}
	idx.logger.Debug("basic subscription created", zap.String("subscription_id", subscriptionID), zap.String("bucket", bucketPK))
	return subscriptionID, nil
}

// SubscribeDocument registers a subscription matching exactly one
// document.
func (idx *Index) SubscribeDocument(ctx context.Context, clientID string, id document.ID) (string, error) {
	return idx.subscribe(ctx, clientID, exactDocBucket(id.CollectionParentPath, id.CollectionID, id.DocumentID))
}

// SubscribeCollection registers a subscription matching any document
// directly inside the named collection.
func (idx *Index) SubscribeCollection(ctx context.Context, clientID, parentPath, collectionID string) (string, error) {
	return idx.subscribe(ctx, clientID, collectionBucket(parentPath, collectionID))
}

// SubscribeCollectionGroup registers a subscription matching any document
// in the named collection group, regardless of parent path.
func (idx *Index) SubscribeCollectionGroup(ctx context.Context, clientID, collectionID string) (string, error) {
	return idx.subscribe(ctx, clientID, groupBucket(collectionID))
}

// MatchingBasic returns the union of subscription ids from the three
// buckets a write to id could affect. No deduplication beyond simple set
// semantics is required: the update queue's per-(subscription,document)
// upsert coalesces duplicate entries (spec §4.3).
func (idx *Index) MatchingBasic(ctx context.Context, id document.ID) ([]string, error) {
	buckets := []string{
		exactDocBucket(id.CollectionParentPath, id.CollectionID, id.DocumentID),
		collectionBucket(id.CollectionParentPath, id.CollectionID),
		groupBucket(id.CollectionID),
	}
	var all []string
	for _, bucket := range buckets {
		ids, err := idx.querySubscriptionBucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	return all, nil
}

func (idx *Index) querySubscriptionBucket(ctx context.Context, bucket string) ([]string, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(bucket))).
		Build()
	if err != nil {
		return nil, apperrors.NewInternal("build query expression", err)
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(idx.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	var ids []string
	for {
		out, err := idx.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query basic subscription bucket", err)
		}
		for _, raw := range out.Items {
			var row struct {
				SubscriptionID string `dynamodbav:"SubscriptionID"`
			}
			if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
				return nil, apperrors.NewInternal("unmarshal subscription row", err)
			}
			ids = append(ids, row.SubscriptionID)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
