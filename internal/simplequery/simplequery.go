// Package simplequery implements the single-field query engine (spec
// §4.4): simple_query_lookup maintenance, simple_query reads, subscription
// registration, and matching_simple.
//
// The constraint builder of spec §4.2 exists to push a range comparison
// down into a SQL index scan via a parameterized WHERE fragment. This
// module's backing store is DynamoDB, whose query language has no
// equivalent for an arbitrary "<"/"<="/"!=" comparison against a
// heterogeneous typed column; the idiomatic DynamoDB substitute (also used
// by the teacher's generic_repository.GetByUserID, which narrows by a key
// condition and applies the rest as an in-memory/FilterExpression pass) is
// to narrow to the smallest DynamoDB partition the access pattern allows
// and then test the exact comparison with fieldvalue.Satisfies in Go. This
// trades server-side range pushdown for exact precision (no int/double
// sort-key encoding to get subtly wrong) and is documented as a deliberate
// simplification in DESIGN.md.
package simplequery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"docucore/internal/document"
	"docucore/internal/fieldvalue"
	"docucore/internal/subscription"
	apperrors "docucore/pkg/errors"
)

// API is the narrow DynamoDB method set this package depends on.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Index is the single-field query engine's backing store.
type Index struct {
	client          API
	tableName       string
	logger          *zap.Logger
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

func lookupPK(collectionID, fieldName string) string {
	return fmt.Sprintf("SQLOOKUP#%s#%s", collectionID, fieldName)
}

func lookupSK(parentPath, documentID string) string {
	return fmt.Sprintf("%s#%s", parentPath, documentID)
}

// partitionQueryInput builds a Query on PK = pk, optionally narrowed to SK
// begins_with(scope + "#"). Hand-written with fixed placeholder names
// rather than expression.Builder: the compound "equal AND begins_with"
// condition only needs two named values, and spelling them out keeps the
// generated expression legible without leaning on the builder for a
// two-clause case it isn't needed for.
func partitionQueryInput(tableName, pk string, scope *string) *dynamodb.QueryInput {
	names := map[string]string{"#pk": "PK"}
	values := map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pk}}
	keyCondition := "#pk = :pk"
	if scope != nil {
		names["#sk"] = "SK"
		values[":skPrefix"] = &types.AttributeValueMemberS{Value: *scope + "#"}
		keyCondition += " AND begins_with(#sk, :skPrefix)"
	}
	return &dynamodb.QueryInput{
		TableName:                 aws.String(tableName),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
}

// LookupPutItem builds the simple_query_lookup write for one (document,
// field) pair. The transaction manager bundles one of these per field
// into the same TransactWriteItems call as the document store write
// (spec §4.4: "insert one row per field ... within the same transaction").
func LookupPutItem(tableName string, id document.ID, fieldName string, value fieldvalue.Value) (types.TransactWriteItem, error) {
	valueBytes, err := fieldvalue.Encode(value)
	if err != nil {
		return types.TransactWriteItem{}, apperrors.NewInvalidArgument(fmt.Sprintf("field %q: %v", fieldName, err))
	}
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: lookupPK(id.CollectionID, fieldName)},
		"SK":           &types.AttributeValueMemberS{Value: lookupSK(id.CollectionParentPath, id.DocumentID)},
		"DocumentID":   &types.AttributeValueMemberS{Value: id.DocumentID},
		"FieldValue":   &types.AttributeValueMemberB{Value: valueBytes},
		"EntityType":   &types.AttributeValueMemberS{Value: "simple_query_lookup"},
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: aws.String(tableName), Item: item}}, nil
}

// LookupDeleteItem builds the simple_query_lookup row deletion for one
// (document, field) pair, used on document delete and on replace (delete
// old rows, insert new ones, all in the same transaction).
func LookupDeleteItem(tableName string, id document.ID, fieldName string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: lookupPK(id.CollectionID, fieldName)},
				"SK": &types.AttributeValueMemberS{Value: lookupSK(id.CollectionParentPath, id.DocumentID)},
			},
		},
	}
}

// SimpleQuery returns the documents whose field_name value satisfies "OP
// operand", scoped to a single collection when scope is non-nil or to the
// whole collection group when scope is nil (spec §4.4).
func (idx *Index) SimpleQuery(ctx context.Context, scope *string, collectionID, fieldName string, op fieldvalue.Operator, operand fieldvalue.Value) ([]document.ID, error) {
	rows, err := idx.queryLookupPartition(ctx, collectionID, fieldName, scope)
	if err != nil {
		return nil, err
	}
	var out []document.ID
	for _, row := range rows {
		if fieldvalue.Satisfies(row.value, op, operand) {
			out = append(out, row.id)
		}
	}
	return out, nil
}

type lookupRow struct {
	id    document.ID
	value fieldvalue.Value
}

func (idx *Index) queryLookupPartition(ctx context.Context, collectionID, fieldName string, scope *string) ([]lookupRow, error) {
	in := partitionQueryInput(idx.tableName, lookupPK(collectionID, fieldName), scope)
	var rows []lookupRow
	for {
		out, err := idx.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query simple_query_lookup", err)
		}
		for _, raw := range out.Items {
			row, err := decodeLookupRow(raw, collectionID)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func decodeLookupRow(raw map[string]types.AttributeValue, collectionID string) (lookupRow, error) {
	var wire struct {
		SK         string `dynamodbav:"SK"`
		DocumentID string `dynamodbav:"DocumentID"`
		FieldValue []byte `dynamodbav:"FieldValue"`
	}
	if err := attributevalue.UnmarshalMap(raw, &wire); err != nil {
		return lookupRow{}, apperrors.NewInternal("unmarshal simple_query_lookup row", err)
	}
	parentPath := wire.SK
	suffix := "#" + wire.DocumentID
	if len(parentPath) >= len(suffix) {
		parentPath = parentPath[:len(parentPath)-len(suffix)]
	}
	value, err := fieldvalue.Decode(wire.FieldValue)
	if err != nil {
		return lookupRow{}, apperrors.NewInternal("decode field value", err)
	}
	return lookupRow{
		id: document.ID{
			CollectionParentPath: parentPath,
			CollectionID:         collectionID,
			DocumentID:           wire.DocumentID,
		},
		value: value,
	}, nil
}

// --- subscriptions ---

func subscriptionBucket(scope *string, collectionID, fieldName string, op fieldvalue.Operator) string {
	if scope == nil {
		return fmt.Sprintf("SQSUBGROUP#%s#%s#%s", collectionID, fieldName, op)
	}
	return fmt.Sprintf("SQSUBCOL#%s#%s#%s#%s", collectionID, fieldName, op, *scope)
}

// SubscribeSimpleQuery registers a subscription matching writes where
// field_name's value satisfies "OP operand". scope == nil subscribes at
// collection-group scope.
func (idx *Index) SubscribeSimpleQuery(ctx context.Context, clientID string, scope *string, collectionID, fieldName string, op fieldvalue.Operator, operand fieldvalue.Value) (string, error) {
	operandBytes, err := fieldvalue.Encode(operand)
	if err != nil {
		return "", apperrors.NewInvalidArgument(err.Error())
	}
	subscriptionID := idx.newSubscription()
	bucket := subscriptionBucket(scope, collectionID, fieldName, op)
	subRow := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: bucket},
		"SK":             &types.AttributeValueMemberS{Value: "SUB#" + subscriptionID},
		"SubscriptionID": &types.AttributeValueMemberS{Value: subscriptionID},
		"ClientID":       &types.AttributeValueMemberS{Value: clientID},
		"FieldValue":     &types.AttributeValueMemberB{Value: operandBytes},
		"EntityType":     &types.AttributeValueMemberS{Value: "simple_query_subscription"},
	}
	deleteKeys, err := subscription.EncodeKeys([]subscription.Key{{PK: bucket, SK: "SUB#" + subscriptionID}})
	if err != nil {
		return "", apperrors.NewInternal("encode subscription delete keys", err)
	}
	clientRow := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"SK":             &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"GSI1PK":         &types.AttributeValueMemberS{Value: "CLIENT#" + clientID},
		"GSI1SK":         &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID},
		"SubscriptionID": &types.AttributeValueMemberS{Value: subscriptionID},
		"ClientID":       &types.AttributeValueMemberS{Value: clientID},
		"EntityType":     &types.AttributeValueMemberS{Value: "client_subscription"},
		"DeleteKeys":     &types.AttributeValueMemberS{Value: deleteKeys},
	}
	_, err = idx.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(idx.tableName), Item: clientRow}},
			{Put: &types.Put{TableName: aws.String(idx.tableName), Item: subRow}},
		},
	})
	if err != nil {
		return "", apperrors.NewBackendUnavailable("create simple query subscription", err)
	}
	return subscriptionID, nil
}

// MatchingSimple is called on every write. It iterates the document's
// fields and, for each, enumerates the six operators a stored subscription
// might use, querying both the collection-scope and collection-group-scope
// buckets and keeping every subscription whose stored operand actually
// satisfies its operator against the document's value (spec §4.4).
func (idx *Index) MatchingSimple(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error) {
	var matches []string
	for fieldName, value := range fields {
		for _, pair := range fieldvalue.OperatorPairs {
			rows, err := idx.querySubscriptionBucket(ctx, subscriptionBucket(&id.CollectionParentPath, id.CollectionID, fieldName, pair.Op))
			if err != nil {
				return nil, err
			}
			rows2, err := idx.querySubscriptionBucket(ctx, subscriptionBucket(nil, id.CollectionID, fieldName, pair.Op))
			if err != nil {
				return nil, err
			}
			for _, row := range append(rows, rows2...) {
				if fieldvalue.Satisfies(value, pair.Op, row.operand) {
					matches = append(matches, row.subscriptionID)
				}
			}
		}
	}
	return matches, nil
}

type subscriptionRow struct {
	subscriptionID string
	operand        fieldvalue.Value
}

func (idx *Index) querySubscriptionBucket(ctx context.Context, bucket string) ([]subscriptionRow, error) {
	in := partitionQueryInput(idx.tableName, bucket, nil)
	var rows []subscriptionRow
	for {
		out, err := idx.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query simple_query_subscriptions", err)
		}
		for _, raw := range out.Items {
			var wire struct {
				SubscriptionID string `dynamodbav:"SubscriptionID"`
				FieldValue     []byte `dynamodbav:"FieldValue"`
			}
			if err := attributevalue.UnmarshalMap(raw, &wire); err != nil {
				return nil, apperrors.NewInternal("unmarshal subscription row", err)
			}
			operand, err := fieldvalue.Decode(wire.FieldValue)
			if err != nil {
				return nil, apperrors.NewInternal("decode subscription operand", err)
			}
			rows = append(rows, subscriptionRow{subscriptionID: wire.SubscriptionID, operand: operand})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
