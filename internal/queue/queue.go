// Package queue implements the update-queue half of spec §4.6: fan-out of
// a write's matching subscription set into per-(subscription, document)
// rows, the long-poll listen/confirm read path, and the coalescing
// property ("at most one row per (subscription, document), carrying the
// latest write").
//
// Index maintenance packages (basicindex, simplequery, composite) compute
// the matching set on a write; this package turns that set into rows and
// serves listen/confirm reads against them. Like internal/simplequery and
// internal/composite, reads here narrow to one DynamoDB partition per
// subscription and page through it rather than attempting a cross-table
// join at the storage layer.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"docucore/internal/document"
	apperrors "docucore/pkg/errors"
)

func pk(subscriptionID string) string { return fmt.Sprintf("QUEUE#%s", subscriptionID) }

func sk(id document.ID) string {
	return fmt.Sprintf("%s#%s#%s", id.CollectionParentPath, id.CollectionID, id.DocumentID)
}

// Entry is one pending update_queues row: a document write or delete that
// has not yet been delivered to the owning subscription's client.
type Entry struct {
	SubscriptionID string
	DocumentID     document.ID
	DocumentBytes  []byte // nil signifies a tombstone (the document was deleted)
	UpdateID       string
}

// RowID is the opaque identifier a listen response hands the client back,
// and the identifier confirm accepts to acknowledge delivery. It encodes
// the row's key (subscription_id, doc triple) rather than a separately
// generated id, since that key is already the row's natural identity.
func (e Entry) RowID() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.SubscriptionID, e.DocumentID.CollectionParentPath, e.DocumentID.CollectionID, e.DocumentID.DocumentID)
}

func parseRowID(rowID string) (subscriptionID string, id document.ID, err error) {
	parts := strings.SplitN(rowID, "|", 4)
	if len(parts) != 4 {
		return "", document.ID{}, apperrors.NewInvalidArgument(fmt.Sprintf("malformed update id %q", rowID))
	}
	return parts[0], document.ID{CollectionParentPath: parts[1], CollectionID: parts[2], DocumentID: parts[3]}, nil
}

type entryWire struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	SubscriptionID string `dynamodbav:"SubscriptionID"`
	DocPath        string `dynamodbav:"DocPath"`
	DocID          string `dynamodbav:"DocID"`
	DocumentID     string `dynamodbav:"DocumentID"`
	DocumentBytes  []byte `dynamodbav:"DocumentBytes,omitempty"`
	Tombstone      bool   `dynamodbav:"Tombstone"`
	UpdateID       string `dynamodbav:"UpdateID"`
}

// EnqueueItems builds one put-item TransactWriteItem per subscription id
// in matching, meant to be appended by the transaction manager to the same
// TransactWriteItems call that mutated the document and its indexes (spec
// §4.6 step 1). documentBytes is nil for a delete's tombstone row.
//
// The spec describes fan-out as a delete of any prior row for the same
// (subscription, document) followed by an insert; here a single Put at the
// same (PK, SK) achieves the identical coalescing outcome — DynamoDB
// replaces whatever item previously sat at that key — without the extra
// round trip or transact-item slot a separate delete would cost.
func EnqueueItems(tableName string, matching []string, id document.ID, documentBytes []byte, updateID string) ([]types.TransactWriteItem, error) {
	items := make([]types.TransactWriteItem, 0, len(matching))
	for _, subscriptionID := range matching {
		row := entryWire{
			PK:             pk(subscriptionID),
			SK:             sk(id),
			SubscriptionID: subscriptionID,
			DocPath:        id.CollectionParentPath,
			DocID:          id.CollectionID,
			DocumentID:     id.DocumentID,
			DocumentBytes:  documentBytes,
			Tombstone:      documentBytes == nil,
			UpdateID:       updateID,
		}
		av, err := attributevalue.MarshalMap(row)
		if err != nil {
			return nil, apperrors.NewInternal("marshal queue row", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(tableName), Item: av}})
	}
	return items, nil
}

// API is the narrow DynamoDB method set this package depends on for its
// read path.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Queue serves the listen/confirm read path over update_queues, joined
// against client_subscriptions via a GSI keyed by client id.
type Queue struct {
	client      API
	tableName   string
	clientIndex string
	logger      *zap.Logger
}

// New constructs a Queue. clientIndex names the GSI that client_subscription
// rows (written by basicindex, simplequery, and composite) are projected
// into under GSI1PK = "CLIENT#<client_id>"; the index is queried on the
// GSI1PK attribute. The container passes Config.ClientIndexName here, a
// setting separate from the Config.IndexName internal/store uses for
// collection-group reads.
func New(client API, tableName, clientIndex string, logger *zap.Logger) *Queue {
	return &Queue{client: client, tableName: tableName, clientIndex: clientIndex, logger: logger}
}

// ListSubscriptionsForClient resolves which subscription ids belong to a
// client, the first half of listen's "join of update_queues and
// client_subscriptions" (spec §4.6).
func (q *Queue) ListSubscriptionsForClient(ctx context.Context, clientID string) ([]string, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(q.tableName),
		IndexName:                 aws.String(q.clientIndex),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": "GSI1PK"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: "CLIENT#" + clientID}},
	}
	var subscriptionIDs []string
	for {
		out, err := q.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query client subscriptions", err)
		}
		for _, raw := range out.Items {
			var row struct {
				SubscriptionID string `dynamodbav:"SubscriptionID"`
			}
			if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
				return nil, apperrors.NewInternal("unmarshal client subscription row", err)
			}
			subscriptionIDs = append(subscriptionIDs, row.SubscriptionID)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return subscriptionIDs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Pending returns every undelivered row across subscriptionIDs, the second
// half of listen's join.
func (q *Queue) Pending(ctx context.Context, subscriptionIDs []string) ([]Entry, error) {
	var entries []Entry
	for _, subscriptionID := range subscriptionIDs {
		rows, err := q.queryPartition(ctx, pk(subscriptionID))
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			var wire entryWire
			if err := attributevalue.UnmarshalMap(raw, &wire); err != nil {
				return nil, apperrors.NewInternal("unmarshal queue row", err)
			}
			entries = append(entries, Entry{
				SubscriptionID: wire.SubscriptionID,
				DocumentID:     document.ID{CollectionParentPath: wire.DocPath, CollectionID: wire.DocID, DocumentID: wire.DocumentID},
				DocumentBytes:  wire.DocumentBytes,
				UpdateID:       wire.UpdateID,
			})
		}
	}
	return entries, nil
}

func (q *Queue) queryPartition(ctx context.Context, pkValue string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(q.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": "PK"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pkValue}},
	}
	var rows []map[string]types.AttributeValue
	for {
		out, err := q.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query update queue", err)
		}
		rows = append(rows, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// TransactDeleteItemsForSubscription builds one delete TransactWriteItem
// per pending row in a subscription's queue partition, for the eviction
// sweeper to bundle alongside the subscription's own row deletions; the
// sweeper commits them in TransactWriteItems calls of at most 100 items.
func (q *Queue) TransactDeleteItemsForSubscription(ctx context.Context, subscriptionID string) ([]types.TransactWriteItem, error) {
	rows, err := q.queryPartition(ctx, pk(subscriptionID))
	if err != nil {
		return nil, err
	}
	items := make([]types.TransactWriteItem, 0, len(rows))
	for _, raw := range rows {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(q.tableName),
			Key: map[string]types.AttributeValue{
				"PK": raw["PK"],
				"SK": raw["SK"],
			},
		}})
	}
	return items, nil
}

// Confirm deletes delivered rows by the RowID values a prior listen
// response returned (spec §4.6 confirm). A client must acknowledge before
// requesting its next batch; confirm does not validate that rowIDs were
// actually returned to this client, matching the spec's client-trusted
// acknowledgement model.
func (q *Queue) Confirm(ctx context.Context, rowIDs []string) error {
	for _, rowID := range rowIDs {
		subscriptionID, id, err := parseRowID(rowID)
		if err != nil {
			return err
		}
		_, err = q.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(q.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk(subscriptionID)},
				"SK": &types.AttributeValueMemberS{Value: sk(id)},
			},
		})
		if err != nil {
			return apperrors.NewBackendUnavailable("confirm queue row", err)
		}
	}
	return nil
}
