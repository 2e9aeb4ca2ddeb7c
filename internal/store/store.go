// Package store implements the document store (spec §4.1): Put, Get,
// ListCollection, ListGroup, Delete, and the CAS condition check that the
// transaction manager bundles into commit_transaction.
//
// Grounded on the teacher's generic DynamoDB repository
// (infrastructure/persistence/dynamodb/generic_repository.go) for the
// single-table item shape and optimistic-locking condition pattern, and on
// internal/infrastructure/cloud/abstractions.go's DatabaseClient interface
// for depending on a narrow method-set abstraction instead of the concrete
// SDK client, which is what makes store_test.go testable without talking to
// real DynamoDB.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"docucore/internal/document"
	apperrors "docucore/pkg/errors"
)

// API is the narrow subset of *dynamodb.Client the store depends on, so
// tests can supply a fake instead of a live AWS connection.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// item is the single-table row shape for a document: a partition per
// (collection_parent_path, collection_id) for point/collection reads, and a
// GSI partitioned by collection_id alone for collection-group reads.
type item struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	GSI1PK   string `dynamodbav:"GSI1PK"`
	GSI1SK   string `dynamodbav:"GSI1SK"`
	Data     []byte `dynamodbav:"Data"`
	UpdateID string `dynamodbav:"UpdateID"`
}

func collectionPK(parentPath, collectionID string) string {
	return fmt.Sprintf("COLLECTION#%s#%s", parentPath, collectionID)
}

func documentSK(documentID string) string {
	return fmt.Sprintf("DOC#%s", documentID)
}

func groupPK(collectionID string) string {
	return fmt.Sprintf("CGROUP#%s", collectionID)
}

func groupSK(parentPath, documentID string) string {
	return fmt.Sprintf("%s#%s", parentPath, documentID)
}

func keyOf(id document.ID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: collectionPK(id.CollectionParentPath, id.CollectionID)},
		"SK": &types.AttributeValueMemberS{Value: documentSK(id.DocumentID)},
	}
}

// Store is the DynamoDB-backed document store.
type Store struct {
	client       API
	tableName    string
	groupIndex   string
	logger       *zap.Logger
	breaker      *gobreaker.CircuitBreaker
	newUpdateID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithUpdateIDGenerator overrides the default uuid-based update_id
// generator; tests use this for deterministic ids.
func WithUpdateIDGenerator(f func() string) Option {
	return func(s *Store) { s.newUpdateID = f }
}

// New constructs a Store, wiring a per-store circuit breaker the same way
// the teacher wires one around its outbound HTTP handlers
// (internal/middleware/circuit_breaker.go): trip once a minimum request
// volume crosses a failure ratio, log state transitions, and reject fast
// while open rather than letting every caller pile up on a failing table.
func New(client API, tableName, groupIndex string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client:      client,
		tableName:   tableName,
		groupIndex:  groupIndex,
		logger:      logger,
		newUpdateID: func() string { return uuid.NewString() },
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "document-store:" + tableName,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("document store circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) execute(ctx context.Context, op func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewBackendUnavailable("document store circuit open", err)
	}
	return err
}

// Put writes doc. When expectedUpdateID is empty this is a create and fails
// if the document already exists; otherwise it's a compare-and-swap update
// that fails with KindTransactionConflict if the stored update_id has
// moved on. Put stamps and returns doc with a freshly generated UpdateID.
func (s *Store) Put(ctx context.Context, doc document.Document, expectedUpdateID string) (document.Document, error) {
	if err := doc.ID.Validate(); err != nil {
		return document.Document{}, apperrors.NewInvalidArgument(err.Error())
	}
	doc.UpdateID = s.newUpdateID()

	data, err := document.Encode(doc)
	if err != nil {
		return document.Document{}, apperrors.NewInternal("encode document", err)
	}

	it := item{
		PK:       collectionPK(doc.ID.CollectionParentPath, doc.ID.CollectionID),
		SK:       documentSK(doc.ID.DocumentID),
		GSI1PK:   groupPK(doc.ID.CollectionID),
		GSI1SK:   groupSK(doc.ID.CollectionParentPath, doc.ID.DocumentID),
		Data:     data,
		UpdateID: doc.UpdateID,
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return document.Document{}, apperrors.NewInternal("marshal item", err)
	}

	condition := casCondition(expectedUpdateID)
	expr, err := expression.NewBuilder().WithCondition(condition).Build()
	if err != nil {
		return document.Document{}, apperrors.NewInternal("build condition expression", err)
	}

	err = s.execute(ctx, func() error {
		_, putErr := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.tableName),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return putErr
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if isConditionalCheckFailure(err, &ccf) {
			return document.Document{}, apperrors.NewTransactionConflict("document update_id no longer matches")
		}
		if apperrors.IsBackendUnavailable(err) {
			return document.Document{}, err
		}
		return document.Document{}, apperrors.NewBackendUnavailable("put document", err)
	}
	return doc, nil
}

// casCondition builds the create-vs-update optimistic-locking condition:
// attribute_not_exists(PK) for a create, UpdateID = expected for an update.
func casCondition(expectedUpdateID string) expression.ConditionBuilder {
	if expectedUpdateID == "" {
		return expression.AttributeNotExists(expression.Name("PK"))
	}
	return expression.Name("UpdateID").Equal(expression.Value(expectedUpdateID))
}

// Get fetches a single document by id.
func (s *Store) Get(ctx context.Context, id document.ID) (document.Document, error) {
	var out *dynamodb.GetItemOutput
	err := s.execute(ctx, func() error {
		var getErr error
		out, getErr = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key:       keyOf(id),
		})
		return getErr
	})
	if err != nil {
		if apperrors.IsBackendUnavailable(err) {
			return document.Document{}, err
		}
		return document.Document{}, apperrors.NewBackendUnavailable("get document", err)
	}
	if out.Item == nil {
		return document.Document{}, apperrors.NewNotFound(fmt.Sprintf("document %s not found", id.String()))
	}
	return decodeItem(out.Item)
}

// ListCollection returns every document directly inside the named
// collection (spec §4.1 list_collection).
func (s *Store) ListCollection(ctx context.Context, parentPath, collectionID string) ([]document.Document, error) {
	keyExpr := expression.Key("PK").Equal(expression.Value(collectionPK(parentPath, collectionID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, apperrors.NewInternal("build query expression", err)
	}
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

// ListGroup returns every document in the named collection group,
// regardless of parent path (spec §4.1 list_collection_group), by querying
// the GSI partitioned purely by collection_id.
func (s *Store) ListGroup(ctx context.Context, collectionID string) ([]document.Document, error) {
	keyExpr := expression.Key("GSI1PK").Equal(expression.Value(groupPK(collectionID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, apperrors.NewInternal("build query expression", err)
	}
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(s.groupIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

func (s *Store) query(ctx context.Context, in *dynamodb.QueryInput) ([]document.Document, error) {
	var docs []document.Document
	err := s.execute(ctx, func() error {
		for {
			page, err := s.client.Query(ctx, in)
			if err != nil {
				return err
			}
			for _, rawItem := range page.Items {
				d, err := decodeItem(rawItem)
				if err != nil {
					return err
				}
				docs = append(docs, d)
			}
			if len(page.LastEvaluatedKey) == 0 {
				return nil
			}
			in.ExclusiveStartKey = page.LastEvaluatedKey
		}
	})
	if err != nil {
		if apperrors.IsBackendUnavailable(err) || apperrors.IsInternal(err) {
			return nil, err
		}
		return nil, apperrors.NewBackendUnavailable("list documents", err)
	}
	return docs, nil
}

// Delete removes a document, failing with KindTransactionConflict if
// expectedUpdateID no longer matches the stored row.
func (s *Store) Delete(ctx context.Context, id document.ID, expectedUpdateID string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("UpdateID").Equal(expression.Value(expectedUpdateID))).
		Build()
	if err != nil {
		return apperrors.NewInternal("build condition expression", err)
	}
	err = s.execute(ctx, func() error {
		_, delErr := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       keyOf(id),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return delErr
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if isConditionalCheckFailure(err, &ccf) {
			return apperrors.NewTransactionConflict("document update_id no longer matches")
		}
		if apperrors.IsBackendUnavailable(err) {
			return err
		}
		return apperrors.NewBackendUnavailable("delete document", err)
	}
	return nil
}

// CASConditionCheckItem builds a transact-item that checks (without
// mutating) that id's stored update_id still equals expectedUpdateID, or
// — when expectedUpdateID is empty — that the document still does not
// exist (spec §4.6 commit_transaction: "if r.update_id is None, that the
// document still does not exist"). The transaction manager bundles one of
// these per read dependency into commit_transaction's TransactWriteItems
// call so the whole commit aborts atomically if any optimistic check fails.
func (s *Store) CASConditionCheckItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error) {
	expr, err := expression.NewBuilder().WithCondition(casCondition(expectedUpdateID)).Build()
	if err != nil {
		return types.TransactWriteItem{}, apperrors.NewInternal("build condition expression", err)
	}
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(s.tableName),
			Key:                       keyOf(id),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

// PutTransactItem builds the same create-or-CAS-update Put that Put
// performs, but as a TransactWriteItem rather than executing it — for the
// transaction manager to bundle with index and queue writes into a single
// TransactWriteItems call (spec §4.6's write data flow: index maintenance
// and queue fan-out happen in the same transaction that replaces the
// document row). Like Put, it stamps and returns doc with a fresh UpdateID.
func (s *Store) PutTransactItem(doc document.Document, expectedUpdateID string) (types.TransactWriteItem, document.Document, error) {
	if err := doc.ID.Validate(); err != nil {
		return types.TransactWriteItem{}, document.Document{}, apperrors.NewInvalidArgument(err.Error())
	}
	doc.UpdateID = s.newUpdateID()

	data, err := document.Encode(doc)
	if err != nil {
		return types.TransactWriteItem{}, document.Document{}, apperrors.NewInternal("encode document", err)
	}

	it := item{
		PK:       collectionPK(doc.ID.CollectionParentPath, doc.ID.CollectionID),
		SK:       documentSK(doc.ID.DocumentID),
		GSI1PK:   groupPK(doc.ID.CollectionID),
		GSI1SK:   groupSK(doc.ID.CollectionParentPath, doc.ID.DocumentID),
		Data:     data,
		UpdateID: doc.UpdateID,
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return types.TransactWriteItem{}, document.Document{}, apperrors.NewInternal("marshal item", err)
	}

	expr, err := expression.NewBuilder().WithCondition(casCondition(expectedUpdateID)).Build()
	if err != nil {
		return types.TransactWriteItem{}, document.Document{}, apperrors.NewInternal("build condition expression", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                 aws.String(s.tableName),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, doc, nil
}

// DeleteTransactItem builds the same optimistic-locked delete Delete
// performs, but as a TransactWriteItem, for the same bundling reason as
// PutTransactItem.
func (s *Store) DeleteTransactItem(id document.ID, expectedUpdateID string) (types.TransactWriteItem, error) {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("UpdateID").Equal(expression.Value(expectedUpdateID))).
		Build()
	if err != nil {
		return types.TransactWriteItem{}, apperrors.NewInternal("build condition expression", err)
	}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 aws.String(s.tableName),
			Key:                       keyOf(id),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

func decodeItem(raw map[string]types.AttributeValue) (document.Document, error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return document.Document{}, apperrors.NewInternal("unmarshal item", err)
	}
	doc, err := document.Decode(it.Data)
	if err != nil {
		return document.Document{}, apperrors.NewInternal("decode document", err)
	}
	return doc, nil
}

func isConditionalCheckFailure(err error, target **types.ConditionalCheckFailedException) bool {
	for err != nil {
		if ccf, ok := err.(*types.ConditionalCheckFailedException); ok {
			*target = ccf
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
