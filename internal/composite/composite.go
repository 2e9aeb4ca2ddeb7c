// Package composite implements the composite query engine (spec §4.5):
// per-group lookup/included/excluded tables, composite_query reads,
// subscription registration (bound reduction), and matching_composite.
//
// Like internal/simplequery, lookup and included/excluded reads narrow to
// one DynamoDB partition per group and apply the exact range/equality test
// with fieldvalue in Go, rather than attempting a server-side range scan —
// see internal/simplequery's package doc for the full justification, which
// applies identically here.
package composite

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

// Scope selects whether a group indexes a single collection or an entire
// collection group.
type Scope int

const (
	ScopeCollection Scope = iota
	ScopeCollectionGroup
)

// Group is a CompositeFieldGroup (spec §4.5): one primary field driving a
// range, and zero or more secondary fields that must match by equality.
type Group struct {
	ID                   string
	Scope                Scope
	CollectionParentPath string // only consulted when Scope == ScopeCollection
	CollectionID         string
	PrimaryField         string
	SecondaryFields      []string // canonical order, used for every row this group writes
}

// Applies reports whether a document with this id falls within the
// group's scope.
func (g Group) Applies(id document.ID) bool {
	if g.CollectionID != id.CollectionID {
		return false
	}
	if g.Scope == ScopeCollection && g.CollectionParentPath != id.CollectionParentPath {
		return false
	}
	return true
}

func (g Group) extract(fields map[string]fieldvalue.Value) (primary fieldvalue.Value, secondaries []fieldvalue.Value, hasPrimary bool) {
	v, ok := fields[g.PrimaryField]
	if !ok {
		return fieldvalue.Value{}, nil, false
	}
	secondaries = make([]fieldvalue.Value, len(g.SecondaryFields))
	for i, name := range g.SecondaryFields {
		if sv, ok := fields[name]; ok {
			secondaries[i] = sv
		} else {
			secondaries[i] = fieldvalue.Null()
		}
	}
	return v, secondaries, true
}

// Param is one composite_query predicate: (field_name, operator, operand,
// is_primary). The primary field's params give the range; every secondary
// param must use Equal (spec §4.5).
type Param struct {
	FieldName string
	Operator  fieldvalue.Operator
	Operand   fieldvalue.Value
	IsPrimary bool
}

// API is the narrow DynamoDB method set this package depends on.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Engine is the composite query engine over a fixed, caller-supplied set
// of groups.
type Engine struct {
	client          API
	tableName       string
	groups          map[string]Group
	logger          *zap.Logger
	newSubscription func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSubscriptionIDGenerator overrides the default uuid generator.
func WithSubscriptionIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newSubscription = f }
}

// New constructs an Engine over groups.
func New(client API, tableName string, groups []Group, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		client:          client,
		tableName:       tableName,
		groups:          make(map[string]Group, len(groups)),
		logger:          logger,
		newSubscription: func() string { return uuid.NewString() },
	}
	for _, g := range groups {
		e.groups[g.ID] = g
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Groups returns every group applicable to id.
func (e *Engine) Groups(id document.ID) []Group {
	var out []Group
	for _, g := range e.groups {
		if g.Applies(id) {
			out = append(out, g)
		}
	}
	return out
}

func lookupPK(groupID string) string  { return fmt.Sprintf("COMPLOOKUP#%s", groupID) }
func includedPK(groupID string) string { return fmt.Sprintf("COMPINCLUDED#%s", groupID) }
func excludedPK(groupID string) string { return fmt.Sprintf("COMPEXCLUDED#%s", groupID) }

// LookupPutItemForFields builds the lookup_g row for a document that has
// g's primary field, bundled by the transaction manager into the same
// TransactWriteItems call as the document write. Returns ok=false when the
// document lacks the primary field (spec §4.5: "the document is not
// indexed by that group").
func (e *Engine) LookupPutItemForFields(g Group, id document.ID, fields map[string]fieldvalue.Value) (item types.TransactWriteItem, ok bool, err error) {
	primary, secondaries, hasPrimary := g.extract(fields)
	if !hasPrimary {
		return types.TransactWriteItem{}, false, nil
	}
	primaryBytes, err := fieldvalue.Encode(primary)
	if err != nil {
		return types.TransactWriteItem{}, false, apperrors.NewInvalidArgument(err.Error())
	}
	secondaryBytes := make([][]byte, len(secondaries))
	for i, sv := range secondaries {
		b, err := fieldvalue.Encode(sv)
		if err != nil {
			return types.TransactWriteItem{}, false, apperrors.NewInvalidArgument(err.Error())
		}
		secondaryBytes[i] = b
	}
	row := lookupRowWire{
		PK:         lookupPK(g.ID),
		SK:         fmt.Sprintf("%s#%s#%s", id.CollectionParentPath, id.CollectionID, id.DocumentID),
		DocPath:    id.CollectionParentPath,
		DocID:      id.CollectionID,
		DocumentID: id.DocumentID,
		Primary:    primaryBytes,
		Secondary:  secondaryBytes,
	}
	av, err := attributevalue.MarshalMap(row)
	if err != nil {
		return types.TransactWriteItem{}, false, apperrors.NewInternal("marshal composite lookup row", err)
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: aws.String(e.tableName), Item: av}}, true, nil
}

// LookupDeleteItem builds the lookup_g row deletion for a document, used
// on document delete and on replace.
func LookupDeleteItem(tableName string, g Group, id document.ID) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: lookupPK(g.ID)},
				"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("%s#%s#%s", id.CollectionParentPath, id.CollectionID, id.DocumentID)},
			},
		},
	}
}

type lookupRowWire struct {
	PK         string   `dynamodbav:"PK"`
	SK         string   `dynamodbav:"SK"`
	DocPath    string   `dynamodbav:"DocPath"`
	DocID      string   `dynamodbav:"DocID"`
	DocumentID string   `dynamodbav:"DocumentID"`
	Primary    []byte   `dynamodbav:"Primary"`
	Secondary  [][]byte `dynamodbav:"Secondary"`
}

// CompositeQuery evaluates params against group g's lookup table: the
// primary field's params give a range (any of the six operators);
// secondary params must each be Equal (spec §4.5).
func (e *Engine) CompositeQuery(ctx context.Context, groupID string, params []Param) ([]document.ID, error) {
	g, ok := e.groups[groupID]
	if !ok {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("unknown composite group %q", groupID))
	}
	for _, p := range params {
		if !p.IsPrimary && p.Operator != fieldvalue.OpEqual {
			return nil, apperrors.NewInvalidArgument(fmt.Sprintf("secondary field %q must use equality", p.FieldName))
		}
	}
	rows, err := e.queryPartition(ctx, lookupPK(g.ID))
	if err != nil {
		return nil, err
	}
	var out []document.ID
	for _, raw := range rows {
		var row lookupRowWire
		if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
			return nil, apperrors.NewInternal("unmarshal composite lookup row", err)
		}
		primary, err := fieldvalue.Decode(row.Primary)
		if err != nil {
			return nil, apperrors.NewInternal("decode primary value", err)
		}
		secondaries := make([]fieldvalue.Value, len(row.Secondary))
		for i, b := range row.Secondary {
			sv, err := fieldvalue.Decode(b)
			if err != nil {
				return nil, apperrors.NewInternal("decode secondary value", err)
			}
			secondaries[i] = sv
		}
		if rowSatisfies(g, primary, secondaries, params) {
			out = append(out, document.ID{CollectionParentPath: row.DocPath, CollectionID: row.DocID, DocumentID: row.DocumentID})
		}
	}
	return out, nil
}

func rowSatisfies(g Group, primary fieldvalue.Value, secondaries []fieldvalue.Value, params []Param) bool {
	for _, p := range params {
		if p.IsPrimary {
			if !fieldvalue.Satisfies(primary, p.Operator, p.Operand) {
				return false
			}
			continue
		}
		idx := secondaryIndex(g, p.FieldName)
		if idx < 0 {
			return false
		}
		if !secondaries[idx].Equal(p.Operand) {
			return false
		}
	}
	return true
}

func secondaryIndex(g Group, fieldName string) int {
	for i, name := range g.SecondaryFields {
		if name == fieldName {
			return i
		}
	}
	return -1
}

// --- subscriptions ---

// bounds is the reduced predicate state described in spec §4.5.
type bounds struct {
	primaryLower      fieldvalue.Value
	primaryUpper      fieldvalue.Value
	excludedPrimaries []fieldvalue.Value
	secondaryEqual    map[string]fieldvalue.Value
}

func newBounds() bounds {
	return bounds{primaryLower: fieldvalue.Min(), primaryUpper: fieldvalue.Max(), secondaryEqual: map[string]fieldvalue.Value{}}
}

func (b *bounds) tightenLower(v fieldvalue.Value) {
	if fieldvalue.Less(b.primaryLower, v) {
		b.primaryLower = v
	}
}

func (b *bounds) tightenUpper(v fieldvalue.Value) {
	if fieldvalue.Less(v, b.primaryUpper) {
		b.primaryUpper = v
	}
}

// reduce folds params into a bounds per spec §4.5's per-operator table.
func reduce(g Group, params []Param) (bounds, error) {
	b := newBounds()
	for _, p := range params {
		if !p.IsPrimary {
			if p.Operator != fieldvalue.OpEqual {
				return bounds{}, apperrors.NewInvalidArgument(fmt.Sprintf("secondary field %q must use equality", p.FieldName))
			}
			if secondaryIndex(g, p.FieldName) < 0 {
				return bounds{}, apperrors.NewInvalidArgument(fmt.Sprintf("field %q is not a secondary of group %q", p.FieldName, g.ID))
			}
			b.secondaryEqual[p.FieldName] = p.Operand
			continue
		}
		switch p.Operator {
		case fieldvalue.OpGreaterOrEqual:
			b.tightenLower(p.Operand)
		case fieldvalue.OpLessOrEqual:
			b.tightenUpper(p.Operand)
		case fieldvalue.OpGreater:
			b.tightenLower(p.Operand)
			b.excludedPrimaries = append(b.excludedPrimaries, p.Operand)
		case fieldvalue.OpLess:
			b.tightenUpper(p.Operand)
			b.excludedPrimaries = append(b.excludedPrimaries, p.Operand)
		case fieldvalue.OpEqual:
			b.primaryLower = p.Operand
			b.primaryUpper = p.Operand
		case fieldvalue.OpNotEqual:
			b.excludedPrimaries = append(b.excludedPrimaries, p.Operand)
		}
	}
	return b, nil
}

// SubscribeCompositeQuery reduces params into bounds and writes one
// included_g row plus one excluded_g row per excluded value, all in a
// single TransactWriteItems call alongside the client_subscriptions row
// (spec §4.5, invariant I3).
func (e *Engine) SubscribeCompositeQuery(ctx context.Context, clientID, groupID string, params []Param) (string, error) {
	g, ok := e.groups[groupID]
	if !ok {
		return "", apperrors.NewInvalidArgument(fmt.Sprintf("unknown composite group %q", groupID))
	}
	b, err := reduce(g, params)
	if err != nil {
		return "", err
	}

	subscriptionID := e.newSubscription()
	secondaryValues := make([][]byte, len(g.SecondaryFields))
	for i, name := range g.SecondaryFields {
		v, ok := b.secondaryEqual[name]
		if !ok {
			v = fieldvalue.Null()
		}
		enc, err := fieldvalue.Encode(v)
		if err != nil {
			return "", apperrors.NewInternal("encode secondary equality", err)
		}
		secondaryValues[i] = enc
	}
	lowerBytes, err := fieldvalue.Encode(b.primaryLower)
	if err != nil {
		return "", apperrors.NewInternal("encode primary lower bound", err)
	}
	upperBytes, err := fieldvalue.Encode(b.primaryUpper)
	if err != nil {
		return "", apperrors.NewInternal("encode primary upper bound", err)
	}

	includedRow := includedRowWire{
		PK:             includedPK(g.ID),
		SK:             "SUB#" + subscriptionID,
		SubscriptionID: subscriptionID,
		PrimaryLower:   lowerBytes,
		PrimaryUpper:   upperBytes,
		Secondary:      secondaryValues,
	}
	includedAV, err := attributevalue.MarshalMap(includedRow)
	if err != nil {
		return "", apperrors.NewInternal("marshal included row", err)
	}

	deleteKeys := []subscription.Key{{PK: includedRow.PK, SK: includedRow.SK}}
	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(e.tableName), Item: includedAV}},
	}
	for _, excl := range b.excludedPrimaries {
		exclBytes, err := fieldvalue.Encode(excl)
		if err != nil {
			return "", apperrors.NewInternal("encode excluded primary", err)
		}
		row := excludedRowWire{
			PK:              excludedPK(g.ID),
			SK:              fmt.Sprintf("SUB#%s#%x", subscriptionID, exclBytes),
			SubscriptionID:  subscriptionID,
			ExcludedPrimary: exclBytes,
		}
		av, err := attributevalue.MarshalMap(row)
		if err != nil {
			return "", apperrors.NewInternal("marshal excluded row", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(e.tableName), Item: av}})
		deleteKeys = append(deleteKeys, subscription.Key{PK: row.PK, SK: row.SK})
	}
	encodedDeleteKeys, err := subscription.EncodeKeys(deleteKeys)
	if err != nil {
		return "", apperrors.NewInternal("encode subscription delete keys", err)
	}
	items = append([]types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(e.tableName), Item: clientSubscriptionItem(subscriptionID, clientID, encodedDeleteKeys)}},
	}, items...)

	if _, err := e.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return "", apperrors.NewBackendUnavailable("create composite subscription", err)
	}
	return subscriptionID, nil
}

type includedRowWire struct {
	PK             string   `dynamodbav:"PK"`
	SK             string   `dynamodbav:"SK"`
	SubscriptionID string   `dynamodbav:"SubscriptionID"`
	PrimaryLower   []byte   `dynamodbav:"PrimaryLower"`
	PrimaryUpper   []byte   `dynamodbav:"PrimaryUpper"`
	Secondary      [][]byte `dynamodbav:"Secondary"`
}

type excludedRowWire struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	SubscriptionID  string `dynamodbav:"SubscriptionID"`
	ExcludedPrimary []byte `dynamodbav:"ExcludedPrimary"`
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

// MatchingComposite is called on every write. For each group applicable to
// id whose primary field is present in fields, it computes
// included EXCEPT excluded over that group's included_g/excluded_g tables
// (spec §4.5) and unions the results across groups.
func (e *Engine) MatchingComposite(ctx context.Context, id document.ID, fields map[string]fieldvalue.Value) ([]string, error) {
	var matches []string
	for _, g := range e.Groups(id) {
		primary, secondaries, hasPrimary := g.extract(fields)
		if !hasPrimary {
			continue
		}
		included, err := e.matchIncluded(ctx, g, primary, secondaries)
		if err != nil {
			return nil, err
		}
		excluded, err := e.matchExcluded(ctx, g, primary)
		if err != nil {
			return nil, err
		}
		excludedSet := make(map[string]bool, len(excluded))
		for _, s := range excluded {
			excludedSet[s] = true
		}
		for _, s := range included {
			if !excludedSet[s] {
				matches = append(matches, s)
			}
		}
	}
	return matches, nil
}

func (e *Engine) matchIncluded(ctx context.Context, g Group, primary fieldvalue.Value, secondaries []fieldvalue.Value) ([]string, error) {
	rows, err := e.queryPartition(ctx, includedPK(g.ID))
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, raw := range rows {
		var row includedRowWire
		if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
			return nil, apperrors.NewInternal("unmarshal included row", err)
		}
		lower, err := fieldvalue.Decode(row.PrimaryLower)
		if err != nil {
			return nil, apperrors.NewInternal("decode primary_lower", err)
		}
		upper, err := fieldvalue.Decode(row.PrimaryUpper)
		if err != nil {
			return nil, apperrors.NewInternal("decode primary_upper", err)
		}
		if fieldvalue.Less(primary, lower) || fieldvalue.Less(upper, primary) {
			continue
		}
		if !secondariesMatch(row.Secondary, secondaries) {
			continue
		}
		matches = append(matches, row.SubscriptionID)
	}
	return matches, nil
}

func secondariesMatch(storedBytes [][]byte, docValues []fieldvalue.Value) bool {
	if len(storedBytes) != len(docValues) {
		return false
	}
	for i, b := range storedBytes {
		stored, err := fieldvalue.Decode(b)
		if err != nil {
			return false
		}
		if !stored.Equal(docValues[i]) {
			return false
		}
	}
	return true
}

func (e *Engine) matchExcluded(ctx context.Context, g Group, primary fieldvalue.Value) ([]string, error) {
	rows, err := e.queryPartition(ctx, excludedPK(g.ID))
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, raw := range rows {
		var row excludedRowWire
		if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
			return nil, apperrors.NewInternal("unmarshal excluded row", err)
		}
		excl, err := fieldvalue.Decode(row.ExcludedPrimary)
		if err != nil {
			return nil, apperrors.NewInternal("decode excluded_primary", err)
		}
		if excl.Equal(primary) {
			matches = append(matches, row.SubscriptionID)
		}
	}
	return matches, nil
}

func (e *Engine) queryPartition(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(e.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": "PK"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pk}},
	}
	var rows []map[string]types.AttributeValue
	for {
		out, err := e.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.NewBackendUnavailable("query composite table", err)
		}
		rows = append(rows, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
