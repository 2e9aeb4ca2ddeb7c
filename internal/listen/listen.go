// Package listen implements the long-poll client endpoint surface (spec
// §4.6, §5): listen(client_id), confirm(update_ids) (rows are acknowledged
// by row id alone; no client id is checked), client
// heartbeat/TTL tracking, and the background eviction sweeper that
// reclaims an absent client's subscriptions and queue rows.
//
// The sweeper's shape — a ticker-driven loop with Start/Stop and a
// stopChan/stoppedChan pair — is grounded on the outbox processor's
// background-loop idiom; the wakeup-or-timeout wait inside Listen is
// grounded on the websocket hub's per-recipient channel fan-out, adapted
// from "push a message to a connected client" to "wake a blocked HTTP
// long-poll goroutine."
package listen

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"docucore/internal/queue"
	"docucore/internal/subscription"
	apperrors "docucore/pkg/errors"
)

// maxTransactItems is DynamoDB's per-call TransactWriteItems limit.
const maxTransactItems = 100

// API is the narrow DynamoDB method set the eviction sweeper depends on.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Queue is the subset of *internal/queue.Queue the manager depends on.
type Queue interface {
	ListSubscriptionsForClient(ctx context.Context, clientID string) ([]string, error)
	Pending(ctx context.Context, subscriptionIDs []string) ([]queue.Entry, error)
	Confirm(ctx context.Context, rowIDs []string) error
	TransactDeleteItemsForSubscription(ctx context.Context, subscriptionID string) ([]types.TransactWriteItem, error)
}

// Notifier wakes a blocked Listen call as soon as one of its subscriptions
// receives a new row; internal/txn's Manager calls Notify after a
// successful write with the matching set it just computed.
type Notifier struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{waiters: map[string]map[chan struct{}]struct{}{}}
}

func (n *Notifier) register(subscriptionIDs []string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	for _, id := range subscriptionIDs {
		if n.waiters[id] == nil {
			n.waiters[id] = map[chan struct{}]struct{}{}
		}
		n.waiters[id][ch] = struct{}{}
	}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		for _, id := range subscriptionIDs {
			if set, ok := n.waiters[id]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.waiters, id)
				}
			}
		}
		n.mu.Unlock()
	}
}

// Notify wakes every Listen call currently waiting on any of
// subscriptionIDs. A full or absent waiter channel is simply skipped: the
// waiter either already has a pending wakeup or isn't there to receive one.
func (n *Notifier) Notify(subscriptionIDs []string) {
	n.mu.Lock()
	fired := map[chan struct{}]struct{}{}
	for _, id := range subscriptionIDs {
		for ch := range n.waiters[id] {
			fired[ch] = struct{}{}
		}
	}
	n.mu.Unlock()
	for ch := range fired {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// clientRegistry tracks the last ping time seen from each client, for TTL
// eviction.
type clientRegistry struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{lastSeen: map[string]time.Time{}}
}

func (r *clientRegistry) ping(clientID string) {
	r.mu.Lock()
	r.lastSeen[clientID] = time.Now()
	r.mu.Unlock()
}

func (r *clientRegistry) forget(clientID string) {
	r.mu.Lock()
	delete(r.lastSeen, clientID)
	r.mu.Unlock()
}

func (r *clientRegistry) expired(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for clientID, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			ids = append(ids, clientID)
		}
	}
	return ids
}

// Manager serves listen/confirm and runs the client eviction sweeper.
type Manager struct {
	client        API
	tableName     string
	queue         Queue
	notifier      *Notifier
	clients       *clientRegistry
	clientTTL     time.Duration
	waitTimeout   time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger

	onListen func(queueDepth int)
	onEvict  func()

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSweepInterval overrides the default eviction sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithListenHook registers a callback invoked with the number of pending
// rows each Listen call returns, for queue-depth observability (spec §5).
func WithListenHook(f func(queueDepth int)) Option {
	return func(m *Manager) { m.onListen = f }
}

// WithEvictionHook registers a callback invoked once per client the TTL
// sweeper reclaims (spec §5).
func WithEvictionHook(f func()) Option {
	return func(m *Manager) { m.onEvict = f }
}

// New constructs a Manager. clientTTL is how long a client may go without
// a ping before its subscriptions are reclaimed; waitTimeout is the
// nominal long-poll wait (spec §4.6: "nominal 20 s").
func New(client API, tableName string, q Queue, notifier *Notifier, clientTTL, waitTimeout time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:        client,
		tableName:     tableName,
		queue:         q,
		notifier:      notifier,
		clients:       newClientRegistry(),
		clientTTL:     clientTTL,
		waitTimeout:   waitTimeout,
		sweepInterval: clientTTL / 2,
		logger:        logger,
		stopChan:      make(chan struct{}),
		stoppedChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Listen records the client's ping, returns pending updates immediately if
// any exist for the client's subscriptions, and otherwise blocks until
// either a matching write arrives, the long-poll wait elapses, or ctx is
// cancelled (the client disconnected) — in which case the queue is left
// untouched, per spec §5's cancellation semantics.
func (m *Manager) Listen(ctx context.Context, clientID string) ([]queue.Entry, error) {
	m.clients.ping(clientID)

	subscriptionIDs, err := m.queue.ListSubscriptionsForClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(subscriptionIDs) == 0 {
		select {
		case <-time.After(m.waitTimeout):
			m.recordListen(0)
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entries, err := m.queue.Pending(ctx, subscriptionIDs)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		m.recordListen(len(entries))
		return entries, nil
	}

	ch, cancel := m.notifier.register(subscriptionIDs)
	defer cancel()

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	entries, err = m.queue.Pending(ctx, subscriptionIDs)
	if err != nil {
		return nil, err
	}
	m.recordListen(len(entries))
	return entries, nil
}

func (m *Manager) recordListen(queueDepth int) {
	if m.onListen != nil {
		m.onListen(queueDepth)
	}
}

// Confirm acknowledges delivered rows by the RowIDs a prior Listen call
// returned.
func (m *Manager) Confirm(ctx context.Context, updateIDs []string) error {
	return m.queue.Confirm(ctx, updateIDs)
}

// Start launches the background eviction sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("starting client eviction sweeper", zap.Duration("interval", m.sweepInterval), zap.Duration("ttl", m.clientTTL))
	go m.sweepLoop(ctx)
}

// Stop gracefully stops the sweeper, waiting for the current sweep (if
// any) to finish.
func (m *Manager) Stop() {
	close(m.stopChan)
	<-m.stoppedChan
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.stoppedChan)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepExpiredClients(ctx)
		}
	}
}

func (m *Manager) sweepExpiredClients(ctx context.Context) {
	for _, clientID := range m.clients.expired(m.clientTTL) {
		if err := m.EvictClient(ctx, clientID); err != nil {
			m.logger.Error("client eviction failed", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		m.clients.forget(clientID)
		if m.onEvict != nil {
			m.onEvict()
		}
	}
}

// EvictClient reclaims every subscription a client owns — its
// client_subscriptions row, its basic/simple/composite bucket rows, and
// its update_queues rows — across one or more TransactWriteItems calls
// (spec §5: "reclaimed by a background sweeper ... safe to run
// concurrently with writes"). Each subscription's bucket rows are deleted
// by the keys recorded on its client_subscriptions row at subscribe time
// (internal/subscription), so eviction needs no reverse scan of the
// bucket tables.
func (m *Manager) EvictClient(ctx context.Context, clientID string) error {
	subscriptionIDs, err := m.queue.ListSubscriptionsForClient(ctx, clientID)
	if err != nil {
		return err
	}

	var items []types.TransactWriteItem
	for _, subscriptionID := range subscriptionIDs {
		rowItems, err := m.evictionItemsForSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		items = append(items, rowItems...)

		queueItems, err := m.queue.TransactDeleteItemsForSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		items = append(items, queueItems...)
	}

	for _, chunk := range chunkTransactItems(items, maxTransactItems) {
		if _, err := m.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: chunk}); err != nil {
			return apperrors.NewBackendUnavailable("evict client", err)
		}
	}
	return nil
}

func (m *Manager) evictionItemsForSubscription(ctx context.Context, subscriptionID string) ([]types.TransactWriteItem, error) {
	row, err := m.getClientSubscriptionRow(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	items := []types.TransactWriteItem{{Delete: &types.Delete{
		TableName: aws.String(m.tableName),
		Key: map[string]types.AttributeValue{
			"PK": row["PK"],
			"SK": row["SK"],
		},
	}}}

	var encoded string
	if v, ok := row["DeleteKeys"].(*types.AttributeValueMemberS); ok {
		encoded = v.Value
	}
	keys, err := subscription.DecodeKeys(encoded)
	if err != nil {
		return nil, apperrors.NewInternal("decode subscription delete keys", err)
	}
	for _, k := range keys {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(m.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: k.PK},
				"SK": &types.AttributeValueMemberS{Value: k.SK},
			},
		}})
	}
	return items, nil
}

func (m *Manager) getClientSubscriptionRow(ctx context.Context, subscriptionID string) (map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(m.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": "PK"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: "CLIENTSUB#" + subscriptionID}},
	}
	out, err := m.client.Query(ctx, in)
	if err != nil {
		return nil, apperrors.NewBackendUnavailable("query client subscription row", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return out.Items[0], nil
}

func chunkTransactItems(items []types.TransactWriteItem, size int) [][]types.TransactWriteItem {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]types.TransactWriteItem
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
