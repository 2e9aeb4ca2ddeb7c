package listen_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docucore/internal/listen"
	"docucore/internal/queue"
	"docucore/internal/subscription"
)

type fakeQueue struct {
	mu            sync.Mutex
	subscriptions map[string][]string // clientID -> subscription ids
	pending       map[string][]queue.Entry
	confirmed     []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{subscriptions: map[string][]string{}, pending: map[string][]queue.Entry{}}
}

func (q *fakeQueue) ListSubscriptionsForClient(ctx context.Context, clientID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subscriptions[clientID], nil
}

func (q *fakeQueue) Pending(ctx context.Context, subscriptionIDs []string) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Entry
	for _, id := range subscriptionIDs {
		out = append(out, q.pending[id]...)
	}
	return out, nil
}

func (q *fakeQueue) Confirm(ctx context.Context, rowIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.confirmed = append(q.confirmed, rowIDs...)
	return nil
}

func (q *fakeQueue) TransactDeleteItemsForSubscription(ctx context.Context, subscriptionID string) ([]types.TransactWriteItem, error) {
	return nil, nil
}

func (q *fakeQueue) addPending(subscriptionID string, e queue.Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[subscriptionID] = append(q.pending[subscriptionID], e)
}

type fakeAPI struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue
	calls [][]types.TransactWriteItem
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]map[string]types.AttributeValue{}}
}

func (f *fakeAPI) put(item map[string]types.AttributeValue) {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	if f.items[pk] == nil {
		f.items[pk] = map[string]map[string]types.AttributeValue{}
	}
	f.items[pk][sk] = item
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for _, item := range f.items[pk] {
		out = append(out, item)
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in.TransactItems)
	for _, item := range in.TransactItems {
		if item.Delete == nil {
			continue
		}
		pk := item.Delete.Key["PK"].(*types.AttributeValueMemberS).Value
		sk := item.Delete.Key["SK"].(*types.AttributeValueMemberS).Value
		delete(f.items[pk], sk)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestListenReturnsImmediatelyWhenPending(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-1"}
	q.addPending("sub-1", queue.Entry{SubscriptionID: "sub-1", DocumentBytes: []byte("v1"), UpdateID: "u1"})

	m := listen.New(newFakeAPI(), "documents", q, listen.NewNotifier(), time.Minute, 50*time.Millisecond, zap.NewNop())
	entries, err := m.Listen(context.Background(), "client-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestListenTimesOutWithNoUpdate(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-1"}

	m := listen.New(newFakeAPI(), "documents", q, listen.NewNotifier(), time.Minute, 30*time.Millisecond, zap.NewNop())
	start := time.Now()
	entries, err := m.Listen(context.Background(), "client-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestListenWakesOnNotify(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-1"}
	notifier := listen.NewNotifier()

	m := listen.New(newFakeAPI(), "documents", q, notifier, time.Minute, 5*time.Second, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		entries, err := m.Listen(context.Background(), "client-a")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	q.addPending("sub-1", queue.Entry{SubscriptionID: "sub-1", DocumentBytes: []byte("v1"), UpdateID: "u1"})
	notifier.Notify([]string{"sub-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listen did not wake up on notify")
	}
}

func TestListenReturnsOnContextCancellation(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-1"}

	m := listen.New(newFakeAPI(), "documents", q, listen.NewNotifier(), time.Minute, 5*time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Listen(ctx, "client-a")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("listen did not return on cancellation")
	}
}

func TestConfirmDelegatesToQueue(t *testing.T) {
	q := newFakeQueue()
	m := listen.New(newFakeAPI(), "documents", q, listen.NewNotifier(), time.Minute, time.Second, zap.NewNop())
	require.NoError(t, m.Confirm(context.Background(), []string{"row-1", "row-2"}))
	assert.Equal(t, []string{"row-1", "row-2"}, q.confirmed)
}

func TestEvictClientDeletesSubscriptionRowAndBucketRows(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-1"}
	api := newFakeAPI()

	deleteKeys, err := subscription.EncodeKeys([]subscription.Key{{PK: "BASICCOL#/#users", SK: "SUB#sub-1"}})
	require.NoError(t, err)
	api.put(map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: "CLIENTSUB#sub-1"},
		"SK":         &types.AttributeValueMemberS{Value: "CLIENTSUB#sub-1"},
		"DeleteKeys": &types.AttributeValueMemberS{Value: deleteKeys},
	})
	api.put(map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "BASICCOL#/#users"},
		"SK": &types.AttributeValueMemberS{Value: "SUB#sub-1"},
	})

	m := listen.New(api, "documents", q, listen.NewNotifier(), time.Minute, time.Second, zap.NewNop())
	require.NoError(t, m.EvictClient(context.Background(), "client-a"))

	assert.Empty(t, api.items["CLIENTSUB#sub-1"])
	assert.Empty(t, api.items["BASICCOL#/#users"])
}

func TestEvictClientToleratesMissingClientSubscriptionRow(t *testing.T) {
	q := newFakeQueue()
	q.subscriptions["client-a"] = []string{"sub-ghost"}
	m := listen.New(newFakeAPI(), "documents", q, listen.NewNotifier(), time.Minute, time.Second, zap.NewNop())
	require.NoError(t, m.EvictClient(context.Background(), "client-a"))
}
