package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/store"
)

// fakeClient records calls in memory.
type fakeClient struct {
	mu      sync.Mutex
	stream  []map[string]interface{}
	maxLen  int64
	hash    map[string]interface{}
	failing error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{hash: make(map[string]interface{})}
}

func (f *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return redis.NewStringResult("", f.failing)
	}
	f.stream = append(f.stream, a.Values.(map[string]interface{}))
	f.maxLen = a.MaxLen
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return redis.NewIntResult(0, f.failing)
	}
	for i := 0; i+1 < len(values); i += 2 {
		f.hash[values[i].(string)] = values[i+1]
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash = make(map[string]interface{})
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func (f *fakeClient) streamLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stream)
}

func testConfig() Config {
	return Config{
		Stream:       "smartpantry:transactions",
		InventoryKey: "smartpantry:inventory",
		StreamMaxLen: 100,
	}
}

func tx(id int64, identity string, delta int) store.Transaction {
	return store.Transaction{
		ID:         id,
		SessionID:  "s1",
		Identity:   identity,
		Delta:      delta,
		FrameIndex: id * 10,
		FromRegion: "LEFT",
		ToRegion:   "RIGHT",
		Kind:       store.KindCrossing,
		Timestamp:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMirror_WritesStreamAndHash(t *testing.T) {
	client := newFakeClient()
	m := New(client, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Publish(tx(1, "apple", 1), ledger.Entry{Identity: "apple", Count: 1, InInventory: true})
	m.Publish(tx(2, "milk", 1), ledger.Entry{Identity: "milk", Count: 1, InInventory: true})
	m.Publish(tx(3, "apple", -1), ledger.Entry{Identity: "apple", Count: 0})

	waitFor(t, func() bool { return client.streamLen() == 3 })
	cancel()
	<-done

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, int64(100), client.maxLen)
	assert.Equal(t, "apple", client.stream[0]["identity"])
	assert.Equal(t, "-1", client.stream[2]["delta"])
	assert.Equal(t, "0", client.stream[2]["count"])
	assert.Equal(t, "2026-05-04T09:00:00Z", client.stream[0]["timestamp"])
	assert.Equal(t, 0, client.hash["apple"])
	assert.Equal(t, 1, client.hash["milk"])

	written, failed, dropped := m.Stats()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestMirror_FailuresAreCounted(t *testing.T) {
	client := newFakeClient()
	client.failing = errors.New("connection refused")
	m := New(client, testConfig())

	m.Publish(tx(1, "apple", 1), ledger.Entry{Identity: "apple", Count: 1})

	// A cancelled context only drains what is queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	_, failed, _ := m.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestMirror_PublishNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer = 2
	m := New(newFakeClient(), cfg)

	for i := int64(1); i <= 5; i++ {
		m.Publish(tx(i, "apple", 1), ledger.Entry{Identity: "apple", Count: int(i)})
	}

	_, _, dropped := m.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestMirror_Sync(t *testing.T) {
	client := newFakeClient()
	client.hash["stale"] = 4
	m := New(client, testConfig())

	require.NoError(t, m.Sync(context.Background(), []ledger.Entry{
		{Identity: "apple", Count: 1, InInventory: true},
		{Identity: "milk", Count: 2, InInventory: true},
	}))

	assert.Equal(t, map[string]interface{}{"apple": 1, "milk": 2}, client.hash)

	require.NoError(t, m.Sync(context.Background(), nil))
	assert.Empty(t, client.hash)

	require.NoError(t, m.Close())
	assert.True(t, client.closed)
}
