// Package mirror copies committed ledger transactions to redis: each
// transaction is appended to a capped stream and the inventory counts are
// kept in a hash, so other services can follow the pantry without reading
// the database.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/store"
)

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Config configures a Mirror.
type Config struct {
	Stream       string
	InventoryKey string
	// StreamMaxLen caps the stream approximately; 0 leaves it unbounded.
	StreamMaxLen int64
	// Buffer is how many transactions may wait for redis (default: 256).
	Buffer int
	// WriteTimeout bounds each redis call (default: 2s).
	WriteTimeout time.Duration
	Log          logrus.FieldLogger
}

type update struct {
	tx    store.Transaction
	entry ledger.Entry
}

// Mirror writes transactions to redis in the background. Publish never
// blocks the ledger; when redis falls behind, updates are dropped and
// counted.
type Mirror struct {
	client  Client
	cfg     Config
	log     logrus.FieldLogger
	updates chan update

	mu      sync.Mutex
	dropped int64
	failed  int64
	written int64
}

// NewClient connects to redis at addr and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// New creates a mirror. Call Run to start writing.
func New(client Client, cfg Config) *Mirror {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Mirror{
		client:  client,
		cfg:     cfg,
		log:     logging.Component(cfg.Log, "mirror"),
		updates: make(chan update, cfg.Buffer),
	}
}

// Publish queues a committed transaction. Its signature matches
// ledger.Observer.
func (m *Mirror) Publish(tx store.Transaction, entry ledger.Entry) {
	select {
	case m.updates <- update{tx: tx, entry: entry}:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.log.WithField("identity", tx.Identity).Warn("redis mirror is behind, update dropped")
	}
}

// Sync replaces the inventory hash with entries.
func (m *Mirror) Sync(ctx context.Context, entries []ledger.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	if err := m.client.Del(ctx, m.cfg.InventoryKey).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", m.cfg.InventoryKey, err)
	}
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(entries))
	for _, e := range entries {
		values = append(values, e.Identity, e.Count)
	}
	if err := m.client.HSet(ctx, m.cfg.InventoryKey, values...).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.cfg.InventoryKey, err)
	}
	return nil
}

// Run writes queued updates until ctx is cancelled, then drains what is
// already queued.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case u := <-m.updates:
			m.write(ctx, u)
		case <-ctx.Done():
			m.drain()
			return nil
		}
	}
}

func (m *Mirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case u := <-m.updates:
			m.write(ctx, u)
		default:
			return
		}
	}
}

func (m *Mirror) write(ctx context.Context, u update) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: m.cfg.Stream,
		Values: streamValues(u.tx, u.entry),
	}
	if m.cfg.StreamMaxLen > 0 {
		args.MaxLen = m.cfg.StreamMaxLen
		args.Approx = true
	}

	err := errors.Join(
		m.client.XAdd(ctx, args).Err(),
		m.client.HSet(ctx, m.cfg.InventoryKey, u.entry.Identity, u.entry.Count).Err(),
	)

	m.mu.Lock()
	if err != nil {
		m.failed++
	} else {
		m.written++
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithFields(logrus.Fields{
			"identity": u.tx.Identity,
			"id":       u.tx.ID,
		}).WithError(err).Warn("failed to mirror transaction")
	}
}

// Stats returns how many updates were written, failed and dropped.
func (m *Mirror) Stats() (written, failed, dropped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written, m.failed, m.dropped
}

// Close closes the redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

func streamValues(tx store.Transaction, entry ledger.Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":          strconv.FormatInt(tx.ID, 10),
		"session_id":  tx.SessionID,
		"identity":    tx.Identity,
		"delta":       strconv.Itoa(tx.Delta),
		"frame_index": strconv.FormatInt(tx.FrameIndex, 10),
		"from_region": tx.FromRegion,
		"to_region":   tx.ToRegion,
		"kind":        string(tx.Kind),
		"note":        tx.Note,
		"timestamp":   tx.Timestamp.UTC().Format(time.RFC3339Nano),
		"count":       strconv.Itoa(entry.Count),
	}
}
