// Package ledger turns crossing events into durable inventory transactions
// and keeps the in-memory inventory that mirrors them.
//
// Every change is appended to the store first and reflected in memory only
// once the append has succeeded. Replays of an event already stored are
// recognised by the store's (session, identity, frame) key and never counted
// twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/store"
	"github.com/ayusman/smartpantry/internal/timeutil"
	"github.com/ayusman/smartpantry/internal/tracking"
)

var (
	// ErrOutOfOrder is returned for an event older than the last frame
	// applied for its identity.
	ErrOutOfOrder = errors.New("event is older than the last applied frame")

	// ErrAppendFailed wraps a store failure. Memory is unchanged and the
	// event may be retried.
	ErrAppendFailed = errors.New("ledger append failed")
)

// IsRetryable reports whether an Apply or Compensate error may succeed when
// retried with the same input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAppendFailed)
}

// Repository is the durable side of the ledger.
type Repository interface {
	Insert(ctx context.Context, tx *store.Transaction) error
	Balances(ctx context.Context) (map[string]int, error)
	LastFrames(ctx context.Context, sessionID string) (map[string]int64, error)
}

// Entry is the inventory state of one identity.
type Entry struct {
	Identity    string `json:"identity"`
	Count       int    `json:"count"`
	InInventory bool   `json:"in_inventory"`
}

// Observer is called after a transaction has been stored and reflected.
type Observer func(tx store.Transaction, entry Entry)

// Config configures a Ledger.
type Config struct {
	// SessionID scopes frame indices. A random one is generated when empty.
	SessionID string

	// AppendTimeout bounds each store append (default: 5s).
	AppendTimeout time.Duration

	Clock timeutil.Clock
	Log   logrus.FieldLogger
}

// Ledger is the inventory ledger for one session.
type Ledger struct {
	repo    Repository
	session string
	timeout time.Duration
	clock   timeutil.Clock
	log     logrus.FieldLogger

	mu        sync.Mutex
	counts    map[string]int
	lastFrame map[string]int64
	observers []Observer

	notifyMu sync.Mutex
}

// New creates a ledger writing to repo.
func New(repo Repository, cfg Config) *Ledger {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	return &Ledger{
		repo:      repo,
		session:   cfg.SessionID,
		timeout:   cfg.AppendTimeout,
		clock:     cfg.Clock,
		log:       logging.Component(cfg.Log, "ledger").WithField("session", cfg.SessionID),
		counts:    make(map[string]int),
		lastFrame: make(map[string]int64),
	}
}

// SessionID returns the session the ledger writes crossings under.
func (l *Ledger) SessionID() string {
	return l.session
}

// OnCommit registers an observer for reflected transactions.
func (l *Ledger) OnCommit(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

// Restore loads the inventory from the store and the last applied frame of
// each identity for this session. Call it before the first Apply.
func (l *Ledger) Restore(ctx context.Context) error {
	balances, err := l.repo.Balances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	frames, err := l.repo.LastFrames(ctx, l.session)
	if err != nil {
		return fmt.Errorf("failed to load last frames: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = balances
	l.lastFrame = frames

	l.log.WithField("identities", len(balances)).Info("inventory restored")
	return nil
}

// Apply records a crossing event. On success the returned transaction is
// durable and reflected in memory. Applying an event that is already stored
// returns the stored transaction without counting it again.
func (l *Ledger) Apply(ctx context.Context, ev tracking.CrossingEvent) (store.Transaction, error) {
	if ev.Sign != 1 && ev.Sign != -1 {
		return store.Transaction{}, fmt.Errorf("invalid direction sign %d for %s", ev.Sign, ev.Identity)
	}

	l.mu.Lock()
	last, seen := l.lastFrame[ev.Identity]
	if seen && ev.FrameIndex < last {
		l.mu.Unlock()
		return store.Transaction{}, fmt.Errorf("%w: %s at frame %d, last applied %d",
			ErrOutOfOrder, ev.Identity, ev.FrameIndex, last)
	}

	tx := store.Transaction{
		SessionID:  l.session,
		Identity:   ev.Identity,
		Delta:      ev.Sign,
		FrameIndex: ev.FrameIndex,
		FromRegion: ev.From.String(),
		ToRegion:   ev.To.String(),
		Kind:       store.KindCrossing,
		Timestamp:  l.clock.Now(),
	}

	err := l.insert(ctx, &tx)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		// Stored by an earlier attempt. Count it only if memory never saw it.
		if seen && last >= ev.FrameIndex {
			l.mu.Unlock()
			return tx, nil
		}
		l.log.WithFields(logrus.Fields{
			"identity": ev.Identity,
			"frame":    ev.FrameIndex,
		}).Info("recovered transaction stored by an earlier attempt")
	case err != nil:
		l.mu.Unlock()
		l.log.WithFields(logrus.Fields{
			"identity": ev.Identity,
			"frame":    ev.FrameIndex,
		}).WithError(err).Error("append failed, inventory unchanged")
		return store.Transaction{}, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	l.lastFrame[ev.Identity] = ev.FrameIndex
	entry := l.reflect(tx)
	l.notify(tx, entry)

	l.log.WithFields(logrus.Fields{
		"identity": ev.Identity,
		"frame":    ev.FrameIndex,
		"from":     ev.From,
		"to":       ev.To,
		"delta":    tx.Delta,
		"count":    entry.Count,
	}).Info("object moved")

	return tx, nil
}

// Compensate appends a correcting transaction for identity. History is
// never rewritten; a compensation is an ordinary append with its own key.
func (l *Ledger) Compensate(ctx context.Context, identity string, delta int, note string) (store.Transaction, error) {
	if identity == "" {
		return store.Transaction{}, errors.New("identity is required")
	}
	if delta != 1 && delta != -1 {
		return store.Transaction{}, fmt.Errorf("delta must be +1 or -1, got %d", delta)
	}

	tx := store.Transaction{
		SessionID: "compensation-" + uuid.NewString(),
		Identity:  identity,
		Delta:     delta,
		Kind:      store.KindCompensation,
		Note:      note,
		Timestamp: l.clock.Now(),
	}

	l.mu.Lock()
	if err := l.insert(ctx, &tx); err != nil {
		l.mu.Unlock()
		return store.Transaction{}, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	entry := l.reflect(tx)
	l.notify(tx, entry)

	l.log.WithFields(logrus.Fields{
		"identity": identity,
		"delta":    delta,
		"count":    entry.Count,
		"note":     note,
	}).Info("inventory compensated")

	return tx, nil
}

// Snapshot returns the inventory sorted by identity.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, 0, len(l.counts))
	for id, n := range l.counts {
		entries = append(entries, Entry{Identity: id, Count: n, InInventory: n > 0})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries
}

// Get returns the inventory entry of one identity.
func (l *Ledger) Get(identity string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.counts[identity]
	return Entry{Identity: identity, Count: n, InInventory: n > 0}
}

// InInventory reports whether identity is currently held.
func (l *Ledger) InInventory(identity string) bool {
	return l.Get(identity).InInventory
}

func (l *Ledger) insert(ctx context.Context, tx *store.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.repo.Insert(ctx, tx)
}

// reflect applies a stored transaction to memory. Caller holds l.mu.
func (l *Ledger) reflect(tx store.Transaction) Entry {
	l.counts[tx.Identity] += tx.Delta
	n := l.counts[tx.Identity]
	return Entry{Identity: tx.Identity, Count: n, InInventory: n > 0}
}

// notify releases l.mu and runs the observers in commit order.
func (l *Ledger) notify(tx store.Transaction, entry Entry) {
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)

	l.notifyMu.Lock()
	l.mu.Unlock()
	defer l.notifyMu.Unlock()

	for _, obs := range observers {
		obs(tx, entry)
	}
}
