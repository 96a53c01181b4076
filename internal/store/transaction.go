package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by Insert when a transaction with the same
// session, identity and frame index is already stored.
var ErrDuplicate = errors.New("duplicate transaction")

// Kind separates transactions derived from crossings from manual corrections.
type Kind string

const (
	// KindCrossing is a transaction written for a detected region crossing.
	KindCrossing Kind = "crossing"
	// KindCompensation is a manual correction of the inventory.
	KindCompensation Kind = "compensation"
)

// Transaction is one immutable row of the inventory ledger.
type Transaction struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Identity   string    `db:"identity" json:"identity"`
	Delta      int       `db:"delta" json:"delta"`
	FrameIndex int64     `db:"frame_index" json:"frame_index"`
	FromRegion string    `db:"from_region" json:"from_region,omitempty"`
	ToRegion   string    `db:"to_region" json:"to_region,omitempty"`
	Kind       Kind      `db:"kind" json:"kind"`
	Note       string    `db:"note" json:"note,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
}

// Filter narrows a transaction query. Zero fields do not filter.
type Filter struct {
	Identity  string
	SessionID string
	Kind      Kind
	From      time.Time // inclusive
	To        time.Time // exclusive
	AfterID   int64
	Limit     int
}

// TransactionRepository provides append and read access to the ledger.
// There is no update or delete: corrections are new transactions.
type TransactionRepository struct {
	s *Store
}

// Transactions returns the transaction repository for this store.
func (s *Store) Transactions() *TransactionRepository {
	return &TransactionRepository{s: s}
}

const transactionColumns = `id, session_id, identity, delta, frame_index, from_region, to_region, kind, note, timestamp`

const queryInsertTransaction = `
	INSERT INTO transactions (session_id, identity, delta, frame_index, from_region, to_region, kind, note, timestamp)
	VALUES (:session_id, :identity, :delta, :frame_index, :from_region, :to_region, :kind, :note, :timestamp)
	ON CONFLICT (session_id, identity, frame_index) DO NOTHING
	RETURNING id`

// Insert appends tx and sets its ID. If the (session, identity, frame)
// key is already stored, tx is overwritten with the stored row and
// ErrDuplicate is returned. A nil error means the row is durable.
func (r *TransactionRepository) Insert(ctx context.Context, tx *Transaction) error {
	if tx.Delta != 1 && tx.Delta != -1 {
		return fmt.Errorf("invalid delta %d", tx.Delta)
	}
	if tx.Kind == "" {
		tx.Kind = KindCrossing
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}
	tx.Timestamp = tx.Timestamp.UTC()

	query, args, err := sqlx.Named(queryInsertTransaction, map[string]any{
		"session_id":  tx.SessionID,
		"identity":    tx.Identity,
		"delta":       tx.Delta,
		"frame_index": tx.FrameIndex,
		"from_region": tx.FromRegion,
		"to_region":   tx.ToRegion,
		"kind":        string(tx.Kind),
		"note":        tx.Note,
		"timestamp":   r.s.dbTime(tx.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	query = r.s.db.Rebind(query)

	var id int64
	err = r.s.db.QueryRowxContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetByKey(ctx, tx.SessionID, tx.Identity, tx.FrameIndex)
		if getErr != nil {
			return fmt.Errorf("failed to load conflicting transaction: %w", getErr)
		}
		*tx = *existing
		return ErrDuplicate
	}
	if err != nil {
		r.s.log.WithFields(logrus.Fields{
			"identity": tx.Identity,
			"frame":    tx.FrameIndex,
			"error":    err.Error(),
		}).Error("Database error when inserting transaction")
		return err
	}

	tx.ID = id
	return nil
}

// GetByID retrieves a transaction by its ID.
func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
}

// GetByKey retrieves the transaction stored for a session, identity and frame.
func (r *TransactionRepository) GetByKey(ctx context.Context, sessionID, identity string, frameIndex int64) (*Transaction, error) {
	return r.getOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE session_id = ? AND identity = ? AND frame_index = ?`,
		sessionID, identity, frameIndex,
	)
}

func (r *TransactionRepository) getOne(ctx context.Context, query string, args ...any) (*Transaction, error) {
	var tx Transaction
	if err := r.s.db.GetContext(ctx, &tx, r.s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, nil
}

// Query returns the transactions matching f in append order.
func (r *TransactionRepository) Query(ctx context.Context, f Filter) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, r.s.dbTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, r.s.dbTime(f.To))
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	txs := []Transaction{}
	if err := r.s.db.SelectContext(ctx, &txs, r.s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	for i := range txs {
		txs[i].Timestamp = txs[i].Timestamp.UTC()
	}
	return txs, nil
}

// ByIdentity returns every transaction of an identity in append order.
func (r *TransactionRepository) ByIdentity(ctx context.Context, identity string) ([]Transaction, error) {
	return r.Query(ctx, Filter{Identity: identity})
}

// ByTimeRange returns the transactions with from <= timestamp < to.
func (r *TransactionRepository) ByTimeRange(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	return r.Query(ctx, Filter{From: from, To: to})
}

// Balances returns the net delta per identity over the whole ledger.
func (r *TransactionRepository) Balances(ctx context.Context) (map[string]int, error) {
	rows, err := r.s.db.QueryxContext(ctx,
		`SELECT identity, SUM(delta) AS balance FROM transactions GROUP BY identity`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int)
	for rows.Next() {
		var (
			identity string
			balance  int
		)
		if err := rows.Scan(&identity, &balance); err != nil {
			return nil, err
		}
		balances[identity] = balance
	}
	return balances, rows.Err()
}

// LastFrames returns the highest stored frame index per identity for a session.
func (r *TransactionRepository) LastFrames(ctx context.Context, sessionID string) (map[string]int64, error) {
	rows, err := r.s.db.QueryxContext(ctx, r.s.db.Rebind(
		`SELECT identity, MAX(frame_index) FROM transactions
		 WHERE session_id = ? AND kind = ? GROUP BY identity`),
		sessionID, string(KindCrossing),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load last frames: %w", err)
	}
	defer rows.Close()

	frames := make(map[string]int64)
	for rows.Next() {
		var (
			identity string
			frame    int64
		)
		if err := rows.Scan(&identity, &frame); err != nil {
			return nil, err
		}
		frames[identity] = frame
	}
	return frames, rows.Err()
}

// Count returns the number of stored transactions.
func (r *TransactionRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions`); err != nil {
		return 0, err
	}
	return n, nil
}
