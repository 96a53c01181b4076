package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session is one run of the frame stream. Frame indices are unique only
// within a session.
type Session struct {
	ID        string    `db:"id" json:"id"`
	Source    string    `db:"source" json:"source"`
	Scheme    string    `db:"scheme" json:"scheme"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
}

// SessionRepository records the runs that wrote to the ledger.
type SessionRepository struct {
	s *Store
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{s: s}
}

// Begin records a session. Beginning an existing session again (a resumed
// run) keeps the original row.
func (r *SessionRepository) Begin(ctx context.Context, sess *Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	sess.StartedAt = sess.StartedAt.UTC()

	_, err := r.s.db.ExecContext(ctx, r.s.db.Rebind(
		`INSERT INTO sessions (id, source, scheme, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		sess.ID, sess.Source, sess.Scheme, r.s.dbTime(sess.StartedAt),
	)
	return err
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := r.s.db.GetContext(ctx, &sess, r.s.db.Rebind(
		`SELECT id, source, scheme, started_at FROM sessions WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	return &sess, nil
}

// List returns all sessions, most recent first.
func (r *SessionRepository) List(ctx context.Context) ([]Session, error) {
	sessions := []Session{}
	if err := r.s.db.SelectContext(ctx, &sessions,
		`SELECT id, source, scheme, started_at FROM sessions ORDER BY started_at DESC, id`); err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].StartedAt = sessions[i].StartedAt.UTC()
	}
	return sessions, nil
}
