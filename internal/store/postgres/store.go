package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS clinic_sessions (
	session_id  TEXT PRIMARY KEY,
	doctor_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     BIGINT NOT NULL DEFAULT 0,
	document    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS clinic_sessions_status_idx ON clinic_sessions (status);
`

// Store persists each session as a JSONB document, with status and version
// lifted into columns for listing. Updates lock the row with FOR UPDATE.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.SessionStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the sessions table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM clinic_sessions WHERE session_id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, err
	}
	return decodeDocument(raw)
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO clinic_sessions (session_id, doctor_id, status, version, document)
		VALUES ($1, $2, $3, $4, $5)`,
		session.SessionID, session.DoctorID, string(session.Status), session.Version, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", session.SessionID, status.ErrSessionExists)
	}
	return err
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn store.UpdateFunc) (result models.Session, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT document FROM clinic_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
		return models.Session{}, err
	}
	if err != nil {
		return models.Session{}, err
	}
	session, err := decodeDocument(raw)
	if err != nil {
		return models.Session{}, err
	}
	if err = fn(&session); err != nil {
		return models.Session{}, err
	}
	doc, err := json.Marshal(session)
	if err != nil {
		return models.Session{}, fmt.Errorf("encode session: %w", err)
	}
	if _, err = tx.Exec(ctx, `
		UPDATE clinic_sessions
		SET status = $2, version = $3, document = $4, updated_at = now()
		WHERE session_id = $1`,
		sessionID, string(session.Status), session.Version, doc); err != nil {
		return models.Session{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) ListSessionIDs(ctx context.Context, st models.SessionStatus) ([]string, error) {
	query := `SELECT session_id FROM clinic_sessions ORDER BY session_id`
	args := []any{}
	if st != "" {
		query = `SELECT session_id FROM clinic_sessions WHERE status = $1 ORDER BY session_id`
		args = append(args, string(st))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodeDocument(raw []byte) (models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return models.Session{}, fmt.Errorf("decode session document: %w", err)
	}
	return session, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
