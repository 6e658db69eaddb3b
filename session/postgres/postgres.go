// Package postgres implements the session store over PostgreSQL, with
// tsvector full-text search across message content.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelsec/watchtower"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithBcryptCost sets the bcrypt work factor for new password hashes.
func WithBcryptCost(cost int) StoreOption {
	return func(s *Store) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// WithTokenTTL bounds the lifetime of bearer tokens. Zero means tokens
// never expire.
func WithTokenTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.tokenTTL = ttl }
}

// Store keeps users, sessions, and messages in PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	bcryptCost int
	tokenTTL   time.Duration
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: watchtower.NopLogger, bcryptCost: bcrypt.DefaultCost}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			last_login_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		// empty email stays shareable for system accounts
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users(email) WHERE email <> ''`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS tokens_user_idx ON tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Users ---

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, email, password, displayName string) (watchtower.User, error) {
	if username == "" || password == "" {
		return watchtower.User{}, watchtower.E(watchtower.KindBadInput, "session.CreateUser",
			"username and password are required", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return watchtower.User{}, fmt.Errorf("postgres: hash password: %w", err)
	}
	u := watchtower.User{
		ID:           watchtower.NewID(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Active:       true,
		CreatedAt:    watchtower.NowUnix(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, active, admin, created_at, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, 0)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			field := "username"
			if strings.Contains(pgErr.ConstraintName, "email") {
				field = "email"
			}
			return watchtower.User{}, watchtower.E(watchtower.KindConflict, "session.CreateUser",
				field+" already taken", nil)
		}
		return watchtower.User{}, fmt.Errorf("postgres: create user: %w", err)
	}
	s.logger.Info("session: user created", "username", username)
	return u, nil
}

var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("watchtower-dummy"), bcrypt.DefaultCost)
	return h
}()

// Authenticate verifies credentials. Unknown usernames and wrong passwords
// fail identically with KindAuthFailed.
func (s *Store) Authenticate(ctx context.Context, username, password string) (watchtower.User, error) {
	authErr := watchtower.E(watchtower.KindAuthFailed, "session.Authenticate", "invalid credentials", nil)

	u, err := s.scanUser(s.pool.QueryRow(ctx, userColumns+` WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return watchtower.User{}, authErr
		}
		return watchtower.User{}, err
	}
	if !u.Active {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return watchtower.User{}, authErr
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return watchtower.User{}, authErr
	}

	u.LastLoginAt = watchtower.NowUnix()
	_, _ = s.pool.Exec(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, u.LastLoginAt, u.ID)
	return u, nil
}

// UserByUsername returns a user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (watchtower.User, error) {
	u, err := s.scanUser(s.pool.QueryRow(ctx, userColumns+` WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindNotFound, "session.UserByUsername", "user not found", nil)
	}
	return u, err
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (watchtower.User, error) {
	u, err := s.scanUser(s.pool.QueryRow(ctx, userColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindNotFound, "session.GetUser", "user not found", nil)
	}
	return u, err
}

// SetAdmin grants or revokes the admin flag.
func (s *Store) SetAdmin(ctx context.Context, id string, admin bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET admin = $1 WHERE id = $2`, admin, id)
	if err != nil {
		return fmt.Errorf("postgres: set admin: %w", err)
	}
	return nil
}

const userColumns = `SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at FROM users`

func (s *Store) scanUser(row pgx.Row) (watchtower.User, error) {
	var u watchtower.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.Active, &u.Admin, &u.CreatedAt, &u.LastLoginAt)
	return u, err
}

// --- Auth tokens ---

// CreateToken issues an opaque bearer token for the user.
func (s *Store) CreateToken(ctx context.Context, userID string) (string, error) {
	token := watchtower.NewID() + watchtower.NewID()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (token, user_id, created_at) VALUES ($1, $2, $3)`,
		token, userID, watchtower.NowUnix(),
	)
	if err != nil {
		return "", fmt.Errorf("postgres: create token: %w", err)
	}
	return token, nil
}

// UserForToken resolves a bearer token to its user. Unknown and expired
// tokens both fail with AuthFailed; expired rows are dropped on the way out.
func (s *Store) UserForToken(ctx context.Context, token string) (watchtower.User, error) {
	var userID string
	var createdAt int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, created_at FROM tokens WHERE token = $1`, token).Scan(&userID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindAuthFailed, "session.UserForToken", "invalid token", nil)
	}
	if err != nil {
		return watchtower.User{}, fmt.Errorf("postgres: resolve token: %w", err)
	}
	if s.tokenTTL > 0 && time.Unix(createdAt, 0).Add(s.tokenTTL).Before(time.Now()) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM tokens WHERE token = $1`, token)
		return watchtower.User{}, watchtower.E(watchtower.KindAuthFailed, "session.UserForToken", "token expired", nil)
	}
	return s.GetUser(ctx, userID)
}

// DeleteToken revokes a token. Revoking an unknown token is not an error.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("postgres: delete token: %w", err)
	}
	return nil
}

// --- Sessions ---

// CreateSession opens a new conversation for the user.
func (s *Store) CreateSession(ctx context.Context, userID, title string) (watchtower.Session, error) {
	now := watchtower.NowUnix()
	sess := watchtower.Session{
		ID:        watchtower.NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, title, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
		sess.ID, sess.UserID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return watchtower.Session{}, fmt.Errorf("postgres: create session: %w", err)
	}
	return sess, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (watchtower.Session, error) {
	var sess watchtower.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, message_count, created_at, updated_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return watchtower.Session{}, watchtower.E(watchtower.KindNotFound, "session.GetSession", "session not found", nil)
	}
	if err != nil {
		return watchtower.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]watchtower.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, message_count, created_at, updated_at
		 FROM sessions WHERE user_id = $1
		 ORDER BY updated_at DESC, id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []watchtower.Session
	for rows.Next() {
		var sess watchtower.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.MessageCount,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RenameSession updates a session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3`,
		title, watchtower.NowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watchtower.E(watchtower.KindNotFound, "session.RenameSession", "session not found", nil)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit delete: %w", err)
	}
	return nil
}

// --- Messages ---

// AppendMessage stores one message and bumps the parent session's
// updated_at and message_count in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg watchtower.StoredMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $1`, msg.SessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("postgres: next seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, thinking, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.SessionID, seq, msg.Role, msg.Content, msg.ToolCalls, msg.Thinking, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = $1 WHERE id = $2`,
		watchtower.NowUnix(), msg.SessionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: bump session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watchtower.E(watchtower.KindNotFound, "session.AppendMessage", "session not found", nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit append: %w", err)
	}
	return nil
}

// Messages returns a session's messages in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]watchtower.StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, tool_calls, thinking, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages runs tsvector full-text search across all messages of one
// user, most relevant first.
func (s *Store) SearchMessages(ctx context.Context, userID, query string, limit int) ([]watchtower.StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.session_id, m.role, m.content, m.tool_calls, m.thinking, m.created_at
		 FROM messages m
		 JOIN sessions s ON s.id = m.session_id
		 WHERE s.user_id = $1
		   AND to_tsvector('english', m.content) @@ plainto_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', m.content), plainto_tsquery('english', $2)) DESC
		 LIMIT $3`,
		userID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]watchtower.StoredMessage, error) {
	var out []watchtower.StoredMessage
	for rows.Next() {
		var m watchtower.StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCalls, &m.Thinking, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
