// Package session persists operator accounts, chat sessions, and messages
// in SQLite, with full-text search over message content.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelsec/watchtower"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
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

// Store keeps users, sessions, and messages in a local SQLite file.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	bcryptCost int
	tokenTTL   time.Duration
}

// New creates a Store over a local SQLite file at dbPath. A single shared
// connection serializes writers and avoids SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("session: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: watchtower.NopLogger, bcryptCost: bcrypt.DefaultCost}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("session: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			admin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_login_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		// empty email stays shareable for system accounts
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, content)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("session: init: %w", err)
		}
	}
	s.logger.Info("session: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Users ---

// CreateUser registers a new account. The password is bcrypt-hashed before
// it touches disk.
func (s *Store) CreateUser(ctx context.Context, username, email, password, displayName string) (watchtower.User, error) {
	if username == "" || password == "" {
		return watchtower.User{}, watchtower.E(watchtower.KindBadInput, "session.CreateUser",
			"username and password are required", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return watchtower.User{}, fmt.Errorf("session: hash password: %w", err)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, active, admin, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, 0)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			field := "username"
			if strings.Contains(err.Error(), "users.email") {
				field = "email"
			}
			return watchtower.User{}, watchtower.E(watchtower.KindConflict, "session.CreateUser",
				field+" already taken", nil)
		}
		return watchtower.User{}, fmt.Errorf("session: create user: %w", err)
	}
	s.logger.Info("session: user created", "username", username)
	return u, nil
}

// dummyHash keeps Authenticate's failure path doing a real bcrypt compare
// whether or not the username exists, so the two cases are indistinguishable
// to a caller timing responses.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("watchtower-dummy"), bcrypt.DefaultCost)
	return h
}()

// Authenticate verifies credentials. Unknown usernames and wrong passwords
// fail identically with KindAuthFailed.
func (s *Store) Authenticate(ctx context.Context, username, password string) (watchtower.User, error) {
	authErr := watchtower.E(watchtower.KindAuthFailed, "session.Authenticate", "invalid credentials", nil)

	u, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	_, _ = s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, u.LastLoginAt, u.ID)
	return u, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (watchtower.User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindNotFound, "session.GetUser", "user not found", nil)
	}
	return u, err
}

// SetAdmin grants or revokes the admin flag.
func (s *Store) SetAdmin(ctx context.Context, id string, admin bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET admin = ? WHERE id = ?`, boolToInt(admin), id)
	if err != nil {
		return fmt.Errorf("session: set admin: %w", err)
	}
	return nil
}

// UserByUsername returns a user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (watchtower.User, error) {
	u, err := s.userByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindNotFound, "session.UserByUsername", "user not found", nil)
	}
	return u, err
}

const userColumns = `SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at FROM users`

func (s *Store) userByUsername(ctx context.Context, username string) (watchtower.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE username = ?`, username))
}

func (s *Store) scanUser(row *sql.Row) (watchtower.User, error) {
	var u watchtower.User
	var active, admin int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&active, &admin, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		return watchtower.User{}, err
	}
	u.Active = active != 0
	u.Admin = admin != 0
	return u, nil
}

// --- Auth tokens ---

// CreateToken issues an opaque bearer token for the user.
func (s *Store) CreateToken(ctx context.Context, userID string) (string, error) {
	token := watchtower.NewID() + watchtower.NewID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, created_at) VALUES (?, ?, ?)`,
		token, userID, watchtower.NowUnix(),
	)
	if err != nil {
		return "", fmt.Errorf("session: create token: %w", err)
	}
	return token, nil
}

// UserForToken resolves a bearer token to its user. Unknown and expired
// tokens both fail with AuthFailed; expired rows are dropped on the way out.
func (s *Store) UserForToken(ctx context.Context, token string) (watchtower.User, error) {
	var userID string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, created_at FROM tokens WHERE token = ?`, token).Scan(&userID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return watchtower.User{}, watchtower.E(watchtower.KindAuthFailed, "session.UserForToken", "invalid token", nil)
	}
	if err != nil {
		return watchtower.User{}, fmt.Errorf("session: resolve token: %w", err)
	}
	if s.tokenTTL > 0 && time.Unix(createdAt, 0).Add(s.tokenTTL).Before(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
		return watchtower.User{}, watchtower.E(watchtower.KindAuthFailed, "session.UserForToken", "token expired", nil)
	}
	return s.GetUser(ctx, userID)
}

// DeleteToken revokes a token. Revoking an unknown token is not an error.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("session: delete token: %w", err)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return watchtower.Session{}, fmt.Errorf("session: create session: %w", err)
	}
	return sess, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (watchtower.Session, error) {
	var sess watchtower.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, message_count, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return watchtower.Session{}, watchtower.E(watchtower.KindNotFound, "session.GetSession", "session not found", nil)
	}
	if err != nil {
		return watchtower.Session{}, fmt.Errorf("session: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]watchtower.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, message_count, created_at, updated_at
		 FROM sessions WHERE user_id = ?
		 ORDER BY updated_at DESC, id
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	var out []watchtower.Session
	for rows.Next() {
		var sess watchtower.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.MessageCount,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("session: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RenameSession updates a session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, watchtower.NowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("session: rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return watchtower.E(watchtower.KindNotFound, "session.RenameSession", "session not found", nil)
	}
	return nil
}

// DeleteSession removes a session, its messages, and their FTS entries.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`, id); err != nil {
		return fmt.Errorf("session: delete message fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("session: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("session: delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit delete: %w", err)
	}
	s.logger.Debug("session: session deleted", "id", id)
	return nil
}

// --- Messages ---

// AppendMessage stores one message and bumps the parent session's
// updated_at and message_count in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg watchtower.StoredMessage) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("session: next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, thinking, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, msg.Role, msg.Content, msg.ToolCalls, msg.Thinking, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("session: insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts (message_id, content) VALUES (?, ?)`, msg.ID, msg.Content); err != nil {
		return fmt.Errorf("session: insert message fts: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		watchtower.NowUnix(), msg.SessionID,
	)
	if err != nil {
		return fmt.Errorf("session: bump session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return watchtower.E(watchtower.KindNotFound, "session.AppendMessage", "session not found", nil)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit append: %w", err)
	}
	s.logger.Debug("session: message appended",
		"session", msg.SessionID, "role", msg.Role, "duration", time.Since(start))
	return nil
}

// Messages returns a session's messages in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]watchtower.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, thinking, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session: load messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages runs FTS5 full-text search across all messages of one user,
// newest first.
func (s *Store) SearchMessages(ctx context.Context, userID, query string, limit int) ([]watchtower.StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.role, m.content, m.tool_calls, m.thinking, m.created_at
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.message_id
		 JOIN sessions s ON s.id = m.session_id
		 WHERE messages_fts MATCH ? AND s.user_id = ?
		 ORDER BY f.rank
		 LIMIT ?`,
		query, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session: search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]watchtower.StoredMessage, error) {
	var out []watchtower.StoredMessage
	for rows.Next() {
		var m watchtower.StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCalls, &m.Thinking, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects a UNIQUE constraint failure from the pure-Go
// sqlite driver, which reports it only through the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
