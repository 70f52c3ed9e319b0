package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	sqlite "modernc.org/sqlite"

	"chatline/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle. It holds accounts and, unless the Badger
// backend is selected, messages and unseen counters.
type Store struct {
	db *sql.DB
}

// Account is a user row including its credentials.
type Account struct {
	chat.User
	PasswordHash []byte
}

// NewAccount carries the fields supplied at signup.
type NewAccount struct {
	Username     string
	FullName     string
	Bio          string
	PasswordHash []byte
}

// ProfileUpdate carries the editable profile fields. An empty AvatarRef
// keeps the current picture.
type ProfileUpdate struct {
	FullName  string
	Bio       string
	AvatarRef string
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrNotFound is returned when updating a row that does not exist.
var ErrNotFound = errors.New("record not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatline.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			avatar_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			seen INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id, seq);`,
		`CREATE TABLE IF NOT EXISTS unseen_counts (
			recipient_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (recipient_id, sender_id)
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// databases created before profile pictures existed
	if err = addColumn(ctx, tx, "users", "avatar_ref", `TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	return tx.Commit()
}

func addColumn(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// CreateUser inserts a new account. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, account NewAccount) (chat.User, error) {
	user := chat.User{
		ID:        uuid.NewString(),
		Username:  account.Username,
		FullName:  account.FullName,
		Bio:       account.Bio,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, password_hash, full_name, bio, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, account.PasswordHash, user.FullName, user.Bio, user.CreatedAt.UnixNano())
	if err != nil {
		if isConstraintError(err) {
			return chat.User{}, ErrUserExists
		}
		return chat.User{}, err
	}
	return user, nil
}

// GetAccountByUsername fetches credentials by username.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, bio, avatar_ref, created_at, password_hash FROM users WHERE username = ?`, username)
	var account Account
	var createdAt int64
	err := row.Scan(&account.ID, &account.Username, &account.FullName, &account.Bio, &account.AvatarRef, &createdAt, &account.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	account.CreatedAt = fromNanos(createdAt)
	return &account, nil
}

// GetUserByID fetches a public profile by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*chat.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UpdateProfile rewrites the profile of id and returns it. ErrNotFound is
// returned when the user does not exist.
func (s *Store) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (chat.User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET full_name = ?, bio = ?, avatar_ref = CASE WHEN ? = '' THEN avatar_ref ELSE ? END
		WHERE id = ?
		RETURNING `+userColumns,
		update.FullName, update.Bio, update.AvatarRef, update.AvatarRef, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, ErrNotFound
	}
	return user, err
}

func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUsers returns every account ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]chat.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []chat.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// StoreMessage persists msg, assigning an id and timestamp when missing.
func (s *Store) StoreMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg = withIdentity(msg)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, sender_id, recipient_id, text, image_ref, created_at, seen) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Text, msg.ImageRef, msg.CreatedAt.UnixNano(), lo.Ternary(msg.Seen, 1, 0))
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the conversation between a and b in persistence order.
func (s *Store) ListMessages(ctx context.Context, a, b string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, text, image_ref, created_at, seen
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY seq ASC
	`, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := []chat.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetMessage fetches a message by id, nil when it does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, text, image_ref, created_at, seen FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// SetSeen flags the message as seen. Setting it twice is a no-op.
func (s *Store) SetSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET seen = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnseenCounts returns the non-zero counters of recipient keyed by sender.
func (s *Store) UnseenCounts(ctx context.Context, recipient string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, count FROM unseen_counts WHERE recipient_id = ? AND count > 0`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = count
	}
	return counts, rows.Err()
}

// IncrementUnseen bumps the counter and returns its new value.
func (s *Store) IncrementUnseen(ctx context.Context, recipient, sender string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO unseen_counts(recipient_id, sender_id, count) VALUES(?, ?, 1)
		ON CONFLICT(recipient_id, sender_id) DO UPDATE SET count = count + 1
		RETURNING count
	`, recipient, sender).Scan(&count)
	return count, err
}

// ResetUnseen zeroes the counter and returns the value it held.
func (s *Store) ResetUnseen(ctx context.Context, recipient, sender string) (previous int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	err = tx.QueryRowContext(ctx,
		`SELECT count FROM unseen_counts WHERE recipient_id = ? AND sender_id = ?`, recipient, sender).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return 0, tx.Rollback()
	}
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM unseen_counts WHERE recipient_id = ? AND sender_id = ?`, recipient, sender); err != nil {
		return 0, err
	}
	return previous, tx.Commit()
}

const userColumns = "id, username, full_name, bio, avatar_ref, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (chat.User, error) {
	var user chat.User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &user.FullName, &user.Bio, &user.AvatarRef, &createdAt); err != nil {
		return chat.User{}, err
	}
	user.CreatedAt = fromNanos(createdAt)
	return user, nil
}

func scanMessage(row scanner) (chat.Message, error) {
	var msg chat.Message
	var createdAt int64
	var seen int
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Text, &msg.ImageRef, &createdAt, &seen); err != nil {
		return chat.Message{}, err
	}
	msg.CreatedAt = fromNanos(createdAt)
	msg.Seen = seen != 0
	return msg, nil
}

func withIdentity(msg chat.Message) chat.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
