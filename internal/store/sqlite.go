package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. Timestamps are stored as
// unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite database at dbPath and
// applies the schema migrations.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys are off by default in SQLite.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertUser creates a user or refreshes its last_seen_at.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, username, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at`

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.ID, user.Username, user.LastSeenAt.UnixNano(), user.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, last_seen_at, created_at FROM users WHERE id = ?`, userID)

	var user domain.User
	var lastSeen, createdAt int64
	err := row.Scan(&user.ID, &user.Username, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.LastSeenAt = fromNanos(lastSeen)
	user.CreatedAt = fromNanos(createdAt)
	return &user, nil
}

// CreateRoom persists a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	query := `
	INSERT INTO rooms (id, name, external_room_ref, status, owner_id, created_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "create room", func() error {
		_, err := s.db.ExecContext(ctx, query,
			room.ID, room.Name, room.ExternalRoomRef, string(room.Status),
			nullString(room.OwnerID), room.CreatedAt.UnixNano(), nullNanos(room.EndedAt),
		)
		switch {
		case err == nil:
			return nil
		case isSQLiteUniqueError(err) && strings.Contains(err.Error(), "external_room_ref"):
			return ErrDuplicateRef
		case isSQLiteForeignKeyError(err):
			return errUnknownOwner(room.OwnerID)
		default:
			return fmt.Errorf("insert room: %w", err)
		}
	})
}

const roomColumns = `id, name, external_room_ref, status, owner_id, created_at, ended_at`

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, roomID)
	return scanSQLiteRoom(row)
}

// GetRoomByExternalRef retrieves a room by its media backend reference.
func (s *SQLiteStore) GetRoomByExternalRef(ctx context.Context, ref string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE external_room_ref = ?`, ref)
	return scanSQLiteRoom(row)
}

// ListRoomsByOwner returns the owner's rooms, newest first.
func (s *SQLiteStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]*domain.Room, error) {
	return s.queryRooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

// ListActiveRoomsBefore returns active rooms created before the cutoff.
func (s *SQLiteStore) ListActiveRoomsBefore(ctx context.Context, cutoff time.Time) ([]*domain.Room, error) {
	return s.queryRooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE status = 'active' AND created_at < ? ORDER BY created_at`,
		cutoff.UnixNano())
}

// EndRoom marks a room ended if it is still active. The status guard in the
// WHERE clause keeps endedAt stable across repeated calls.
func (s *SQLiteStore) EndRoom(ctx context.Context, roomID string, at time.Time) (*domain.Room, bool, error) {
	var affected int64
	err := withRetry(ctx, "end room", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET status = 'ended', ended_at = ? WHERE id = ? AND status = 'active'`,
			at.UnixNano(), roomID)
		if err != nil {
			return fmt.Errorf("update room status: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update room status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		return nil, false, err
	}
	return room, affected == 1, nil
}

// AppendMessage persists an immutable message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, room_id, sender, type, content, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "append message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.RoomID, string(msg.Sender), string(msg.Type), msg.Content,
			nullJSON(msg.Metadata), msg.CreatedAt.UnixNano(),
		)
		switch {
		case err == nil:
			return nil
		case isSQLiteForeignKeyError(err):
			return errUnknownRoom(msg.RoomID)
		default:
			return fmt.Errorf("insert message: %w", err)
		}
	})
}

// ListMessages returns a room's messages ordered by created_at, then insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, type, content, metadata, created_at
		FROM messages WHERE room_id = ? ORDER BY created_at, seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var sender, typ string
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &sender, &typ, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Sender = domain.Sender(sender)
		msg.Type = domain.MessageType(typ)
		if metadata.Valid {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		msg.CreatedAt = fromNanos(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetAgentSession retrieves the current agent session for a room.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, roomID string) (*domain.AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, status, last_activity, metadata FROM agent_sessions WHERE room_id = ?`, roomID)

	var session domain.AgentSession
	var status string
	var lastActivity int64
	var metadata sql.NullString
	err := row.Scan(&session.ID, &session.RoomID, &status, &lastActivity, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	session.Status = domain.AgentStatus(status)
	session.LastActivity = fromNanos(lastActivity)
	if metadata.Valid {
		session.Metadata = json.RawMessage(metadata.String)
	}
	return &session, nil
}

// UpsertAgentSession creates or replaces the current agent session for a room.
func (s *SQLiteStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	query := `
	INSERT INTO agent_sessions (id, room_id, status, last_activity, metadata)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(room_id) DO UPDATE SET
		status = excluded.status,
		last_activity = excluded.last_activity,
		metadata = excluded.metadata`

	return withRetry(ctx, "upsert agent session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.RoomID, string(session.Status),
			session.LastActivity.UnixNano(), nullJSON(session.Metadata),
		)
		switch {
		case err == nil:
			return nil
		case isSQLiteForeignKeyError(err):
			return errUnknownRoom(session.RoomID)
		default:
			return fmt.Errorf("upsert agent session: %w", err)
		}
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*domain.Room, error) {
	var room domain.Room
	var status string
	var ownerID sql.NullString
	var createdAt int64
	var endedAt sql.NullInt64

	err := row.Scan(&room.ID, &room.Name, &room.ExternalRoomRef, &status, &ownerID, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan room row: %w", err)
	}
	room.Status = domain.RoomStatus(status)
	room.OwnerID = ownerID.String
	room.CreatedAt = fromNanos(createdAt)
	if endedAt.Valid {
		t := fromNanos(endedAt.Int64)
		room.EndedAt = &t
	}
	return &room, nil
}

func (s *SQLiteStore) queryRooms(ctx context.Context, query string, args ...any) ([]*domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close room rows", "error", closeErr)
		}
	}()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if domain.IsNullMetadata(raw) {
		return nil
	}
	return string(raw)
}
