package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for goose
	"github.com/pressly/goose/v3"
)

const roomExternalRefConstraint = "rooms_external_room_ref_key"

// PostgresStore implements Repository using a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres, applies migrations, and returns a repository.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migratePostgres(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migratePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	defer db.Close()
	if err := migrate(ctx, db, goose.DialectPostgres, "migrations/postgres"); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// UpsertUser creates a user or refreshes its last_seen_at.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			last_seen_at = EXCLUDED.last_seen_at`,
		user.ID, user.Username, user.LastSeenAt, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, last_seen_at, created_at FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Username, &user.LastSeenAt, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.LastSeenAt = user.LastSeenAt.UTC()
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// CreateRoom persists a new room.
func (s *PostgresStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, external_room_ref, status, owner_id, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		room.ID, room.Name, room.ExternalRoomRef, string(room.Status),
		nullString(room.OwnerID), room.CreatedAt, room.EndedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == roomExternalRefConstraint:
			return ErrDuplicateRef
		case pgErr.Code == pgForeignKeyViolation:
			return errUnknownOwner(room.OwnerID)
		}
	}
	return fmt.Errorf("insert room: %w", err)
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	return scanPostgresRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
}

// GetRoomByExternalRef retrieves a room by its media backend reference.
func (s *PostgresStore) GetRoomByExternalRef(ctx context.Context, ref string) (*domain.Room, error) {
	return scanPostgresRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE external_room_ref = $1`, ref))
}

// ListRoomsByOwner returns the owner's rooms, newest first.
func (s *PostgresStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]*domain.Room, error) {
	return s.queryRooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListActiveRoomsBefore returns active rooms created before the cutoff.
func (s *PostgresStore) ListActiveRoomsBefore(ctx context.Context, cutoff time.Time) ([]*domain.Room, error) {
	return s.queryRooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE status = 'active' AND created_at < $1 ORDER BY created_at`, cutoff)
}

// EndRoom marks a room ended if it is still active.
func (s *PostgresStore) EndRoom(ctx context.Context, roomID string, at time.Time) (*domain.Room, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rooms SET status = 'ended', ended_at = $1 WHERE id = $2 AND status = 'active'`,
		at, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("update room status: %w", err)
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		return nil, false, err
	}
	return room, tag.RowsAffected() == 1, nil
}

// AppendMessage persists an immutable message.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender, type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::json, $7)`,
		msg.ID, msg.RoomID, string(msg.Sender), string(msg.Type), msg.Content,
		nullJSON(msg.Metadata), msg.CreatedAt)
	if err == nil {
		return nil
	}
	if pgErrorCode(err) == pgForeignKeyViolation {
		return errUnknownRoom(msg.RoomID)
	}
	return fmt.Errorf("insert message: %w", err)
}

// ListMessages returns a room's messages ordered by created_at, then insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID string) ([]*domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender, type, content, metadata::text, created_at
		FROM messages WHERE room_id = $1 ORDER BY created_at, seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var sender, typ string
		var metadata *string
		if err := rows.Scan(&msg.ID, &msg.RoomID, &sender, &typ, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Sender = domain.Sender(sender)
		msg.Type = domain.MessageType(typ)
		if metadata != nil {
			msg.Metadata = json.RawMessage(*metadata)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetAgentSession retrieves the current agent session for a room.
func (s *PostgresStore) GetAgentSession(ctx context.Context, roomID string) (*domain.AgentSession, error) {
	var session domain.AgentSession
	var status string
	var metadata *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, status, last_activity, metadata::text FROM agent_sessions WHERE room_id = $1`, roomID,
	).Scan(&session.ID, &session.RoomID, &status, &session.LastActivity, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	session.Status = domain.AgentStatus(status)
	session.LastActivity = session.LastActivity.UTC()
	if metadata != nil {
		session.Metadata = json.RawMessage(*metadata)
	}
	return &session, nil
}

// UpsertAgentSession creates or replaces the current agent session for a room.
func (s *PostgresStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_sessions (id, room_id, status, last_activity, metadata)
		VALUES ($1, $2, $3, $4, $5::json)
		ON CONFLICT (room_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_activity = EXCLUDED.last_activity,
			metadata = EXCLUDED.metadata`,
		session.ID, session.RoomID, string(session.Status), session.LastActivity, nullJSON(session.Metadata))
	if err == nil {
		return nil
	}
	if pgErrorCode(err) == pgForeignKeyViolation {
		return errUnknownRoom(session.RoomID)
	}
	return fmt.Errorf("upsert agent session: %w", err)
}

func scanPostgresRoom(row pgx.Row) (*domain.Room, error) {
	var room domain.Room
	var status string
	var ownerID *string
	err := row.Scan(&room.ID, &room.Name, &room.ExternalRoomRef, &status, &ownerID, &room.CreatedAt, &room.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan room row: %w", err)
	}
	room.Status = domain.RoomStatus(status)
	if ownerID != nil {
		room.OwnerID = *ownerID
	}
	room.CreatedAt = room.CreatedAt.UTC()
	if room.EndedAt != nil {
		t := room.EndedAt.UTC()
		room.EndedAt = &t
	}
	return &room, nil
}

func (s *PostgresStore) queryRooms(ctx context.Context, query string, args ...any) ([]*domain.Room, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanPostgresRoom(rows)
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
