// Package timeline keeps the ordered message log of each room and the
// simulated responder that answers user messages.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/google/uuid"
)

const (
	DefaultReplyDelay      = 1500 * time.Millisecond
	DefaultImageReplyDelay = 2 * time.Second

	// GreetingText is the bootstrap message returned for an unknown room.
	GreetingText = "Hello! I'm your AI agent. How can I help you today?"

	imageReplyText = "I've analyzed the image you shared. It appears to be a screenshot or image. " +
		"In a full implementation, I would use vision AI to provide detailed analysis of the visual content."
)

// Observer is told about every persisted message.
type Observer interface {
	MessageAppended(ctx context.Context, msg *domain.Message)
}

// Publisher pushes timeline hints to subscribers.
type Publisher interface {
	Publish(roomID string, typ stream.EventType, data any) stream.Event
}

// Options configure the simulated responder.
type Options struct {
	ReplyDelay      time.Duration
	ImageReplyDelay time.Duration
}

// AppendRequest is the input to Append.
type AppendRequest struct {
	RoomID   string
	Sender   domain.Sender
	Type     domain.MessageType
	Content  string
	Metadata json.RawMessage
}

// Service appends and lists room messages.
type Service struct {
	repo      store.Repository
	scheduler *Scheduler
	pub       Publisher
	opts      Options
	now       func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// NewService creates a timeline service. pub may be nil.
func NewService(repo store.Repository, scheduler *Scheduler, pub Publisher, opts Options) *Service {
	if opts.ReplyDelay <= 0 {
		opts.ReplyDelay = DefaultReplyDelay
	}
	if opts.ImageReplyDelay <= 0 {
		opts.ImageReplyDelay = DefaultImageReplyDelay
	}
	return &Service{
		repo:      repo,
		scheduler: scheduler,
		pub:       pub,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// AddObserver registers o for every appended message.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Append validates and persists a message. User messages schedule an agent reply.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*domain.Message, error) {
	err := domain.ValidateMessage(req.Sender, req.Type, req.Content, req.Metadata)
	if strings.TrimSpace(req.RoomID) == "" {
		verr := domain.NewValidationError("roomId", "is required")
		var inner *domain.ValidationError
		if errors.As(err, &inner) {
			verr.Fields = append(verr.Fields, inner.Fields...)
		}
		return nil, verr
	}
	if err != nil {
		return nil, err
	}

	room, err := s.repo.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, &domain.NotFoundError{Resource: "room", ID: req.RoomID}
	}
	if !room.IsActive() {
		return nil, domain.NewValidationError("roomId", "room has ended")
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		RoomID:    req.RoomID,
		Sender:    req.Sender,
		Type:      req.Type,
		Content:   req.Content,
		Metadata:  domain.NormalizeMetadata(req.Metadata),
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrUnknownParent) {
			return nil, &domain.NotFoundError{Resource: "room", ID: req.RoomID}
		}
		return nil, fmt.Errorf("append message: %w", err)
	}

	if s.pub != nil {
		s.pub.Publish(msg.RoomID, stream.EventMessage, map[string]string{
			"messageId": msg.ID,
			"sender":    string(msg.Sender),
			"type":      string(msg.Type),
		})
	}
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		o.MessageAppended(ctx, msg)
	}

	if msg.Sender == domain.SenderUser {
		s.scheduleReply(msg)
	}
	return msg, nil
}

func (s *Service) scheduleReply(original *domain.Message) {
	delay := s.opts.ReplyDelay
	content := fmt.Sprintf("I received your message: \"%s\". I'm processing it now with my AI capabilities.", original.Content)
	if original.Type == domain.MessageImage {
		delay = s.opts.ImageReplyDelay
		content = imageReplyText
	}

	if s.scheduler == nil {
		return
	}
	roomID := original.RoomID
	s.scheduler.Schedule(roomID, delay, func(ctx context.Context) {
		reply, err := s.Append(ctx, AppendRequest{
			RoomID:  roomID,
			Sender:  domain.SenderAgent,
			Type:    domain.MessageText,
			Content: content,
		})
		if err != nil {
			slog.Warn("Failed to append agent reply", "error", err, "room_id", roomID, "reply_to", original.ID)
			return
		}
		slog.Debug("Agent reply appended", "room_id", roomID, "message_id", reply.ID, "reply_to", original.ID)
	})
}

// List returns a room's messages in order. An empty or unknown roomID yields
// a single greeting that is never persisted.
func (s *Service) List(ctx context.Context, roomID string) ([]*domain.Message, error) {
	if strings.TrimSpace(roomID) == "" {
		return []*domain.Message{Greeting(roomID, s.now())}, nil
	}
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return []*domain.Message{Greeting(roomID, s.now())}, nil
	}

	msgs, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return msgs, nil
}

// Greeting builds the bootstrap agent message, dated one minute before now.
func Greeting(roomID string, now time.Time) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    domain.SenderAgent,
		Type:      domain.MessageText,
		Content:   GreetingText,
		CreatedAt: now.Add(-time.Minute),
	}
}

// CancelReplies drops the room's pending agent replies.
func (s *Service) CancelReplies(roomID string) int {
	if s.scheduler == nil {
		return 0
	}
	return s.scheduler.CancelRoom(roomID)
}
