package domain

import (
	"encoding/json"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
)

// Message is an immutable timeline entry.
type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	Sender    Sender          `json:"sender"`
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ImageMetadata is the required metadata shape for image messages.
type ImageMetadata struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Clone returns a deep copy so stores never share metadata buffers with callers.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), m.Metadata...)
	}
	return &c
}
