package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ValidateMessage checks enum values, content, and that metadata matches the
// shape required by the message type. It returns nil or a *ValidationError.
func ValidateMessage(sender Sender, typ MessageType, content string, metadata json.RawMessage) error {
	verr := &ValidationError{}

	switch sender {
	case SenderUser, SenderAgent:
	default:
		verr.Add("sender", `must be one of "user", "agent"`)
	}
	if strings.TrimSpace(content) == "" {
		verr.Add("content", "is required")
	}

	switch typ {
	case MessageImage:
		validateImageMetadata(metadata, verr)
	case MessageText, MessageAudio:
		if !IsNullMetadata(metadata) && !json.Valid(metadata) {
			verr.Add("metadata", "must be valid JSON")
		}
	default:
		verr.Add("type", `must be one of "text", "image", "audio"`)
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateImageMetadata(metadata json.RawMessage, verr *ValidationError) {
	if IsNullMetadata(metadata) {
		verr.Add("metadata", "is required for image messages")
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &fields); err != nil {
		verr.Add("metadata", "must be a JSON object")
		return
	}

	var url, mimeType string
	if raw, ok := fields["url"]; !ok || json.Unmarshal(raw, &url) != nil || url == "" {
		verr.Add("metadata.url", "is required")
	}
	if raw, ok := fields["mimeType"]; !ok || json.Unmarshal(raw, &mimeType) != nil || mimeType == "" {
		verr.Add("metadata.mimeType", "is required")
	} else if !strings.HasPrefix(mimeType, "image/") {
		verr.Add("metadata.mimeType", "must be an image content type")
	}
	var size int64
	if raw, ok := fields["size"]; !ok || json.Unmarshal(raw, &size) != nil {
		verr.Add("metadata.size", "is required")
	} else if size < 0 {
		verr.Add("metadata.size", "must not be negative")
	}
}

// IsNullMetadata reports whether raw carries no metadata.
func IsNullMetadata(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NormalizeMetadata maps absent or JSON-null metadata to nil.
func NormalizeMetadata(raw json.RawMessage) json.RawMessage {
	if IsNullMetadata(raw) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
