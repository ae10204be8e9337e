package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind classifies chat messages.
type Kind string

const (
	// KindText is an ordinary typed message.
	KindText Kind = "text"
	// KindImage, KindAudio and KindVideo reference uploaded media by URL in
	// Content.
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	// KindSystem is a platform-generated notice rendered inline.
	KindSystem Kind = "system"
	// KindDetail carries a structured payload, such as the birth details card
	// shared at the start of a consultation.
	KindDetail Kind = "detail"
)

// Message is one entry in a consultation transcript.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Kind      Kind            `json:"kind"`
	Content   string          `json:"content"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	// Pending marks a locally echoed message the server has not confirmed.
	Pending bool `json:"pending,omitempty"`
	// Self marks messages authored on this device.
	Self bool `json:"self,omitempty"`
}

// optimisticPrefix tags locally assigned placeholder ids so they can never
// collide with canonical server ids.
const optimisticPrefix = "temp-"

// IsOptimistic reports whether the id is a local placeholder.
func IsOptimistic(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

// matches reports whether the confirmed message corresponds to the pending
// local echo. Canonical ids differ from placeholders, so correlation falls
// back to author, kind and content.
func (m Message) matches(confirmed Message) bool {
	return m.Pending &&
		m.Self &&
		confirmed.Kind == m.Kind &&
		confirmed.Content == m.Content
}
