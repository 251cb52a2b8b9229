package models

import "time"

// Position is a single sensor reading. It is never persisted by the client.
type Position struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

type PeerPresence struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Position    Position `json:"position"`
	Hidden      bool     `json:"hidden"`
}

type Message struct {
	ID        string    `json:"_id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertEvent struct {
	ID             string    `json:"id,omitempty"`
	OriginatorID   string    `json:"originator_id"`
	OriginatorName string    `json:"originator_name"`
	Position       Position  `json:"position"`
	IssuedAt       time.Time `json:"issued_at"`
}

type Group struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// NoticeKind classifies what a UI should do with a Notice.
type NoticeKind string

const (
	NoticeAlert  NoticeKind = "alert"
	NoticeCue    NoticeKind = "cue"
	NoticeUnread NoticeKind = "unread"
	NoticeError  NoticeKind = "error"
	NoticeInfo   NoticeKind = "info"
)

// Notice is a user-visible, dismissible notification.
type Notice struct {
	Kind     NoticeKind     `json:"kind"`
	Message  string         `json:"message"`
	PeerID   string         `json:"peer_id,omitempty"`
	Position *Position      `json:"position,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}
