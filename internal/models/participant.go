package models

// Participant is one joined user, stored under the room keyed by identity.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Avatar     string `json:"avatar"`
	IsLive     bool   `json:"isLive"`
	IsMuted    bool   `json:"isMuted"`
	IsVideoOff bool   `json:"isVideoOff"`
	CanGoLive  bool   `json:"canGoLive"`
}

// PresenceRequest is a participant's update of its own live/mute flags.
type PresenceRequest struct {
	IsLive     *bool `json:"isLive,omitempty"`
	IsMuted    *bool `json:"isMuted,omitempty"`
	IsVideoOff *bool `json:"isVideoOff,omitempty"`
}

type LiveAccessRequest struct {
	CanGoLive bool `json:"canGoLive"`
}

// Reaction is a floating emoji sent to everyone in the room.
type Reaction struct {
	ID        string `json:"id,omitempty"`
	Emoji     string `json:"emoji" binding:"required,max=16"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is an append-only chat line, optionally replying to another.
type ChatMessage struct {
	ID         string     `json:"id,omitempty"`
	User       ChatAuthor `json:"user"`
	Text       string     `json:"text" binding:"required,max=2000"`
	ReplyingTo *ReplyRef  `json:"replyingTo,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

type ChatAuthor struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type ReplyRef struct {
	MessageID string `json:"messageId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
}
