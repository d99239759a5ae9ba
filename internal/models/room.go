package models

// Room is the room-wide shared document. Only the host writes transport and queue fields.
type Room struct {
	RoomID            string      `json:"roomId"`
	Code              string      `json:"code,omitempty"` // Short, shareable room code
	HostID            string      `json:"hostId"`
	VideoID           string      `json:"videoId"`
	IsPlaying         bool        `json:"isPlaying"`
	Timestamp         float64     `json:"timestamp"`           // playback position in seconds
	UpdatedAt         int64       `json:"updatedAt,omitempty"` // unix millis of the last transport write
	Queue             []QueueItem `json:"queue"`
	CurrentQueueIndex int         `json:"currentQueueIndex"`
	Repeat            bool        `json:"repeat"`
	UserCount         int         `json:"userCount"`
	IsLocked          bool        `json:"isLocked"`
	IsLiveDisabled    bool        `json:"isLiveDisabled"`
	CreatedAt         int64       `json:"createdAt"`
}

// QueueItem is one enqueued video. It is never mutated once enqueued.
type QueueItem struct {
	VideoID      string `json:"videoId"`
	Title        string `json:"title"`
	Thumbnail    string `json:"thumbnail"`
	ChannelTitle string `json:"channelTitle"`
}

// ActiveItem returns the queue item at CurrentQueueIndex, if any.
func (r *Room) ActiveItem() (QueueItem, bool) {
	if r.CurrentQueueIndex < 0 || r.CurrentQueueIndex >= len(r.Queue) {
		return QueueItem{}, false
	}
	return r.Queue[r.CurrentQueueIndex], true
}

// CurrentVideoID prefers the active queue item over ad-hoc playback.
func (r *Room) CurrentVideoID() string {
	if item, ok := r.ActiveItem(); ok {
		return item.VideoID
	}
	return r.VideoID
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// JoinRoomRequest contains optional data when joining a room
type JoinRoomRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=64"`
	Avatar      string `json:"avatar,omitempty"`
}

// TransportRequest updates play/pause and position; nil fields are left alone.
type TransportRequest struct {
	IsPlaying *bool    `json:"isPlaying,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty" binding:"omitempty,min=0"`
}

type SetVideoRequest struct {
	VideoID string `json:"videoId" binding:"required"`
}

type EnqueueRequest struct {
	Items []QueueItem `json:"items" binding:"required,min=1,dive"`
}

type ReorderRequest struct {
	Queue []QueueItem `json:"queue" binding:"required"`
}

type JumpRequest struct {
	Index int `json:"index"`
}

// SettingsRequest toggles host room settings; nil fields are left alone.
type SettingsRequest struct {
	IsLocked       *bool `json:"isLocked,omitempty"`
	IsLiveDisabled *bool `json:"isLiveDisabled,omitempty"`
	Repeat         *bool `json:"repeat,omitempty"`
}
