package models

import "github.com/pion/webrtc/v4"

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeError     SignalType = "error"
)

// SignalMessage is an append-only signaling record addressed from one participant to another.
type SignalMessage struct {
	ID        string                     `json:"id,omitempty"`
	Type      SignalType                 `json:"type"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	RoomID    string                     `json:"roomId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Timestamp int64                      `json:"timestamp"` // sender clock, unix millis
	Error     string                     `json:"error,omitempty"`
}

// GatewayEvent is the envelope pushed to browser clients over the realtime gateway.
type GatewayEvent struct {
	Type         string         `json:"type"` // "room", "participants", "signal", "error"
	Room         *Room          `json:"room,omitempty"`
	Participants []Participant  `json:"participants,omitempty"`
	Signal       *SignalMessage `json:"signal,omitempty"`
	Error        string         `json:"error,omitempty"`
}
