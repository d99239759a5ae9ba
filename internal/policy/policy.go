// Package policy centralizes the live-layer authorization rules so the
// negotiation engine, the playback service and the HTTP layer agree.
package policy

import "github.com/mossy-p/synctube/internal/models"

// CanGoLive reports whether a participant may publish audio/video.
// The host always may. In a restricted room only an explicit grant counts;
// otherwise anyone may unless explicitly denied. A nil grant means "never set".
func CanGoLive(isHost, restricted bool, grant *bool) bool {
	if isHost {
		return true
	}
	if restricted {
		return grant != nil && *grant
	}
	return grant == nil || *grant
}

// CanViewLive reports whether a viewer may see remote live feeds: the host
// always, everyone else only while live themselves.
func CanViewLive(isHost, selfLive bool) bool {
	return isHost || selfLive
}

func IsHost(room *models.Room, participantID string) bool {
	return room != nil && participantID != "" && room.HostID == participantID
}

// ParticipantCanGoLive applies CanGoLive to stored documents. Stored
// participants always carry canGoLive, so the grant is explicit.
func ParticipantCanGoLive(room *models.Room, p *models.Participant) bool {
	grant := p.CanGoLive
	return CanGoLive(IsHost(room, p.ID), room.IsLiveDisabled, &grant)
}
