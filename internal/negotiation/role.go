package negotiation

import "github.com/mossy-p/synctube/internal/policy"

type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// RoleFor is the local side's role towards remote. The smaller identity is
// polite, so both sides compute complementary roles without talking.
func RoleFor(local, remote string) Role {
	if local < remote {
		return Polite
	}
	return Impolite
}

// Peer is the presence the engine needs about one participant.
type Peer struct {
	ID     string
	IsHost bool
	IsLive bool
}

// WantsLink reports whether a and b should hold a connection: either side can
// see the other's live feed. It is symmetric, so both sides agree.
func WantsLink(a, b Peer) bool {
	if a.ID == b.ID {
		return false
	}
	aSeesB := b.IsLive && policy.CanViewLive(a.IsHost, a.IsLive)
	bSeesA := a.IsLive && policy.CanViewLive(b.IsHost, b.IsLive)
	return aSeesB || bSeesA
}
