package core

import "github.com/avdeyev/huddle/internal/domain"

// PeerSessions is the media negotiation collaborator. The dispatcher drives it
// on membership changes and incoming signal envelopes. It is never invoked
// concurrently for the same remote id without an intervening close.
type PeerSessions interface {
	CreatePeer(remote domain.MemberID, initiator bool)
	HandleSignal(env domain.Envelope)
	ClosePeer(remote domain.MemberID)
	Cleanup()
}

type NotifyKind string

const (
	NotifyInfo        NotifyKind = "info"
	NotifyError       NotifyKind = "error"
	NotifyKicked      NotifyKind = "kicked"
	NotifyRoomDeleted NotifyKind = "room_deleted"
	NotifyReconnect   NotifyKind = "reconnect"
)

// Notifier surfaces user-facing messages. Both methods are fire-and-continue
// and must never block the protocol core.
type Notifier interface {
	Notify(kind NotifyKind, message string)
	Confirm(prompt string) bool
}

// Sounds plays the join/leave cues derived from member count deltas.
type Sounds interface {
	PlayJoin()
	PlayLeave()
}

// LiveAudio receives per-member mute state for the audio-level subsystem.
type LiveAudio interface {
	UpdateMember(id domain.MemberID, m domain.Member)
	RemoveMember(id domain.MemberID)
}
