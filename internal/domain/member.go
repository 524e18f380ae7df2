package domain

// MemberID is the store-generated key of a member record. It is unique per
// connection attempt, not per user: the same user reconnecting gets a new one.
type MemberID string

// Member is the ephemeral presence record of one connected participant.
// Its removal from the store is the only authoritative "left the room" signal.
type Member struct {
	Nick         string `json:"nick"`
	Mute         bool   `json:"mute"`
	SpeakerMuted bool   `json:"speakerMuted"`
	UserID       UserID `json:"userId,omitempty"`
	JoinedAt     int64  `json:"joinedAt"`
}

// NewMember avoids raw literals in callers and keeps construction obvious.
func NewMember(nick string, mute, speakerMuted bool, userID UserID, joinedAt int64) Member {
	return Member{
		Nick:         nick,
		Mute:         mute,
		SpeakerMuted: speakerMuted,
		UserID:       userID,
		JoinedAt:     joinedAt,
	}
}
