package domain

type (
	RoomID   string
	RoomName string
)

// Room is the persisted shape of a room in the presence store.
// Members is keyed by MemberID; insertion order carries no meaning.
type Room struct {
	ID        RoomID              `json:"id"`
	Name      RoomName            `json:"name"`
	CreatedBy UserID              `json:"createdBy"`
	Members   map[MemberID]Member `json:"users,omitempty"`
}

func (r *Room) MemberCount() int { return len(r.Members) }

// HasMember reports whether the given member record is still present.
func (r *Room) HasMember(id MemberID) bool {
	_, ok := r.Members[id]
	return ok
}
