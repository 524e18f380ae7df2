package domain

import "encoding/json"

// Envelope is a one-shot signaling message under a room's signals path.
// The addressed peer deletes it on read; deletion is the acknowledgment.
type Envelope struct {
	To      MemberID        `json:"to"`
	From    MemberID        `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Message is one chat entry in a room's bounded history.
type Message struct {
	From   MemberID `json:"from"`
	Nick   string   `json:"nick"`
	Text   string   `json:"text"`
	SentAt int64    `json:"sentAt"`
}
