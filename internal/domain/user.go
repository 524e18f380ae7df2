// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxNickLen = 36

var (
	ErrNickTooLong = errors.New("nickname too long")
	ErrNickEmpty   = errors.New("nickname empty")
)

// UserID is the stable account identifier, distinct from MemberID.
type UserID string

func ValidateNick(nick string) error {
	if len(nick) == 0 {
		return ErrNickEmpty
	}
	if len(nick) > MaxNickLen {
		return ErrNickTooLong
	}
	return nil
}
