// Package store provides the presence-store implementations: an in-memory
// tree for tests and single-process mode, and a Redis-backed store.
package store

import (
	"strings"

	"github.com/avdeyev/huddle/internal/domain"
)

// Path builders for the layout the core assumes:
// rooms/{roomId}, rooms/{roomId}/users/{memberId},
// rooms/{roomId}/signals/{signalId}, rooms/{roomId}/messages/{messageId}.

const RoomsPath = "rooms"

func RoomPath(id domain.RoomID) string {
	return RoomsPath + "/" + string(id)
}

func MembersPath(id domain.RoomID) string {
	return RoomPath(id) + "/users"
}

func MemberPath(id domain.RoomID, mid domain.MemberID) string {
	return MembersPath(id) + "/" + string(mid)
}

func SignalsPath(id domain.RoomID) string {
	return RoomPath(id) + "/signals"
}

func SignalPath(id domain.RoomID, key string) string {
	return SignalsPath(id) + "/" + key
}

func MessagesPath(id domain.RoomID) string {
	return RoomPath(id) + "/messages"
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func parent(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
