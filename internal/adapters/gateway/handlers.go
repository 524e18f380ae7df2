package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/app"
	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
)

func marshalEvent(v any) ([]byte, error) { return json.Marshal(v) }

// Controller exposes the room client over the local REST surface the desktop
// UI drives.
type Controller struct {
	Client *app.Client
	Hub    *EventsHub
}

func NewController(client *app.Client, hub *EventsHub) *Controller {
	client.SetOnMembers(hub.Members)
	return &Controller{Client: client, Hub: hub}
}

type joinRequest struct {
	Nick         string `json:"nick" binding:"required"`
	Mute         bool   `json:"mute"`
	SpeakerMuted bool   `json:"speakerMuted"`
}

type createRequest struct {
	Name string `json:"name" binding:"required"`
	joinRequest
}

func (ctl *Controller) ListRooms(c *gin.Context) {
	rooms, err := ctl.Client.Rooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "rooms unavailable"})
		return
	}
	out := make([]gin.H, 0, len(rooms))
	for id, r := range rooms {
		out = append(out, gin.H{"id": id, "name": r.Name, "memberCount": r.MemberCount()})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (ctl *Controller) CreateRoom(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id, err := ctl.Client.CreateRoom(c.Request.Context(), domain.RoomName(req.Name), req.Nick, req.Mute, req.SpeakerMuted)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("create room")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": id})
}

func (ctl *Controller) JoinRoom(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	roomID := domain.RoomID(c.Param("id"))
	if err := ctl.Client.JoinRoom(c.Request.Context(), roomID, req.Nick, req.Mute, req.SpeakerMuted); err != nil {
		log.Error().Err(err).Str("module", "gateway").Str("room", string(roomID)).Msg("join room")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": roomID, "member": ctl.Client.Session().MemberID()})
}

func (ctl *Controller) LeaveRoom(c *gin.Context) {
	if err := ctl.Client.LeaveRoom(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (ctl *Controller) DeleteRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if err := ctl.Client.DeleteRoom(c.Request.Context(), roomID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": roomID})
}

func (ctl *Controller) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := ctl.Client.SendMessage(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (ctl *Controller) SetMute(c *gin.Context) {
	var req struct {
		Mute         bool `json:"mute"`
		SpeakerMuted bool `json:"speakerMuted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := ctl.Client.SetMute(c.Request.Context(), req.Mute, req.SpeakerMuted); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mute": req.Mute, "speakerMuted": req.SpeakerMuted})
}

func (ctl *Controller) SessionState(c *gin.Context) {
	sess := ctl.Client.Session()
	c.JSON(http.StatusOK, gin.H{
		"state":  sess.State().String(),
		"room":   sess.RoomID(),
		"member": sess.MemberID(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRoomFull):
		return http.StatusConflict
	case errors.Is(err, core.ErrAlreadyInRoom):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNickEmpty), errors.Is(err, domain.ErrNickTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
