package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHub pushes core events to attached UI connections. It implements the
// notifier, sound and live-audio collaborator contracts: everything here is
// fire-and-continue so the protocol core never blocks on a slow UI.
type EventsHub struct {
	mu    sync.Mutex
	conns map[*eventConn]struct{}
}

type eventConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewEventsHub() *EventsHub {
	return &EventsHub{conns: make(map[*eventConn]struct{})}
}

func (c *eventConn) trySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return errors.New("backpressure")
	}
	return nil
}

func (c *eventConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (h *EventsHub) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("ws upgrade")
		return
	}
	conn := &eventConn{conn: ws, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "gateway.ws").Msg("ui attached")

	go h.writePump(conn)
	go h.readPump(conn)
}

func (h *EventsHub) writePump(c *eventConn) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "gateway.ws").Msg("writePump write error")
			return
		}
	}
}

func (h *EventsHub) readPump(c *eventConn) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.close()
		log.Info().Str("module", "gateway.ws").Msg("ui detached")
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHub) broadcast(v any) {
	b, err := marshalEvent(v)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("marshal event")
		return
	}
	h.mu.Lock()
	conns := make([]*eventConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.trySend(b)
	}
}

// Notify implements core.Notifier.
func (h *EventsHub) Notify(kind core.NotifyKind, message string) {
	h.broadcast(struct {
		Type    string          `json:"type"`
		Kind    core.NotifyKind `json:"kind"`
		Message string          `json:"message"`
	}{"notice", kind, message})
}

// Confirm cannot block the core waiting on a remote UI; destructive actions
// arriving over the REST surface carry their own confirmation, so the hub
// answers yes and mirrors the prompt to the UI.
func (h *EventsHub) Confirm(prompt string) bool {
	h.broadcast(struct {
		Type   string `json:"type"`
		Prompt string `json:"prompt"`
	}{"confirm", prompt})
	return true
}

// PlayJoin implements core.Sounds.
func (h *EventsHub) PlayJoin() {
	h.broadcast(struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}{"sound", "join"})
}

func (h *EventsHub) PlayLeave() {
	h.broadcast(struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}{"sound", "leave"})
}

// UpdateMember implements core.LiveAudio.
func (h *EventsHub) UpdateMember(id domain.MemberID, m domain.Member) {
	h.broadcast(struct {
		Type         string          `json:"type"`
		Member       domain.MemberID `json:"member"`
		Mute         bool            `json:"mute"`
		SpeakerMuted bool            `json:"speakerMuted"`
	}{"audio_state", id, m.Mute, m.SpeakerMuted})
}

func (h *EventsHub) RemoveMember(id domain.MemberID) {
	h.broadcast(struct {
		Type   string          `json:"type"`
		Member domain.MemberID `json:"member"`
	}{"audio_gone", id})
}

// Members pushes each settled member snapshot.
func (h *EventsHub) Members(members map[domain.MemberID]domain.Member) {
	h.broadcast(struct {
		Type    string                            `json:"type"`
		Count   int                               `json:"count"`
		Members map[domain.MemberID]domain.Member `json:"members"`
	}{"members", len(members), members})
}
