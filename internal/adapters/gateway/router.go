package gateway

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/config"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")
	api.GET("/rooms", ctl.ListRooms)
	api.POST("/rooms", ctl.CreateRoom)
	api.POST("/rooms/:id/join", ctl.JoinRoom)
	api.DELETE("/rooms/:id", ctl.DeleteRoom)
	api.POST("/leave", ctl.LeaveRoom)
	api.POST("/messages", ctl.SendMessage)
	api.POST("/mute", ctl.SetMute)
	api.GET("/session", ctl.SessionState)
	api.GET("/ws/events", ctl.Hub.Handle)

	log.Info().Str("module", "gateway").Msg("router setup")
	return r
}
