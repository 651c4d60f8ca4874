package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chat_sync_go/models"
	"chat_sync_go/services"
)

type profileRequest struct {
	DisplayName string `json:"displayName" binding:"omitempty,max=64"`
	Username    string `json:"username" binding:"omitempty,alphanum,max=32"`
}

type presenceRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type userResponse struct {
	models.User
	LastSeen string `json:"lastSeen"`
}

func SetupUserRoutes(r *gin.Engine, session *services.Session) {
	v1 := r.Group("/api/v1")

	v1.GET("/me", func(c *gin.Context) {
		u, err := session.Users().EnsureUser(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	})

	v1.PATCH("/me", func(c *gin.Context) {
		var req profileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		u, err := session.Users().UpdateProfile(c.Request.Context(), req.DisplayName, req.Username)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	})

	v1.PUT("/me/presence", func(c *gin.Context) {
		var req presenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		if err := session.SetPresence(c.Request.Context(), *req.Online); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	v1.GET("/users/:userId", func(c *gin.Context) {
		u, err := session.Users().Get(c.Request.Context(), c.Param("userId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userResponse{User: *u, LastSeen: services.LastSeenText(*u, time.Now())})
	})
}

// SetupRealtimeRoutes exposes the websocket the local UI listens on.
func SetupRealtimeRoutes(r *gin.Engine, hub *services.Hub) {
	r.GET("/ws", hub.ServeWs)
}
