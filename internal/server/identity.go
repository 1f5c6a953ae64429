package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgard/projectlog/internal/database"
)

const (
	ctxUserID    = "user_id"
	ctxActorType = "actor_type"
)

// identify reads the verified caller identity. Requests without one are rejected.
func (s *Server) identify(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderUserID})
		return
	}
	actor := database.ActorType(c.GetHeader(HeaderActorType))
	if actor == "" {
		actor = database.ActorEndUser
	}
	if !actor.Valid() {
		abortBadRequest(c, "unknown actor type "+string(actor))
		return
	}
	c.Set(ctxUserID, userID)
	c.Set(ctxActorType, actor)
	c.Next()
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func actorType(c *gin.Context) database.ActorType {
	if v, ok := c.Get(ctxActorType); ok {
		if a, ok := v.(database.ActorType); ok {
			return a
		}
	}
	return database.ActorEndUser
}

// canSeeInternal reports whether the caller may read internal messages.
func canSeeInternal(c *gin.Context) bool {
	return actorType(c) != database.ActorEndUser
}

// includeInternal resolves the include_internal query flag against the caller's role.
// It aborts with 403 when an end user asks for internal messages.
func includeInternal(c *gin.Context, requested bool) (bool, bool) {
	if !requested {
		return false, true
	}
	if !canSeeInternal(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "internal messages are not visible to end users"})
		return false, false
	}
	return true, true
}
