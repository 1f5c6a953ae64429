package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type markReadBody struct {
	UpToSeq int64 `json:"up_to_seq"`
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var body markReadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	pointer, err := s.chat.MarkRead(c.Request.Context(), c.Param("project"), userID(c), body.UpToSeq)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_read_seq": pointer})
}

func (s *Server) handleUnread(c *gin.Context) {
	state, err := s.chat.Unread(c.Request.Context(), c.Param("project"), userID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": state.Unread, "last_read_seq": state.LastReadSeq, "max_seq": state.MaxSeq})
}

type heartbeatBody struct {
	Typing bool `json:"typing"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body heartbeatBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			abortBadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if err := s.presence.Heartbeat(c.Request.Context(), c.Param("project"), userID(c), body.Typing); err != nil {
		c.Header("Retry-After", retryAfterSeconds)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "presence unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePresence(c *gin.Context) {
	entries, err := s.presence.ListActive(c.Request.Context(), c.Param("project"))
	if err != nil {
		c.Header("Retry-After", retryAfterSeconds)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": entries})
}
