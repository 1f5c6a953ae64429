package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgard/projectlog/internal/chatlog"
	"github.com/edgard/projectlog/internal/database"
)

type submitBody struct {
	ClientMsgID string              `json:"client_msg_id"`
	Body        string              `json:"body"`
	Mode        string              `json:"mode"`
	ParentRef   *string             `json:"parent_ref"`
	Visibility  database.Visibility `json:"visibility"`
}

type submitResponse struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	ClientMsgID string    `json:"client_msg_id"`
	CreatedAt   time.Time `json:"created_at"`
	DuplicateOf bool      `json:"duplicate_of,omitempty"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxRequestBytes)

	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := s.chat.Submit(c.Request.Context(), chatlog.SubmitRequest{
		ProjectID:   c.Param("project"),
		ClientMsgID: body.ClientMsgID,
		AuthorRef:   userID(c),
		ActorType:   actorType(c),
		Body:        body.Body,
		Mode:        body.Mode,
		ParentRef:   body.ParentRef,
		Visibility:  body.Visibility,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, submitResponse{
		ID:          res.Message.ID,
		Seq:         res.Message.Seq,
		ClientMsgID: res.Message.ClientMsgID,
		CreatedAt:   res.Message.CreatedAt,
		DuplicateOf: res.Duplicate,
	})
}

type historyQuery struct {
	BeforeSeq       int64 `form:"before_seq"       binding:"min=0"`
	AfterSeq        int64 `form:"after_seq"        binding:"min=0"`
	Limit           int   `form:"limit"            binding:"min=0"`
	IncludeInternal bool  `form:"include_internal"`
}

func (s *Server) handleHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortBadRequest(c, "invalid query: "+err.Error())
		return
	}
	internal, ok := includeInternal(c, q.IncludeInternal)
	if !ok {
		return
	}

	page, err := s.chat.History(c.Request.Context(), chatlog.HistoryRequest{
		ProjectID:       c.Param("project"),
		BeforeSeq:       q.BeforeSeq,
		AfterSeq:        q.AfterSeq,
		Limit:           q.Limit,
		IncludeInternal: internal,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type editBody struct {
	Body string `json:"body"`
}

func (s *Server) handleEdit(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxRequestBytes)

	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	msg, err := s.chat.Edit(c.Request.Context(), chatlog.EditRequest{
		ProjectID: c.Param("project"),
		Seq:       seq,
		EditorRef: userID(c),
		Body:      body.Body,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleDelete(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	msg, err := s.chat.Delete(c.Request.Context(), c.Param("project"), seq, userID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func seqParam(c *gin.Context) (int64, bool) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq <= 0 {
		abortBadRequest(c, "seq must be a positive integer")
		return 0, false
	}
	return seq, true
}
