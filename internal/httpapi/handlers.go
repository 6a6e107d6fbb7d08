package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"AskChat/internal/chat"
	"AskChat/internal/quota"
	"AskChat/internal/session"
)

// CreateSessionRequest optionally carries a first message
type CreateSessionRequest struct {
	Seed *chat.Seed `json:"seed,omitempty"`
}

// SendMessageRequest is the body of POST .../messages
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SessionView describes a session and its current state
type SessionView struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Durable   bool       `json:"durable"`
	State     chat.State `json:"state"`
	Remaining int        `json:"remaining"` // -1 when unlimited
}

// SendResult is returned for every send
type SendResult struct {
	Outcome string     `json:"outcome"`
	State   chat.State `json:"state"`
}

// ConversationSummary is one history entry without its messages
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// QuotaView reports the remaining guest messages
type QuotaView struct {
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited"`
}

func (s *Server) view(c *gin.Context, sid string, e *entry) SessionView {
	id := e.manager.Identity()
	return SessionView{
		ID:        sid,
		Identity:  id.String(),
		Durable:   id.Durable(),
		State:     e.manager.State(),
		Remaining: e.manager.Remaining(c.Request.Context()),
	}
}

func (s *Server) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: "Invalid request: " + err.Error()})
			return
		}
	}

	id := session.Identity{
		User:  strings.TrimSpace(c.GetHeader(HeaderUser)),
		Guest: strings.TrimSpace(c.GetHeader(HeaderGuest)),
	}
	sid, e := s.open(id)

	if req.Seed != nil {
		if _, err := e.manager.IngestSeed(c.Request.Context(), *req.Seed); err != nil {
			code := statusFor(err)
			c.JSON(code, Response{Code: code, Message: err.Error(), Data: s.view(c, sid, e)})
			return
		}
	}

	ok(c, http.StatusCreated, "Created", s.view(c, sid, e))
}

func (s *Server) getSession(c *gin.Context) {
	sid := c.Param("id")
	e, err := s.lookup(sid)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "OK", s.view(c, sid, e))
}

func (s *Server) closeSession(c *gin.Context) {
	sid := c.Param("id")
	e, err := s.remove(sid)
	if err != nil {
		fail(c, err)
		return
	}
	e.manager.Close()
	e.hub.close()
	s.logger.Info("closed session", "session_id", sid)
	ok(c, http.StatusOK, "Closed", nil)
}

func (s *Server) sendMessage(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: "Invalid request: " + err.Error()})
		return
	}

	outcome, err := e.manager.SendMessage(c.Request.Context(), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "OK", SendResult{Outcome: outcome.String(), State: e.manager.State()})
}

func (s *Server) newConversation(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := e.manager.StartNewConversation(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "OK", e.manager.State())
}

func (s *Server) loadConversation(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := e.manager.LoadConversation(c.Request.Context(), c.Param("cid")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "OK", e.manager.State())
}

func (s *Server) deleteConversation(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := e.manager.DeleteConversation(c.Request.Context(), c.Param("cid")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Deleted", e.manager.State())
}

func (s *Server) history(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	convs := e.manager.History(c.Request.Context())
	out := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, ConversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	ok(c, http.StatusOK, "OK", out)
}

func (s *Server) quotaStatus(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	remaining := e.manager.Remaining(c.Request.Context())
	ok(c, http.StatusOK, "OK", QuotaView{Remaining: remaining, Unlimited: remaining == quota.Unlimited})
}
