package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/loom/pkg/models"
)

// createChatSessionHandler handles POST /api/v1/chat/sessions.
func (s *Server) createChatSessionHandler(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// listChatSessionsHandler handles GET /api/v1/chat/sessions.
func (s *Server) listChatSessionsHandler(c *gin.Context) {
	sessions, err := s.sessions.ListSessions(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// getChatSessionHandler handles GET /api/v1/chat/sessions/:id.
func (s *Server) getChatSessionHandler(c *gin.Context) {
	session, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// deleteChatSessionHandler handles DELETE /api/v1/chat/sessions/:id.
func (s *Server) deleteChatSessionHandler(c *gin.Context) {
	if err := s.sessions.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// listChatMessagesHandler handles GET /api/v1/chat/sessions/:id/messages.
func (s *Server) listChatMessagesHandler(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.sessions.GetSession(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}

	messages, err := s.sessions.ListMessages(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// sendChatMessageHandler handles POST /api/v1/chat/sessions/:id/messages.
// The response is a server-sent stream of turn events, one {event_type,
// data} JSON document per frame, ending after the complete or error event.
func (s *Server) sendChatMessageHandler(c *gin.Context) {
	sessionID := c.Param("id")

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	turn, err := s.orchestrator.HandleMessage(c.Request.Context(), sessionID, req.Content, req.MentionedIDs, req.ContextPayload)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	send := beginEventStream(c)
	for event := range turn {
		if !send(event) {
			// The turn goroutine blocks on an unbuffered channel; keep
			// consuming after a client disconnect so it can finish
			// persisting the assistant message.
			for range turn {
			}
			return
		}
	}
}
