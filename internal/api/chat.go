package api

import (
	"net/http"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/models"

	"github.com/gin-gonic/gin"
)

func getOrCreateSessionHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		session, err := chat.GetOrCreateChatSession(c.Request.Context(), user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func getMessagesHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		messages, err := chat.GetMessages(c.Request.Context(), user.ID, sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// sendMessageHandler always posts as the user; agent replies go through the assistant route.
func sendMessageHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var request struct {
			Text string `json:"text" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error("text is required"))
			return
		}
		msg, err := chat.SendMessage(c.Request.Context(), user.ID, sessionID, request.Text, models.SenderUser)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func assistantReplyHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var request struct {
			Model string `json:"model" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error("model is required"))
			return
		}
		msg, err := chat.ReplyWithAssistant(c.Request.Context(), user.ID, sessionID, request.Model)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func markReadHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		updated, err := chat.MarkMessagesAsRead(c.Request.Context(), user.ID, sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

func closeSessionHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		if err := chat.CloseChatSession(c.Request.Context(), user.ID, sessionID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session closed"})
	}
}

func closeAllSessionsHandler(chat ChatAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		closed, err := chat.CloseAllSessions(c.Request.Context(), user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": closed})
	}
}
