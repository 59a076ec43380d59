package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxInboundBody = 1 << 20

// normalizedMessage is the channel-independent inbound shape.
type normalizedMessage struct {
	UserHandle string `json:"user_handle"`
	Text       string `json:"text"`
	MessageID  string `json:"message_id"`
}

// telegramUpdate is the subset of a Telegram Bot API update we consume.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// handleInboundMessage accepts either a Telegram update or the normalized
// shape, routes it through the processor, and reports the outcome.
func (s *Server) handleInboundMessage(c *gin.Context) {
	tenantID := c.Param("tenantID")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	msg, ok := normalizeInbound(body)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized message shape"})
		return
	}

	res := s.proc.ProcessIncoming(c.Request.Context(), tenantID, msg.UserHandle, msg.Text, msg.MessageID)
	if !res.Success {
		status := http.StatusUnprocessableEntity
		if res.Error == "unknown tenant" {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": res.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reply_message_id": res.ReplyMessageID})
}

// normalizeInbound decodes the body, preferring the Telegram update shape.
// Telegram chat IDs become the user handle, so replies address the same chat.
func normalizeInbound(body []byte) (normalizedMessage, bool) {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err == nil && update.Message != nil && update.Message.Chat.ID != 0 {
		return normalizedMessage{
			UserHandle: strconv.FormatInt(update.Message.Chat.ID, 10),
			Text:       update.Message.Text,
			MessageID:  strconv.FormatInt(update.Message.MessageID, 10),
		}, true
	}

	var msg normalizedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return normalizedMessage{}, false
	}
	if strings.TrimSpace(msg.UserHandle) == "" {
		return normalizedMessage{}, false
	}
	return msg, true
}
