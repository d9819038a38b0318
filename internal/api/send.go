package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
)

// Recipients accepts either "a@x, b@y" or ["a@x", "b@y"]
type Recipients []string

func (r *Recipients) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = mailfmt.SplitAddresses(s)
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("recipients must be a string or an array of strings")
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	*r = out
	return nil
}

type sendRequest struct {
	AccountID string     `json:"accountId" binding:"required"`
	To        Recipients `json:"to"`
	Cc        Recipients `json:"cc"`
	Bcc       Recipients `json:"bcc"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	Folder     string    `json:"folder"`
	IsRead     bool      `json:"isRead"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func newMessageResponse(m *models.Message) messageResponse {
	return messageResponse{
		ID:         m.ID,
		MessageID:  m.MessageID,
		Subject:    m.Subject,
		From:       m.From,
		To:         m.To,
		Cc:         m.Cc,
		Bcc:        m.Bcc,
		Folder:     string(m.Folder),
		IsRead:     m.IsRead,
		ReceivedAt: m.ReceivedAt,
	}
}

func (s *Server) sendEmail(provider models.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
		if len(req.To) == 0 {
			s.badRequest(c, errors.New("at least one recipient is required"))
			return
		}
		if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
			s.badRequest(c, errors.New("subject or body is required"))
			return
		}

		for _, list := range [][]string{req.To, req.Cc, req.Bcc} {
			if _, err := mailfmt.ParseAddresses(list); err != nil {
				s.badRequest(c, err)
				return
			}
		}

		msg, err := s.deps.Sync.Send(c.Request.Context(), currentUser(c).ID, req.AccountID, provider, mailfmt.Outgoing{
			To:      req.To,
			Cc:      req.Cc,
			Bcc:     req.Bcc,
			Subject: req.Subject,
			Body:    req.Body,
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": newMessageResponse(msg)})
	}
}
