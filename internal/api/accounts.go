package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prospaces/mailsync/internal/models"
)

type imapConnectRequest struct {
	Email    string `json:"email" binding:"required,email"`
	IMAPHost string `json:"imapHost" binding:"required"`
	IMAPPort int    `json:"imapPort" binding:"required,min=1,max=65535"`
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
	SMTPHost string `json:"smtpHost"`
	SMTPPort int    `json:"smtpPort" binding:"omitempty,min=1,max=65535"`
}

func (s *Server) imapConnect(c *gin.Context) {
	var req imapConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if (req.SMTPHost == "") != (req.SMTPPort == 0) {
		s.badRequest(c, errors.New("smtpHost and smtpPort must be set together"))
		return
	}
	if req.Username == "" {
		req.Username = req.Email
	}

	ctx := c.Request.Context()
	user := currentUser(c)
	acct := &models.Account{
		UserID:       user.ID,
		Provider:     models.ProviderIMAP,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		IMAPUsername: req.Username,
		IMAPPassword: req.Password,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
	}

	if s.deps.VerifyIMAP != nil {
		if err := s.deps.VerifyIMAP(ctx, acct); err != nil {
			s.badRequest(c, fmt.Errorf("IMAP login failed: %w", err))
			return
		}
	}

	org, err := s.organization(ctx, user.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	acct.OrganizationID = org

	if err := s.deps.Accounts.UpsertAccount(ctx, acct); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("account connected", "provider", acct.Provider, "account_id", acct.ID, "user_id", user.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "accountId": acct.ID})
}

type disconnectRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

func (s *Server) disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.deps.Sync.Disconnect(c.Request.Context(), currentUser(c).ID, req.AccountID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
