package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

type syncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Limit     int    `json:"limit" binding:"min=0"`
}

type gmailSyncRequest struct {
	AccountID  string `json:"accountId" binding:"required"`
	MaxResults int    `json:"maxResults" binding:"min=0"`
	Query      string `json:"query"`
}

func (s *Server) bindSync(c *gin.Context, provider models.Provider) (sync.Request, bool) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return sync.Request{}, false
	}
	return sync.Request{
		UserID:    currentUser(c).ID,
		AccountID: req.AccountID,
		Provider:  provider,
		Limit:     req.Limit,
	}, true
}

func (s *Server) azureSyncEmails(c *gin.Context) {
	req, ok := s.bindSync(c, models.ProviderOutlook)
	if !ok {
		return
	}
	res, err := s.deps.Sync.SyncMessages(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "syncedCount": res.Synced})
}

func (s *Server) imapSync(c *gin.Context) {
	req, ok := s.bindSync(c, models.ProviderIMAP)
	if !ok {
		return
	}
	res, err := s.deps.Sync.SyncMessages(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "syncedCount": res.Synced})
}

func (s *Server) gmailSync(c *gin.Context) {
	var body gmailSyncRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.deps.Sync.SyncMessages(c.Request.Context(), sync.Request{
		UserID:    currentUser(c).ID,
		AccountID: body.AccountID,
		Provider:  models.ProviderGmail,
		Limit:     body.MaxResults,
		Query:     body.Query,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "synced": res.Synced, "total": res.Total})
}

func (s *Server) nylasSyncEmails(c *gin.Context) {
	req, ok := s.bindSync(c, models.ProviderNylas)
	if !ok {
		return
	}
	res, err := s.deps.Sync.SyncMessages(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "syncedCount": res.Synced, "lastSync": res.LastSync})
}

func (s *Server) nylasSyncCalendar(c *gin.Context) {
	req, ok := s.bindSync(c, models.ProviderNylas)
	if !ok {
		return
	}
	res, err := s.deps.Sync.SyncCalendar(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"syncedCount":    res.Synced,
		"calendarsCount": res.Calendars,
		"lastSync":       res.LastSync,
	})
}

func (s *Server) syncCalendar(provider models.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := s.bindSync(c, provider)
		if !ok {
			return
		}
		res, err := s.deps.Sync.SyncCalendar(c.Request.Context(), req)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "syncedCount": res.Synced})
	}
}
