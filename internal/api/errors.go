package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prospaces/mailsync/internal/auth"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/oauth"
	"github.com/prospaces/mailsync/internal/store"
	"github.com/prospaces/mailsync/internal/sync"
)

// errBadRequest marks request validation failures
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	var upstreamErr *models.UpstreamError
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, oauth.ErrReauthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, oauth.ErrInvalidState),
		errors.Is(err, sync.ErrProviderMismatch),
		errors.Is(err, sync.ErrUnsupported),
		errors.Is(err, sync.ErrDisconnected):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrSyncInProgress):
		return http.StatusConflict
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		// includes oauth.ErrNotConfigured
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if errors.Is(err, store.ErrNotFound) {
		msg = "account not found"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	} else {
		s.logger.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
}
