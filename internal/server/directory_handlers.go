package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type searchRequestPayload struct {
	SearchTerm *string `json:"search_term"`
	Limit      *int    `json:"limit"`
}

type rebuildResponsePayload struct {
	RebuildID string `json:"rebuild_id"`
}

func (h *httpHandler) handleUserDirectorySearch(c *gin.Context) {
	claims, ok := requestClaims(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, errCodeMissingToken, "missing access token")
		return
	}

	var request searchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	if request.SearchTerm == nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "search_term is required")
		return
	}

	limit := h.limits.Default
	if request.Limit != nil {
		limit = min(*request.Limit, h.limits.Max)
	}

	result, err := h.searcher.SearchUsers(c.Request.Context(), claims.UserID, *request.SearchTerm, limit)
	if err != nil {
		h.logger.Error("user directory search failed", h.requestFields(c, zap.Error(err))...)
		abortWithError(c, http.StatusInternalServerError, errCodeUnknown, "search failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRebuild(c *gin.Context) {
	rebuildID, err := h.admin.Rebuild(c.Request.Context())
	if err != nil {
		h.logger.Error("user directory rebuild failed", h.requestFields(c, zap.Error(err))...)
		abortWithError(c, http.StatusInternalServerError, errCodeUnknown, "rebuild failed")
		return
	}
	c.JSON(http.StatusAccepted, rebuildResponsePayload{RebuildID: rebuildID})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.admin.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("user directory status failed", h.requestFields(c, zap.Error(err))...)
		abortWithError(c, http.StatusInternalServerError, errCodeUnknown, "status failed")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleReactivate(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	if err := h.admin.Reactivate(c.Request.Context(), userID); err != nil {
		h.respondWithFeedError(c, "reactivation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// respondWithFeedError maps domain failures onto Matrix style error responses.
func (h *httpHandler) respondWithFeedError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, homeserver.ErrInvalidUserID), errors.Is(err, homeserver.ErrInvalidRoomID):
		h.logger.Info(message, h.requestFields(c, zap.Error(err))...)
		abortWithError(c, http.StatusBadRequest, errCodeInvalidParam, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		h.logger.Info(message, h.requestFields(c, zap.Error(err))...)
		abortWithError(c, http.StatusNotFound, errCodeNotFound, "unknown user or room")
	default:
		fields := []zap.Field{zap.Error(err)}
		var serviceErr *directory.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error(message, h.requestFields(c, fields...)...)
		abortWithError(c, http.StatusInternalServerError, errCodeUnknown, message)
	}
}

func (h *httpHandler) requestFields(c *gin.Context, fields ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("request_id", c.GetString(requestIDContextKey)),
		zap.String("path", c.FullPath()),
	}, fields...)
}
