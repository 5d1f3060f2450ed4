package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/gin-gonic/gin"
)

type accountPayload struct {
	UserID      string  `json:"user_id"`
	UserType    string  `json:"user_type"`
	DisplayName *string `json:"display_name"`
	AvatarURL   string  `json:"avatar_url"`
}

type roomPayload struct {
	RoomID   string `json:"room_id"`
	IsPublic bool   `json:"is_public"`
}

type membershipPayload struct {
	RoomID         string `json:"room_id"`
	UserID         string `json:"user_id"`
	Membership     string `json:"membership"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url"`
	StreamOrdering int64  `json:"stream_ordering"`
}

type profilePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Clear       bool   `json:"clear"`
}

type deactivationPayload struct {
	UserID string `json:"user_id"`
}

var knownMemberships = map[string]struct{}{
	homeserver.MembershipJoin:   {},
	homeserver.MembershipInvite: {},
	homeserver.MembershipLeave:  {},
	homeserver.MembershipBan:    {},
	homeserver.MembershipKnock:  {},
}

func (h *httpHandler) handleAccount(c *gin.Context) {
	var request accountPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	var profile *directory.ProfileInfo
	if request.DisplayName != nil {
		profile = &directory.ProfileInfo{DisplayName: *request.DisplayName, AvatarURL: request.AvatarURL}
	}
	account := homeserver.Account{
		UserID:   strings.TrimSpace(request.UserID),
		UserType: strings.TrimSpace(request.UserType),
	}
	if err := h.feed.RegisterAccount(c.Request.Context(), account, profile); err != nil {
		h.respondWithFeedError(c, "account registration failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleRoom(c *gin.Context) {
	var request roomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	if err := h.feed.SetRoomVisibility(c.Request.Context(), strings.TrimSpace(request.RoomID), request.IsPublic); err != nil {
		h.respondWithFeedError(c, "room update failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleMembership(c *gin.Context) {
	var request membershipPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	membership := strings.ToLower(strings.TrimSpace(request.Membership))
	if _, ok := knownMemberships[membership]; !ok {
		abortWithError(c, http.StatusBadRequest, errCodeInvalidParam, "unknown membership state")
		return
	}
	err := h.feed.SetMembership(c.Request.Context(), homeserver.RoomMembership{
		RoomID:         strings.TrimSpace(request.RoomID),
		UserID:         strings.TrimSpace(request.UserID),
		Membership:     membership,
		DisplayName:    request.DisplayName,
		AvatarURL:      request.AvatarURL,
		StreamOrdering: request.StreamOrdering,
	})
	if err != nil {
		h.respondWithFeedError(c, "membership update failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	var profile *directory.ProfileInfo
	if !request.Clear {
		profile = &directory.ProfileInfo{DisplayName: request.DisplayName, AvatarURL: request.AvatarURL}
	}
	if err := h.feed.SetProfile(c.Request.Context(), strings.TrimSpace(request.UserID), profile); err != nil {
		h.respondWithFeedError(c, "profile update failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleDeactivation(c *gin.Context) {
	var request deactivationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errCodeBadJSON, "invalid request body")
		return
	}
	if err := h.feed.Deactivate(c.Request.Context(), strings.TrimSpace(request.UserID)); err != nil {
		h.respondWithFeedError(c, "deactivation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
