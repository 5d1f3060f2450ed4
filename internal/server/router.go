package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/auth"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "userdirectory_claims"
	requestIDContextKey = "userdirectory_request_id"
	requestIDHeader     = "X-Request-ID"

	searchPath        = "/_matrix/client/v3/user_directory/search"
	adminPathPrefix   = "/_userdirectory/admin/v1"
	feedPathPrefix    = "/_userdirectory/feed/v1"
	metricsPath       = "/metrics"
	healthPath        = "/healthz"
	errorCodeField    = "errcode"
	errorMessageField = "error"
)

// Matrix style error codes.
const (
	errCodeMissingToken = "M_MISSING_TOKEN"
	errCodeUnknownToken = "M_UNKNOWN_TOKEN"
	errCodeForbidden    = "M_FORBIDDEN"
	errCodeBadJSON      = "M_BAD_JSON"
	errCodeInvalidParam = "M_INVALID_PARAM"
	errCodeNotFound     = "M_NOT_FOUND"
	errCodeUnknown      = "M_UNKNOWN"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSearcher       = errors.New("directory searcher dependency required")
	errMissingAdmin          = errors.New("directory admin dependency required")
	errMissingFeed           = errors.New("directory feed dependency required")
)

// AccessTokenValidator authenticates requests.
type AccessTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AccessClaims, error)
}

// DirectorySearcher answers user directory searches.
type DirectorySearcher interface {
	SearchUsers(ctx context.Context, searcherID, term string, limit int) (directory.SearchResult, error)
}

// DirectoryAdmin exposes the administrative operations.
type DirectoryAdmin interface {
	Rebuild(ctx context.Context) (string, error)
	Status(ctx context.Context) (directory.AdminStatus, error)
	Reactivate(ctx context.Context, userID string) error
}

// DirectoryFeed records room state changes.
type DirectoryFeed interface {
	RegisterAccount(ctx context.Context, account homeserver.Account, profile *directory.ProfileInfo) error
	SetRoomVisibility(ctx context.Context, roomID string, isPublic bool) error
	SetMembership(ctx context.Context, membership homeserver.RoomMembership) error
	SetProfile(ctx context.Context, userID string, profile *directory.ProfileInfo) error
	Deactivate(ctx context.Context, userID string) error
}

// SearchLimits bounds the number of results a client may request.
type SearchLimits struct {
	Default int
	Max     int
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens         AccessTokenValidator
	Searcher       DirectorySearcher
	Admin          DirectoryAdmin
	Feed           DirectoryFeed
	MetricsHandler http.Handler
	Limits         SearchLimits
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving search, admin and feed endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Searcher == nil {
		return nil, errMissingSearcher
	}
	if deps.Admin == nil {
		return nil, errMissingAdmin
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:   deps.Tokens,
		searcher: deps.Searcher,
		admin:    deps.Admin,
		feed:     deps.Feed,
		limits:   normalizeLimits(deps.Limits),
		logger:   logger,
	}

	router.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET(metricsPath, gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(searchPath, handler.handleUserDirectorySearch)

	admin := router.Group(adminPathPrefix)
	admin.Use(handler.authorizeRequest, handler.requireAdmin)
	admin.POST("/rebuild", handler.handleRebuild)
	admin.GET("/status", handler.handleStatus)
	admin.POST("/users/:userID/reactivate", handler.handleReactivate)

	feed := router.Group(feedPathPrefix)
	feed.Use(handler.authorizeRequest, handler.requireAdmin)
	feed.POST("/accounts", handler.handleAccount)
	feed.POST("/rooms", handler.handleRoom)
	feed.POST("/memberships", handler.handleMembership)
	feed.POST("/profiles", handler.handleProfile)
	feed.POST("/deactivations", handler.handleDeactivation)

	return router, nil
}

type httpHandler struct {
	tokens   AccessTokenValidator
	searcher DirectorySearcher
	admin    DirectoryAdmin
	feed     DirectoryFeed
	limits   SearchLimits
	logger   *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
}

// requestIDMiddleware propagates the caller's request id or assigns a new one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingAccessToken):
			h.logger.Debug("request without access token", zap.String("path", c.FullPath()))
			abortWithError(c, http.StatusUnauthorized, errCodeMissingToken, "missing access token")
		case errors.Is(err, auth.ErrExpiredAccessToken), errors.Is(err, jwt.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, errCodeUnknownToken, "access token expired")
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, errCodeUnknownToken, "unrecognised access token")
		}
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	claims, ok := requestClaims(c)
	if !ok || !claims.HasRole(auth.RoleAdmin) {
		h.logger.Warn("admin access denied",
			zap.String("user_id", claims.UserID),
			zap.String("path", c.FullPath()))
		abortWithError(c, http.StatusForbidden, errCodeForbidden, "admin access required")
		return
	}
	c.Next()
}

func requestClaims(c *gin.Context) (auth.AccessClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.AccessClaims{}, false
	}
	claims, ok := value.(auth.AccessClaims)
	return claims, ok
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{errorCodeField: code, errorMessageField: message})
}

func normalizeLimits(limits SearchLimits) SearchLimits {
	if limits.Max <= 0 {
		limits.Max = 50
	}
	if limits.Default <= 0 || limits.Default > limits.Max {
		limits.Default = min(10, limits.Max)
	}
	return limits
}
