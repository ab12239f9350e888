package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/auth"
	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/session"
)

const (
	identityContextKey       = "vision365_identity"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingAuthenticator = errors.New("session authenticator dependency required")
	errMissingSessions      = errors.New("session registry dependency required")
	errMissingIdentity      = errors.New("identity source dependency required")
	errMissingResolver      = errors.New("membership resolver dependency required")
	errMissingCommunities   = errors.New("community source dependency required")
	errMissingReader        = errors.New("building reader dependency required")
	errMissingWriter        = errors.New("building writer dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// SessionAuthenticator validates session tokens at the trusted-identity boundary.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// CommunityLister lists communities for the community picker.
type CommunityLister interface {
	ListCommunities(ctx context.Context) ([]directory.Community, error)
}

type Dependencies struct {
	Authenticator     SessionAuthenticator
	Sessions          *session.Registry
	Identity          session.IdentitySource
	Resolver          session.Resolver
	Communities       CommunityLister
	Reader            *buildings.Reader
	Writer            *buildings.Writer
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Identity == nil:
		return nil, errMissingIdentity
	case deps.Resolver == nil:
		return nil, errMissingResolver
	case deps.Communities == nil:
		return nil, errMissingCommunities
	case deps.Reader == nil:
		return nil, errMissingReader
	case deps.Writer == nil:
		return nil, errMissingWriter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		sessions:      deps.Sessions,
		identity:      deps.Identity,
		resolver:      deps.Resolver,
		communities:   deps.Communities,
		reader:        deps.Reader,
		writer:        deps.Writer,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/communities", handler.handleListCommunities)

	sessions := protected.Group("/sessions")
	sessions.POST("", handler.handleOpenSession)
	sessions.DELETE("/:session", handler.handleCloseSession)
	sessions.PUT("/:session/community", handler.handleSelectCommunity)
	sessions.PUT("/:session/building", handler.handleSelectBuilding)
	sessions.GET("/:session/view", handler.handleSessionView)
	sessions.GET("/:session/stream", handler.handleSessionStream)
	sessions.POST("/:session/mutations", handler.handleMutate)
	sessions.POST("/:session/toggles", handler.handleToggle)
	sessions.DELETE("/:session/notices/:notice", handler.handleDismissNotice)

	admin := protected.Group("/buildings")
	admin.Use(handler.requireAdmin)
	admin.POST("", handler.handleCreateBuilding)

	building := protected.Group("/buildings/:building")
	building.Use(handler.authorizeBuilding)
	building.GET("/snapshot", handler.handleBuildingSnapshot)
	building.GET("/details", handler.handleBuildingDetails)
	building.GET("/messages", handler.handleListMessages)
	building.GET("/construction", handler.handleConstruction)
	building.GET("/floors", handler.handleListFloors)
	building.GET("/floors/:floor", handler.handleFloorMap)
	building.POST("/incidents", handler.handleCreateIncident)
	building.GET("/alarm-reasons", handler.handleListAlarmReasons)
	building.POST("/alarm-reasons", handler.handleSaveAlarmReason)
	building.POST("/devices", handler.requireAdmin, handler.handleAddDevice)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	authenticator SessionAuthenticator
	sessions      *session.Registry
	identity      session.IdentitySource
	resolver      session.Resolver
	communities   CommunityLister
	reader        *buildings.Reader
	writer        *buildings.Writer
	heartbeat     time.Duration
	logger        *zap.Logger
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	serviceErr := classify(operation, err)
	if serviceErr.Status() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("code", serviceErr.Code()),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	message := http.StatusText(serviceErr.Status())
	if serviceErr.Status() < http.StatusInternalServerError && err != nil {
		message = err.Error()
	}
	c.AbortWithStatusJSON(serviceErr.Status(), errorPayload{Error: message, Code: serviceErr.Code()})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
		claims, err = h.authenticator.ValidateToken(token)
	} else {
		claims, err = h.authenticator.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.respondError(c, opAuthorize, newServiceError(opAuthorize, reasonUnauthorized, http.StatusUnauthorized, errInvalidAuthorization))
		return
	}
	c.Set(identityContextKey, session.Identity{Email: claims.Email(), Role: claims.UserRole})
	c.Next()
}

func identityFrom(c *gin.Context) session.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(session.Identity)
	return identity
}

// currentUser resolves the caller in the identity directory, applying the role carried by the
// session token.
func (h *httpHandler) currentUser(c *gin.Context) (directory.User, error) {
	identity := identityFrom(c)
	user, err := h.identity.LookupUser(c.Request.Context(), identity.Email)
	if err != nil {
		return directory.User{}, err
	}
	if strings.TrimSpace(identity.Role) != "" {
		user.Role = directory.ParseRole(identity.Role)
	}
	return user, nil
}

type communityPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Buildings []string `json:"buildings"`
}

func (h *httpHandler) handleListCommunities(c *gin.Context) {
	communities, err := h.communities.ListCommunities(c.Request.Context())
	if err != nil {
		h.logger.Warn("community directory unavailable", zap.Error(err))
		communities = nil
	}
	response := make([]communityPayload, 0, len(communities))
	for _, community := range communities {
		response = append(response, communityPayload{
			ID:        community.ID,
			Name:      community.DisplayName,
			Buildings: community.BuildingKeys(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"communities": response})
}
