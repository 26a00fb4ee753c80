package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "inkwell_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccounts         = errors.New("account directory dependency required")
	errMissingQuestEngine      = errors.New("quest engine dependency required")
)

// SessionValidator authenticates the caller of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// AccountDirectory resolves callers to accounts and roles.
type AccountDirectory interface {
	ResolveCanonicalUserID(ctx context.Context, session auth.Session) (string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
	Account(ctx context.Context, userID string) (users.Account, error)
}

// QuestEngine is the quest surface exposed over HTTP.
type QuestEngine interface {
	ListActiveQuests(ctx context.Context, userID string) ([]quests.CampaignQuests, error)
	ClaimReward(ctx context.Context, userID, stateID string) (quests.ClaimResult, error)
	CreateTemplate(ctx context.Context, input quests.TemplateInput) (quests.QuestTemplate, error)
	UpdateTemplate(ctx context.Context, templateID string, input quests.TemplateInput) (quests.QuestTemplate, error)
	DeleteTemplate(ctx context.Context, templateID string) error
	CreateCampaign(ctx context.Context, input quests.CampaignInput) (quests.QuestCampaign, error)
	UpdateCampaign(ctx context.Context, campaignID string, input quests.CampaignInput) (quests.QuestCampaign, error)
	DeleteCampaign(ctx context.Context, campaignID string) error
	AttachTemplate(ctx context.Context, campaignID, templateID string, sortOrder int) (quests.CampaignItem, error)
	DetachTemplate(ctx context.Context, campaignID, templateID string) error
	RunBackfill(ctx context.Context, opts quests.BackfillOptions) (quests.BackfillReport, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Accounts         AccountDirectory
	Quests           QuestEngine
	Realtime         *RealtimeDispatcher
	Logger           *zap.Logger
	AllowedOrigins   []string
	BackfillWorkers  int
	// HeartbeatInterval defaults to realtimeHeartbeatPeriod.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Quests == nil {
		return nil, errMissingQuestEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = realtimeHeartbeatPeriod
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:        deps.SessionValidator,
		accounts:        deps.Accounts,
		quests:          deps.Quests,
		realtime:        realtime,
		logger:          logger,
		backfillWorkers: deps.BackfillWorkers,
		heartbeat:       heartbeat,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/quests", handler.handleListQuests)
	protected.POST("/quests/states/:stateId/claim", handler.handleClaimReward)
	protected.GET("/quests/stream", handler.handleQuestStream)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/templates", handler.handleCreateTemplate)
	admin.PUT("/templates/:templateId", handler.handleUpdateTemplate)
	admin.DELETE("/templates/:templateId", handler.handleDeleteTemplate)
	admin.POST("/campaigns", handler.handleCreateCampaign)
	admin.PUT("/campaigns/:campaignId", handler.handleUpdateCampaign)
	admin.DELETE("/campaigns/:campaignId", handler.handleDeleteCampaign)
	admin.PUT("/campaigns/:campaignId/templates/:templateId", handler.handleAttachTemplate)
	admin.DELETE("/campaigns/:campaignId/templates/:templateId", handler.handleDetachTemplate)
	admin.POST("/backfill", handler.handleBackfill)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions        SessionValidator
	accounts        AccountDirectory
	quests          QuestEngine
	realtime        *RealtimeDispatcher
	logger          *zap.Logger
	backfillWorkers int
	heartbeat       time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.accounts.ResolveCanonicalUserID(c.Request.Context(), session)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// requireAdmin reads the role from the account row on every request.
func (h *httpHandler) requireAdmin(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	isAdmin, err := h.accounts.IsAdmin(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to read user role", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "role_lookup_failed"})
		return
	}
	if !isAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

type mePayload struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Experience int64  `json:"experience"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	account, err := h.accounts.Account(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		h.logger.Error("failed to load account", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, mePayload{
		UserID:     account.UserID,
		Role:       string(account.Role),
		Experience: account.Experience,
	})
}

// respondError maps engine failures onto HTTP statuses. The body carries the
// operation.reason code when one is available.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	code := "internal_error"
	var serviceErr *quests.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, quests.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, quests.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, quests.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quests.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, quests.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
