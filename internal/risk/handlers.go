package risk

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginguard/internal/common/errors"
	"github.com/openidx/loginguard/internal/common/logger"
)

const maxRecentLimit = 100

// Handler exposes the risk engine over HTTP for the host application and
// operators
type Handler struct {
	gate       *Gate
	store      ActivityStore
	resolver   *Resolver
	reputation *ReputationChecker
	policy     *Policy
	logger     *zap.Logger
	audit      *logger.AuditLogger
}

// NewHandler creates a new risk handler
func NewHandler(gate *Gate, store ActivityStore, resolver *Resolver, reputation *ReputationChecker, policy *Policy, log *zap.Logger) *Handler {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Handler{
		gate:       gate,
		store:      store,
		resolver:   resolver,
		reputation: reputation,
		policy:     policy,
		logger:     log.With(zap.String("component", "risk-handler")),
		audit:      logger.NewAuditLogger(log),
	}
}

// RouteGuards run in front of the risk API. Nil guards leave their routes
// open.
type RouteGuards struct {
	Authenticate gin.HandlerFunc
	Client       gin.HandlerFunc // login lifecycle
	Admin        gin.HandlerFunc // lookups, cache flush and history
}

func chain(guards ...gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(guards))
	for _, g := range guards {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}

// RegisterRoutes registers risk routes under /api/v1/risk
func (h *Handler) RegisterRoutes(router gin.IRouter, guards RouteGuards) {
	r := router.Group("/api/v1/risk", chain(guards.Authenticate)...)

	logins := r.Group("/logins", chain(guards.Client)...)
	{
		logins.POST("", h.BeginLogin)
		logins.POST("/:id/evaluate", h.EvaluateLogin)
		logins.POST("/:id/succeed", h.SucceedLogin)
		logins.POST("/:id/fail", h.FailLogin)
	}

	ops := r.Group("", chain(guards.Admin)...)
	{
		ops.GET("/geoip/:ip", h.ResolveIP)
		ops.GET("/reputation/:ip", h.CheckReputation)
		ops.DELETE("/cache", h.FlushCaches)

		ops.GET("/users/:user_id/logins", h.ListLogins)
		ops.DELETE("/users/:user_id/logins", h.DeleteLogins)
	}
}

type beginLoginRequest struct {
	UserID    string    `json:"user_id" binding:"required"`
	IPAddress string    `json:"ip_address" binding:"required"`
	UserAgent string    `json:"user_agent" binding:"required"`
	At        time.Time `json:"at"`
}

type failLoginRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type decisionResponse struct {
	AttemptID string   `json:"attempt_id"`
	Decision  Decision `json:"decision"`
	Verdict   Verdict  `json:"verdict"`
}

type reputationResponse struct {
	IP string `json:"ip"`
	ReputationVerdict
	FailMode FailMode `json:"fail_mode"`
	Probed   bool     `json:"probed"`
}

// ResolveIP handles GET /api/v1/risk/geoip/:ip
func (h *Handler) ResolveIP(c *gin.Context) {
	ip, ok := h.ipParam(c)
	if !ok {
		return
	}
	if h.resolver == nil {
		c.JSON(http.StatusOK, ResolvedLocation{IP: ip})
		return
	}
	c.JSON(http.StatusOK, h.resolver.Resolve(c.Request.Context(), ip))
}

// CheckReputation handles GET /api/v1/risk/reputation/:ip
func (h *Handler) CheckReputation(c *gin.Context) {
	ip, ok := h.ipParam(c)
	if !ok {
		return
	}
	resp := reputationResponse{IP: ip, FailMode: FailOpen}
	if h.reputation != nil {
		resp.ReputationVerdict = h.reputation.Check(c.Request.Context(), ip)
		resp.FailMode = h.reputation.FailMode()
		resp.Probed = h.reputation.ProbingEnabled()
	}
	c.JSON(http.StatusOK, resp)
}

// FlushCaches handles DELETE /api/v1/risk/cache
func (h *Handler) FlushCaches(c *gin.Context) {
	if h.reputation == nil {
		c.JSON(http.StatusOK, gin.H{"deleted": 0})
		return
	}
	n, err := h.reputation.FlushCaches(c.Request.Context())
	if err != nil {
		apperrors.HandleError(c, apperrors.CacheError("flush reputation caches", err))
		return
	}
	h.audit.LogCacheFlush(c.ClientIP(), n)
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// BeginLogin handles POST /api/v1/risk/logins
func (h *Handler) BeginLogin(c *gin.Context) {
	var req beginLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError(err.Error()))
		return
	}
	if _, err := netip.ParseAddr(req.IPAddress); err != nil {
		apperrors.HandleError(c, apperrors.InvalidIP(req.IPAddress))
		return
	}

	attempt, err := h.gate.Begin(c.Request.Context(), LoginRequest{
		UserID:    req.UserID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		At:        req.At,
	})
	if err != nil {
		h.handleStoreError(c, "", "create login attempt", err)
		return
	}
	c.JSON(http.StatusCreated, attempt)
}

// EvaluateLogin handles POST /api/v1/risk/logins/:id/evaluate
func (h *Handler) EvaluateLogin(c *gin.Context) {
	id := c.Param("id")
	attempt, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.handleStoreError(c, id, "get login attempt", err)
		return
	}
	decision, verdict := h.gate.Decide(c.Request.Context(), attempt)
	c.JSON(http.StatusOK, decisionResponse{AttemptID: id, Decision: decision, Verdict: verdict})
}

// SucceedLogin handles POST /api/v1/risk/logins/:id/succeed
func (h *Handler) SucceedLogin(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.MarkSucceeded(c.Request.Context(), id); err != nil {
		h.handleStoreError(c, id, "mark login succeeded", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// FailLogin handles POST /api/v1/risk/logins/:id/fail
func (h *Handler) FailLogin(c *gin.Context) {
	id := c.Param("id")
	var req failLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError(err.Error()))
		return
	}
	if err := h.store.MarkFailed(c.Request.Context(), id, req.Reason); err != nil {
		h.handleStoreError(c, id, "mark login failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListLogins handles GET /api/v1/risk/users/:user_id/logins
// Query params: limit (default: history window, max 100)
func (h *Handler) ListLogins(c *gin.Context) {
	limit := h.policy.HistoryWindow
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apperrors.HandleError(c, apperrors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRecentLimit)
	}

	attempts, err := h.store.Recent(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.handleStoreError(c, "", "list login attempts", err)
		return
	}
	if attempts == nil {
		attempts = []LoginAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// DeleteLogins handles DELETE /api/v1/risk/users/:user_id/logins
func (h *Handler) DeleteLogins(c *gin.Context) {
	userID := c.Param("user_id")
	n, err := h.store.DeleteForUser(c.Request.Context(), userID)
	if err != nil {
		h.handleStoreError(c, "", "delete login attempts", err)
		return
	}
	h.audit.LogHistoryDeleted(c.ClientIP(), userID, n)
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) ipParam(c *gin.Context) (string, bool) {
	raw := c.Param("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		apperrors.HandleError(c, apperrors.InvalidIP(raw))
		return "", false
	}
	return addr.String(), true
}

func (h *Handler) handleStoreError(c *gin.Context, id, op string, err error) {
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		apperrors.HandleError(c, apperrors.AttemptNotFound(id))
	case errors.Is(err, ErrAttemptFinalized):
		apperrors.HandleError(c, apperrors.AttemptFinalized(id))
	case errors.Is(err, ErrInvalidAttempt):
		apperrors.HandleError(c, apperrors.ValidationError(err.Error()))
	default:
		h.logger.Error("Login activity store failed", zap.String("operation", op), zap.Error(err))
		apperrors.HandleError(c, apperrors.DatabaseError(op, err))
	}
}
