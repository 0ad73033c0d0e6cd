// Package httpapi exposes the kernel's operator-facing surface: health,
// read-only audit queries, and capability administration. The
// mediated browser.* surface (§6) is bound directly into Agent Runtime
// submissions, never over HTTP — this package is the ambient
// management plane around it, modeled on audit-service's handlers.go
// and iam-service's api_keys_handler.go.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/corelib/httpmw"
	"github.com/browserkernel/kernel/internal/mediation"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// RegisterRoutes mounts every kernel HTTP endpoint onto e.
func RegisterRoutes(e *echo.Echo, auditLog *audit.Log, broker *capability.Broker, jwks keyfunc.Keyfunc, logger *zap.Logger) {
	e.Use(httpmw.NullToEmptyArray())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/v1", PrincipalAuth(jwks))
	v1.GET("/audit-logs", listAuditLogsHandler(auditLog, broker, logger))

	capHandler := &capabilitiesHandler{broker: broker, logger: logger}
	capHandler.Register(v1)
}

func listAuditLogsHandler(auditLog *audit.Log, broker *capability.Broker, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, ok := mustGetPrincipal(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errResp("missing principal context"))
		}

		limit, since := parseAuditQuery(c)

		// Even this read-only admin query goes through the mediated
		// API surface rather than calling auditLog.Query directly —
		// operational tooling is not a side channel around §6.
		api := mediation.New(mediation.Config{
			Principal: principal,
			Caps:      broker,
			Log:       auditLog,
			Budget:    mediation.NoopBudget{},
		})
		entries, err := api.AuditQuery(c.Request().Context(), audit.Filter{
			Principal: principal,
			OpPattern: c.QueryParam("op"),
			Since:     since,
			Limit:     limit,
		})
		if err != nil {
			logger.Error("audit query failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to query audit log"))
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"data":  entries,
			"count": len(entries),
		})
	}
}

func parseAuditQuery(c echo.Context) (int, time.Time) {
	limit := defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var since time.Time
	if v := c.QueryParam("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	return limit, since
}

// capabilitiesHandler exposes capability administration: list the
// calling principal's grants, issue a new one, revoke one by ID.
type capabilitiesHandler struct {
	broker *capability.Broker
	logger *zap.Logger
}

func (h *capabilitiesHandler) Register(g *echo.Group) {
	caps := g.Group("/capabilities")
	caps.GET("", h.list)
	caps.POST("", h.grant)
	caps.DELETE("/:id", h.revoke)
}

func (h *capabilitiesHandler) list(c echo.Context) error {
	principal, ok := mustGetPrincipal(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errResp("missing principal context"))
	}
	return c.JSON(http.StatusOK, h.broker.List(principal))
}

type grantRequest struct {
	Principal        string `json:"principal"`
	OperationPattern string `json:"operation_pattern"`
	ResourcePattern  string `json:"resource_pattern"`
	Risk             string `json:"risk"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (h *capabilitiesHandler) grant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
	}
	if req.Principal == "" || req.OperationPattern == "" || req.ResourcePattern == "" {
		return c.JSON(http.StatusBadRequest, errResp("principal, operation_pattern and resource_pattern are required"))
	}

	var expiresAt *time.Time
	if req.ExpiresInSeconds > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		expiresAt = &t
	}

	id, err := h.broker.Grant(c.Request().Context(), req.Principal, req.OperationPattern, req.ResourcePattern, capability.RiskTier(req.Risk), expiresAt)
	if err != nil {
		h.logger.Error("grant failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("failed to grant capability"))
	}

	return c.JSON(http.StatusCreated, map[string]string{"id": id.String()})
}

func (h *capabilitiesHandler) revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid capability id"))
	}
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "revoked via admin API"
	}
	if err := h.broker.Revoke(c.Request().Context(), id, reason); err != nil {
		h.logger.Error("revoke failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("failed to revoke capability"))
	}
	return c.NoContent(http.StatusNoContent)
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
