package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaystack/toolgate/internal/common/errors"
	"github.com/relaystack/toolgate/internal/common/logger"
	"github.com/relaystack/toolgate/pkg/gateway"
)

// Handler contains the HTTP handlers for the admin API.
type Handler struct {
	manager *gateway.Manager
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(mgr *gateway.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "admin-api")),
	}
}

// CreateServer submits a server configuration and connects it.
// POST /v1/servers
func (h *Handler) CreateServer(c *gin.Context) {
	var req CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	cfg, err := req.toConfig()
	if err != nil {
		writeError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.manager.Connect(c.Request.Context(), req.ID, cfg); err != nil {
		h.logger.Error("connect failed", zap.String("server_id", req.ID), zap.Error(err))
		writeError(c, gatewayToAppError(err, "connect failed"))
		return
	}

	health, err := h.manager.Health(req.ID)
	if err != nil {
		writeError(c, errors.InternalError("connected but health lookup failed", err))
		return
	}
	c.JSON(http.StatusCreated, health)
}

// ListServers reports the status of every configured server.
// GET /v1/servers
func (h *Handler) ListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": h.manager.ListHealth()})
}

// ServerHealth reports the status of one server.
// GET /v1/servers/:id/health
func (h *Handler) ServerHealth(c *gin.Context) {
	health, err := h.manager.Health(c.Param("id"))
	if err != nil {
		writeError(c, gatewayToAppError(err, "health lookup failed"))
		return
	}
	c.JSON(http.StatusOK, health)
}

// ReconnectServer forces a fresh session for the server.
// POST /v1/servers/:id/reconnect
func (h *Handler) ReconnectServer(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Reconnect(c.Request.Context(), id); err != nil {
		h.logger.Error("reconnect failed", zap.String("server_id", id), zap.Error(err))
		writeError(c, gatewayToAppError(err, "reconnect failed"))
		return
	}
	health, err := h.manager.Health(id)
	if err != nil {
		writeError(c, errors.InternalError("reconnected but health lookup failed", err))
		return
	}
	c.JSON(http.StatusOK, health)
}

// DeleteServer disconnects the server and forgets its configuration.
// DELETE /v1/servers/:id
func (h *Handler) DeleteServer(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Remove(c.Request.Context(), id); err != nil {
		writeError(c, gatewayToAppError(err, "disconnect failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "server removed"})
}

// ListCapabilities lists registry entries, optionally filtered by owning
// server and kind.
// GET /v1/capabilities?server=<id>&kind=<tool|prompt|resource|resource_template>
func (h *Handler) ListCapabilities(c *gin.Context) {
	filter := gateway.ListFilter{
		ServerID: c.Query("server"),
		Kind:     gateway.CapabilityKind(c.Query("kind")),
	}
	switch filter.Kind {
	case "", gateway.KindTool, gateway.KindPrompt, gateway.KindResource, gateway.KindResourceTemplate:
	default:
		writeError(c, errors.ValidationError("kind", "must be tool, prompt, resource, or resource_template"))
		return
	}

	entries := h.manager.Registry().List(filter)
	out := make([]CapabilityResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, capabilityToResponse(entry))
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": out})
}

// Invoke calls a tool by its namespaced key.
// POST /v1/invoke
func (h *Handler) Invoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := h.manager.Invoke(c.Request.Context(), req.Key, req.Arguments, timeout)
	if err != nil {
		h.logger.Warn("invoke failed", zap.String("key", req.Key), zap.Error(err))
		writeError(c, gatewayToAppError(err, "invoke failed"))
		return
	}
	c.JSON(http.StatusOK, result)
}

// gatewayToAppError maps a gateway failure onto the HTTP error vocabulary.
// Auth failures keep their own status so operators can tell a bad credential
// from an unreachable endpoint.
func gatewayToAppError(err error, message string) *errors.AppError {
	switch {
	case stderrors.Is(err, gateway.ErrUnknownServer):
		return &errors.AppError{
			Code: errors.ErrCodeNotFound, Message: err.Error(),
			HTTPStatus: http.StatusNotFound, Err: err,
		}
	case stderrors.Is(err, gateway.ErrUnknownCapability):
		return &errors.AppError{
			Code: errors.ErrCodeNotFound, Message: err.Error(),
			HTTPStatus: http.StatusNotFound, Err: err,
		}
	case stderrors.Is(err, gateway.ErrManagerClosed):
		return errors.ServiceUnavailable("gateway")
	}

	switch gateway.ErrorKindOf(err) {
	case gateway.ErrKindAuth:
		return &errors.AppError{
			Code: errors.ErrCodeUnauthorized, Message: err.Error(),
			HTTPStatus: http.StatusUnauthorized, Err: err,
		}
	case gateway.ErrKindTimeout:
		return errors.UpstreamTimeout(message, err)
	case gateway.ErrKindConnect, gateway.ErrKindHandshake, gateway.ErrKindDiscovery,
		gateway.ErrKindInvocation, gateway.ErrKindTransportLost:
		return errors.UpstreamError(err.Error(), err)
	}
	return errors.InternalError(message, err)
}

func writeError(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.HTTPStatus, appErr)
}
