// Package api exposes the toolgate admin surface over HTTP: server
// configuration and lifecycle, capability listing, and tool invocation.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relaystack/toolgate/internal/common/logger"
	"github.com/relaystack/toolgate/pkg/gateway"
)

// SetupRoutes configures the admin API routes.
// router should be the /v1 group.
func SetupRoutes(router *gin.RouterGroup, mgr *gateway.Manager, log *logger.Logger) {
	handler := NewHandler(mgr, log)

	servers := router.Group("/servers")
	{
		servers.POST("", handler.CreateServer)
		servers.GET("", handler.ListServers)
		servers.GET("/:id/health", handler.ServerHealth)
		servers.POST("/:id/reconnect", handler.ReconnectServer)
		servers.DELETE("/:id", handler.DeleteServer)
	}

	router.GET("/capabilities", handler.ListCapabilities)
	router.POST("/invoke", handler.Invoke)
}
