package main

import (
	"callbridge/internal/callmgr"
	"callbridge/internal/httpapi"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Manager      *callmgr.Manager
	Provider     telephony.Provider
	Hub          *httpapi.StreamHub
	CallsEnabled bool
	ProviderName string
}

// registerRoutes wires HTTP routes to handlers. Keep this file free of
// business logic; handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, authenticated by signature verification
	// inside the handler). Answer fetches arrive as GET, events as POST.
	if deps.CallsEnabled && deps.Provider != nil {
		wh := telephony.WebhookHandler{Provider: deps.Provider, Manager: deps.Manager}
		hooks := r.Group("/webhooks/" + deps.ProviderName)
		{
			hooks.GET("/answer", wh.Handle)
			hooks.POST("/answer", wh.Handle)
			hooks.POST("/event", wh.Handle)
		}
	}

	v1 := r.Group("/v1")
	{
		h := httpapi.CallHandlers{Manager: deps.Manager}
		callsGroup := v1.Group("/calls")
		{
			callsGroup.POST("", h.InitiateCall)
			callsGroup.GET("", h.ActiveCalls)
			callsGroup.GET("/history", h.CallHistory)
			callsGroup.GET("/stream", deps.Hub.Serve)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.POST("/:call_id/speak", h.Speak)
			callsGroup.POST("/:call_id/continue", h.ContinueCall)
			callsGroup.DELETE("/:call_id", h.EndCall)
		}
	}
}
