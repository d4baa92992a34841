// Package httpapi exposes the call manager to orchestration code and the
// dashboard. Handlers translate between HTTP and manager results; expected
// failures come back as {"success": false, "error": ...}, never as 5xx.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"callbridge/internal/calls"
	"callbridge/internal/callmgr"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

type CallHandlers struct {
	Manager *callmgr.Manager
}

func (h CallHandlers) InitiateCall(c *gin.Context) {
	var in callmgr.InitiateCallInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.Manager.InitiateCall(c.Request.Context(), in)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h CallHandlers) GetCall(c *gin.Context) {
	rec, ok := h.Manager.GetCall(c.Param("call_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h CallHandlers) ActiveCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Manager.ActiveCalls()})
}

func (h CallHandlers) CallHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.Manager.CallHistory(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("history read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

type speakRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h CallHandlers) Speak(c *gin.Context) {
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	err := h.Manager.Speak(c.Request.Context(), c.Param("call_id"), req.Text)
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type continueRequest struct {
	Prompt string `json:"prompt"`
}

func (h CallHandlers) ContinueCall(c *gin.Context) {
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.Manager.ContinueCall(c.Request.Context(), c.Param("call_id"), req.Prompt)
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, callmgr.ErrWaiterConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h CallHandlers) EndCall(c *gin.Context) {
	err := h.Manager.EndCall(c.Request.Context(), c.Param("call_id"))
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
