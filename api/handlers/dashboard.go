// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/controls"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/store"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/transport"
)

// Dashboard exposes the observable application state and the control
// surface over HTTP.
type Dashboard struct {
	store     *store.Store
	notifier  *store.Notifier
	transport *transport.Manager
	controls  *controls.Manager
}

// NewDashboard creates a Dashboard handler.
func NewDashboard(s *store.Store, n *store.Notifier, t *transport.Manager, c *controls.Manager) *Dashboard {
	return &Dashboard{store: s, notifier: n, transport: t, controls: c}
}

// RegisterRoutes registers the dashboard routes on a Gin router group.
func (h *Dashboard) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/connections", h.Connections)
	rg.GET("/connections/:conn/devices", h.Devices)
	rg.GET("/connections/:conn/availability", h.Availability)
	rg.GET("/connections/:conn/bridge", h.Bridge)
	rg.POST("/connections/:conn/token", h.SetToken)
	rg.POST("/connections/:conn/request", h.Request)
	rg.GET("/logs", h.Logs)
	rg.GET("/notifications", h.Notifications)
	rg.POST("/controls/acquire", h.AcquireControl)
	rg.POST("/controls/submit", h.SubmitControl)
	rg.POST("/controls/retry", h.RetryControl)
	rg.POST("/controls/read", h.ReadControl)
	rg.POST("/controls/release", h.ReleaseControl)
	rg.GET("/controls/state", h.ControlState)
}

// Connections handles GET /connections - connection status and metrics.
func (h *Dashboard) Connections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": h.store.Connections()})
}

// Devices handles GET /connections/:conn/devices - merged device states.
func (h *Dashboard) Devices(c *gin.Context) {
	conn, ok := connParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": h.store.Devices(conn)})
}

// Availability handles GET /connections/:conn/availability.
func (h *Dashboard) Availability(c *gin.Context) {
	conn, ok := connParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"availability": h.store.Availability(conn)})
}

// Bridge handles GET /connections/:conn/bridge - bridge aggregates.
func (h *Dashboard) Bridge(c *gin.Context) {
	conn, ok := connParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.store.Bridge(conn))
}

// SetToken handles POST /connections/:conn/token - supplies a credential
// for a connection suspended on authentication.
func (h *Dashboard) SetToken(c *gin.Context) {
	conn, ok := connParam(c)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := h.transport.SetToken(conn, req.Token); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Request handles POST /connections/:conn/request - a correlated bridge
// request, blocking until the response, timeout or connection loss.
func (h *Dashboard) Request(c *gin.Context) {
	conn, ok := connParam(c)
	if !ok {
		return
	}
	var req struct {
		Topic   string         `json:"topic" binding:"required"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	var payload any
	if req.Payload != nil {
		payload = req.Payload
	} else {
		payload = ""
	}
	data, err := h.transport.Request(c.Request.Context(), conn, req.Topic, payload)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrRequestTimeout):
			sendError(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", err.Error())
		case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrConnectionClosed):
			sendError(c, http.StatusBadGateway, "NOT_CONNECTED", err.Error())
		default:
			sendError(c, http.StatusBadRequest, "REQUEST_FAILED", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": data})
}

// Logs handles GET /logs - retained bridge log history.
func (h *Dashboard) Logs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": h.store.Logs()})
}

// Notifications handles GET /notifications - recent request outcomes.
func (h *Dashboard) Notifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.notifier.Recent()})
}

type controlRequest struct {
	Conn     int    `json:"conn"`
	Device   string `json:"device" binding:"required"`
	Property string `json:"property" binding:"required"`
	Batched  bool   `json:"batched"`
	Value    any    `json:"value"`
}

func (r controlRequest) key() controls.Key {
	return controls.Key{Conn: r.Conn, Device: r.Device, Property: r.Property}
}

// AcquireControl handles POST /controls/acquire - mounts a control.
func (h *Dashboard) AcquireControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	h.controls.Acquire(req.key(), controls.AcquireOptions{Batched: req.Batched})
	state, err := h.controls.State(req.key())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, state)
}

// SubmitControl handles POST /controls/submit.
func (h *Dashboard) SubmitControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	accepted, err := h.controls.Submit(req.key(), req.Value)
	if err != nil {
		sendError(c, http.StatusNotFound, "CONTROL_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// RetryControl handles POST /controls/retry.
func (h *Dashboard) RetryControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := h.controls.Retry(req.key()); err != nil {
		sendError(c, http.StatusNotFound, "CONTROL_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadControl handles POST /controls/read - explicit device read.
func (h *Dashboard) ReadControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := h.controls.Read(req.key()); err != nil {
		if errors.Is(err, controls.ErrNoSuchControl) {
			sendError(c, http.StatusNotFound, "CONTROL_NOT_FOUND", err.Error())
			return
		}
		sendError(c, http.StatusBadGateway, "NOT_CONNECTED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReleaseControl handles POST /controls/release - unmounts a control.
func (h *Dashboard) ReleaseControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	h.controls.Release(req.key())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ControlState handles GET /controls/state.
func (h *Dashboard) ControlState(c *gin.Context) {
	conn, err := strconv.Atoi(c.DefaultQuery("conn", "0"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "conn must be an integer")
		return
	}
	key := controls.Key{
		Conn:     conn,
		Device:   c.Query("device"),
		Property: c.Query("property"),
	}
	state, err := h.controls.State(key)
	if err != nil {
		sendError(c, http.StatusNotFound, "CONTROL_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, state)
}

func connParam(c *gin.Context) (int, bool) {
	conn, err := strconv.Atoi(c.Param("conn"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "conn must be an integer")
		return 0, false
	}
	return conn, true
}

// sendError sends a structured error response.
func sendError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
