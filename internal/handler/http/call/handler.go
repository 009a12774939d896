package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/service/device"
	"secureconnect-callagent/internal/service/session"
	"secureconnect-callagent/pkg/audit"
	"secureconnect-callagent/pkg/response"
)

// Service is the call session as seen by the control API
type Service interface {
	Snapshot() session.Snapshot
	InitiateCall(ctx context.Context, targetID string, kind domain.CallType, conversationID string) (*domain.Call, error)
	AcceptCall(ctx context.Context, kind domain.CallType) (*domain.Call, error)
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	CallAgain(ctx context.Context, targetID string, kind domain.CallType) (*domain.Call, error)
	ToggleAudio(ctx context.Context, enabled bool) error
	ToggleVideo(ctx context.Context, enabled bool) error
	ToggleScreenShare(ctx context.Context) (bool, error)
	GetAvailableDevices(ctx context.Context) (*device.Devices, error)
	ChangeAudioDevice(ctx context.Context, deviceID string) error
	ChangeVideoDevice(ctx context.Context, deviceID string) error
	Settings() domain.CallSettings
	UpdateSettings(patch domain.CallSettingsPatch) (domain.CallSettings, error)
	History() []domain.HistoryEntry
	HistoryStats() domain.HistoryStats
}

// AuditReader reads the call audit trail
type AuditReader interface {
	GetEvents(ctx context.Context, callID string, limit int) ([]*audit.AuditEvent, error)
}

// Handler handles call control HTTP requests
type Handler struct {
	service Service
	audit   AuditReader
}

// NewHandler creates a new call handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// WithAudit enables GET /v1/calls/:id/audit
func (h *Handler) WithAudit(reader AuditReader) *Handler {
	h.audit = reader
	return h
}

// RegisterRoutes mounts the control API on a router group
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/call", h.GetCall)
	r.POST("/calls", h.InitiateCall)
	r.POST("/call/accept", h.AcceptCall)
	r.POST("/call/decline", h.DeclineCall)
	r.POST("/call/end", h.EndCall)
	r.POST("/call/again", h.CallAgain)
	r.POST("/call/audio", h.ToggleAudio)
	r.POST("/call/video", h.ToggleVideo)
	r.POST("/call/screen-share", h.ToggleScreenShare)
	r.GET("/call/history", h.GetHistory)
	r.GET("/devices", h.GetDevices)
	r.PUT("/devices/audio-input", h.ChangeAudioInput)
	r.PUT("/devices/video-input", h.ChangeVideoInput)
	r.GET("/settings", h.GetSettings)
	r.PATCH("/settings", h.UpdateSettings)
	if h.audit != nil {
		r.GET("/calls/:id/audit", h.GetAudit)
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	TargetID       string `json:"targetId" binding:"required"`
	Type           string `json:"type" binding:"required,oneof=audio video"`
	ConversationID string `json:"conversationId"`
}

// AcceptCallRequest selects the media for an accepted call
type AcceptCallRequest struct {
	Type string `json:"type" binding:"omitempty,oneof=audio video"`
}

// CallAgainRequest redials a history entry
type CallAgainRequest struct {
	TargetID string `json:"targetId" binding:"required"`
	Type     string `json:"type" binding:"omitempty,oneof=audio video"`
}

// ToggleRequest switches a local track on or off
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ChangeDeviceRequest selects a capture device
type ChangeDeviceRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

// GetCall returns the session snapshot
// GET /v1/call
func (h *Handler) GetCall(c *gin.Context) {
	response.Success(c, http.StatusOK, h.service.Snapshot())
}

// InitiateCall starts an outgoing call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.service.InitiateCall(c.Request.Context(), req.TargetID, domain.CallType(req.Type), req.ConversationID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// AcceptCall answers the ringing call
// POST /v1/call/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	var req AcceptCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	call, err := h.service.AcceptCall(c.Request.Context(), domain.CallType(req.Type))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// DeclineCall rejects the ringing call
// POST /v1/call/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	if err := h.service.DeclineCall(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Call declined"})
}

// EndCall hangs up the current call
// POST /v1/call/end
func (h *Handler) EndCall(c *gin.Context) {
	if err := h.service.EndCall(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Call ended"})
}

// CallAgain redials a participant from the call history
// POST /v1/call/again
func (h *Handler) CallAgain(c *gin.Context) {
	var req CallAgainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.service.CallAgain(c.Request.Context(), req.TargetID, domain.CallType(req.Type))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// ToggleAudio mutes or unmutes the microphone
// POST /v1/call/audio
func (h *Handler) ToggleAudio(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.ToggleAudio(c.Request.Context(), *req.Enabled); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// ToggleVideo turns the camera on or off
// POST /v1/call/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.ToggleVideo(c.Request.Context(), *req.Enabled); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// ToggleScreenShare starts or stops screen sharing
// POST /v1/call/screen-share
func (h *Handler) ToggleScreenShare(c *gin.Context) {
	sharing, err := h.service.ToggleScreenShare(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"isScreenSharing": sharing})
}

// GetHistory returns the call log and its statistics
// GET /v1/call/history
func (h *Handler) GetHistory(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"entries": h.service.History(),
		"stats":   h.service.HistoryStats(),
	})
}

// GetDevices lists capture and playback devices
// GET /v1/devices
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.service.GetAvailableDevices(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, devices)
}

// ChangeAudioInput switches the microphone
// PUT /v1/devices/audio-input
func (h *Handler) ChangeAudioInput(c *gin.Context) {
	var req ChangeDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.ChangeAudioDevice(c.Request.Context(), req.DeviceID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deviceId": req.DeviceID})
}

// ChangeVideoInput switches the camera
// PUT /v1/devices/video-input
func (h *Handler) ChangeVideoInput(c *gin.Context) {
	var req ChangeDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.ChangeVideoDevice(c.Request.Context(), req.DeviceID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deviceId": req.DeviceID})
}

// GetSettings returns the call settings
// GET /v1/settings
func (h *Handler) GetSettings(c *gin.Context) {
	response.Success(c, http.StatusOK, h.service.Settings())
}

// UpdateSettings applies a partial settings update
// PATCH /v1/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch domain.CallSettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	settings, err := h.service.UpdateSettings(patch)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}

// GetAudit returns the audit trail of a call
// GET /v1/calls/:id/audit?limit=50
func (h *Handler) GetAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			response.ValidationError(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := h.audit.GetEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"events": records})
}
