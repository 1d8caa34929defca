// internal/handler/psu_handler.go
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"psu-service/internal/model"
	"psu-service/internal/repository"
	"psu-service/internal/service"
	"psu-service/internal/utils"
	"psu-service/pkg/psu"
)

// PSUHandler handles PSU-related HTTP requests
type PSUHandler struct {
	psuService       *service.PSUService
	telemetryService *service.TelemetryService
	logger           *utils.ServiceLogger
}

// SetpointRequest carries a voltage or current value
type SetpointRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

// OutputRequest switches a channel output
type OutputRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// LockRequest locks or unlocks the front panel keys
type LockRequest struct {
	Locked *bool `json:"locked" binding:"required"`
}

// NewPSUHandler creates a new PSU handler
func NewPSUHandler(psuService *service.PSUService, telemetryService *service.TelemetryService, logger *zap.Logger) *PSUHandler {
	return &PSUHandler{
		psuService:       psuService,
		telemetryService: telemetryService,
		logger:           utils.NewServiceLogger(logger, "psu-handler"),
	}
}

// RegisterRoutes registers PSU routes
func (h *PSUHandler) RegisterRoutes(router *gin.RouterGroup) {
	psuGroup := router.Group("/psu")
	{
		psuGroup.GET("", h.GetStatus)
		psuGroup.GET("/ports", h.ListPorts)
		psuGroup.POST("/connect", h.Connect)
		psuGroup.POST("/disconnect", h.Disconnect)
		psuGroup.POST("/apply-defaults", h.ApplyDefaults)
		psuGroup.POST("/lock", h.LockKeys)
		psuGroup.GET("/operations", h.ListOperations)
		psuGroup.GET("/operations/stats", h.GetOperationStats)
		psuGroup.POST("/targets/:usage/power-cycle", h.PowerCycleTarget)

		channels := psuGroup.Group("/channels")
		{
			channels.GET("", h.GetTelemetry)
			channels.GET("/:channel", h.ReadChannel)
			channels.PUT("/:channel/voltage", h.SetVoltage)
			channels.PUT("/:channel/current", h.SetCurrent)
			channels.PUT("/:channel/output", h.SetOutput)
			channels.POST("/:channel/power-cycle", h.PowerCycle)
		}
	}
}

// GetStatus returns link and deployment state
// @Summary Get PSU status
// @Description Link state, active profile, command dialect and deployment flags
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.PSUStatus} "Status retrieved"
// @Router /psu [get]
func (h *PSUHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Status retrieved", h.psuService.Status())
}

// ListPorts lists serial ports
// @Summary List serial ports
// @Description Serial ports that a connect would probe
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]string} "Ports listed"
// @Router /psu/ports [get]
func (h *PSUHandler) ListPorts(c *gin.Context) {
	ports, err := h.psuService.ListPorts()
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports listed", ports)
}

// Connect probes serial ports for the PSU
// @Summary Connect to the PSU
// @Description Probe every serial port for an identity matching the active profile
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse{data=psu.LinkState} "Connected"
// @Failure 404 {object} utils.APIResponse "No matching power supply"
// @Router /psu/connect [post]
func (h *PSUHandler) Connect(c *gin.Context) {
	state, err := h.psuService.Connect(c.Request.Context(), utils.GetRequestID(c))
	if err != nil {
		h.logger.Error("Failed to connect power supply", zap.Error(err))
		utils.PSUErrorResponse(c, "Failed to connect power supply", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, state.String(), state)
}

// Disconnect releases the PSU
// @Summary Disconnect from the PSU
// @Description Unlock the front panel and close the serial port
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse "Disconnected"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Router /psu/disconnect [post]
func (h *PSUHandler) Disconnect(c *gin.Context) {
	if err := h.psuService.Disconnect(c.Request.Context(), utils.GetRequestID(c)); err != nil {
		utils.PSUErrorResponse(c, "Failed to disconnect power supply", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Disconnected", nil)
}

// ApplyDefaults writes the profile defaults
// @Summary Apply profile defaults
// @Description Write output state, voltage and current defaults to every configured channel
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse "Defaults applied"
// @Failure 403 {object} utils.APIResponse "Deployment active"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Router /psu/apply-defaults [post]
func (h *PSUHandler) ApplyDefaults(c *gin.Context) {
	if err := h.psuService.ApplyDefaults(c.Request.Context(), utils.GetRequestID(c)); err != nil {
		h.logger.Error("Failed to apply defaults", zap.Error(err))
		utils.PSUErrorResponse(c, "Failed to apply defaults", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Defaults applied", h.psuService.Profile().Channels)
}

// LockKeys locks or unlocks the front panel
// @Summary Lock front panel keys
// @Tags PSU
// @Accept json
// @Produce json
// @Param request body LockRequest true "Lock state"
// @Success 200 {object} utils.APIResponse "Lock state changed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Router /psu/lock [post]
func (h *PSUHandler) LockKeys(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.psuService.LockKeys(c.Request.Context(), *req.Locked, utils.GetRequestID(c)); err != nil {
		utils.PSUErrorResponse(c, "Failed to change key lock", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Lock state changed", gin.H{"locked": *req.Locked})
}

// GetTelemetry returns the latest telemetry snapshot
// @Summary Latest channel telemetry
// @Description Measured voltage and current of every configured channel from the last poll
// @Tags Channels
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.TelemetrySnapshot} "Telemetry retrieved"
// @Router /psu/channels [get]
func (h *PSUHandler) GetTelemetry(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Telemetry retrieved", h.telemetryService.Snapshot())
}

// ReadChannel reads one channel from the device
// @Summary Read channel
// @Description Live read of set voltage, measured voltage and measured current. Failed reads are null.
// @Tags Channels
// @Produce json
// @Param channel path int true "Channel number" minimum(1) maximum(4)
// @Success 200 {object} utils.APIResponse{data=psu.ChannelReading} "Channel read"
// @Failure 400 {object} utils.APIResponse "Invalid channel"
// @Router /psu/channels/{channel} [get]
func (h *PSUHandler) ReadChannel(c *gin.Context) {
	channel, ok := h.channelParam(c)
	if !ok {
		return
	}

	reading, err := h.psuService.ReadChannel(c.Request.Context(), channel)
	if err != nil {
		utils.PSUErrorResponse(c, "Failed to read channel", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Channel read", reading)
}

// SetVoltage sets the output voltage of a channel
// @Summary Set channel voltage
// @Description Write the voltage set-point and read it back
// @Tags Channels
// @Accept json
// @Produce json
// @Param channel path int true "Channel number" minimum(1) maximum(4)
// @Param request body SetpointRequest true "Voltage in volts, 0 to 30"
// @Success 200 {object} utils.APIResponse{data=service.SetpointResult} "Voltage set"
// @Failure 400 {object} utils.APIResponse "Invalid channel or voltage"
// @Failure 403 {object} utils.APIResponse "Deployment active"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Router /psu/channels/{channel}/voltage [put]
func (h *PSUHandler) SetVoltage(c *gin.Context) {
	channel, req, ok := h.setpointRequest(c)
	if !ok {
		return
	}

	result, err := h.psuService.SetVoltage(c.Request.Context(), channel, *req.Value, utils.GetRequestID(c))
	if err != nil {
		utils.PSUErrorResponse(c, "Failed to set voltage", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Voltage set", result)
}

// SetCurrent sets the current limit of a channel
// @Summary Set channel current limit
// @Tags Channels
// @Accept json
// @Produce json
// @Param channel path int true "Channel number" minimum(1) maximum(4)
// @Param request body SetpointRequest true "Current in amperes, 0 to 5"
// @Success 200 {object} utils.APIResponse{data=service.SetpointResult} "Current set"
// @Failure 400 {object} utils.APIResponse "Invalid channel or current"
// @Failure 403 {object} utils.APIResponse "Deployment active"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Router /psu/channels/{channel}/current [put]
func (h *PSUHandler) SetCurrent(c *gin.Context) {
	channel, req, ok := h.setpointRequest(c)
	if !ok {
		return
	}

	result, err := h.psuService.SetCurrent(c.Request.Context(), channel, *req.Value, utils.GetRequestID(c))
	if err != nil {
		utils.PSUErrorResponse(c, "Failed to set current", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Current set", result)
}

// SetOutput switches a channel output
// @Summary Enable or disable a channel output
// @Tags Channels
// @Accept json
// @Produce json
// @Param channel path int true "Channel number" minimum(1) maximum(4)
// @Param request body OutputRequest true "Output state"
// @Success 200 {object} utils.APIResponse "Output changed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Router /psu/channels/{channel}/output [put]
func (h *PSUHandler) SetOutput(c *gin.Context) {
	channel, ok := h.channelParam(c)
	if !ok {
		return
	}

	var req OutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.psuService.SetOutput(c.Request.Context(), channel, *req.Enabled, utils.GetRequestID(c)); err != nil {
		utils.PSUErrorResponse(c, "Failed to change output", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Output changed", gin.H{
		"channel": channel,
		"enabled": *req.Enabled,
	})
}

// PowerCycle power-cycles a channel
// @Summary Power-cycle a channel
// @Description Disable the output, sample, re-enable and sample again. Takes several seconds.
// @Tags Channels
// @Produce json
// @Param channel path int true "Channel number" minimum(1) maximum(4)
// @Success 200 {object} utils.APIResponse{data=psu.PowerCycleReport} "Power cycle completed"
// @Failure 400 {object} utils.APIResponse "Invalid channel"
// @Failure 403 {object} utils.APIResponse "Deployment active"
// @Failure 409 {object} utils.APIResponse "Not connected"
// @Failure 502 {object} utils.APIResponse "Output switch failed during the cycle"
// @Router /psu/channels/{channel}/power-cycle [post]
func (h *PSUHandler) PowerCycle(c *gin.Context) {
	channel, ok := h.channelParam(c)
	if !ok {
		return
	}

	report, err := h.psuService.PowerCycle(c.Request.Context(), channel, utils.GetRequestID(c))
	if err != nil {
		h.logger.Error("Power cycle failed", zap.Error(err), zap.Int("channel", channel))
		utils.PSUErrorResponse(c, "Power cycle failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Power cycle completed", report)
}

// PowerCycleTarget power-cycles the channel serving a usage label
// @Summary Power-cycle a target
// @Description Power-cycle the default-on channel whose usage matches, optionally applying defaults first
// @Tags PSU
// @Produce json
// @Param usage path string true "Channel usage label"
// @Param apply_defaults query bool false "Apply profile defaults first"
// @Success 200 {object} utils.APIResponse{data=psu.PowerCycleReport} "Power cycle completed"
// @Failure 404 {object} utils.APIResponse "No channel serves the target"
// @Router /psu/targets/{usage}/power-cycle [post]
func (h *PSUHandler) PowerCycleTarget(c *gin.Context) {
	usage := c.Param("usage")
	applyDefaults, _ := strconv.ParseBool(c.DefaultQuery("apply_defaults", "false"))

	report, err := h.psuService.PowerCycleTarget(c.Request.Context(), usage, applyDefaults, utils.GetRequestID(c))
	if err != nil {
		utils.PSUErrorResponse(c, "Power cycle failed", err, service.ErrUnknownTarget)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Power cycle completed", report)
}

// ListOperations lists journal entries
// @Summary List operations
// @Description Recent commands issued to the PSU and their outcome, newest first
// @Tags Operations
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page" default(50)
// @Param operation_type query string false "Filter by type" Enums(CONNECT, DISCONNECT, SET_VOLTAGE, SET_CURRENT, SET_OUTPUT, LOCK_KEYS, APPLY_DEFAULTS, POWER_CYCLE)
// @Param status query string false "Filter by status" Enums(SUCCESS, FAILED, REJECTED, TIMEOUT)
// @Param channel query int false "Filter by channel"
// @Param since query string false "RFC3339 start time"
// @Success 200 {object} utils.APIResponse{data=object{operations=[]model.Operation,total=int}} "Operations retrieved"
// @Router /psu/operations [get]
func (h *PSUHandler) ListOperations(c *gin.Context) {
	filter := &repository.OperationFilter{Page: 1, PerPage: 50}

	if page, err := strconv.Atoi(c.Query("page")); err == nil && page > 0 {
		filter.Page = page
	}
	if perPage, err := strconv.Atoi(c.Query("per_page")); err == nil && perPage > 0 {
		filter.PerPage = perPage
	}
	if opType := c.Query("operation_type"); opType != "" {
		t := model.OperationType(opType)
		filter.OperationType = &t
	}
	if status := c.Query("status"); status != "" {
		s := model.OperationStatus(status)
		filter.Status = &s
	}
	if channel, err := strconv.Atoi(c.Query("channel")); err == nil {
		filter.Channel = &channel
	}
	if since := c.Query("since"); since != "" {
		start, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"since": "must be an RFC3339 timestamp"})
			return
		}
		filter.StartDate = &start
	}

	operations, total, err := h.psuService.ListOperations(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list operations", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list operations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved", gin.H{
		"operations": operations,
		"total":      total,
		"page":       filter.Page,
		"per_page":   filter.PerPage,
	})
}

// GetOperationStats summarizes the journal
// @Summary Operation statistics
// @Tags Operations
// @Produce json
// @Success 200 {object} utils.APIResponse{data=repository.OperationStats} "Statistics retrieved"
// @Router /psu/operations/stats [get]
func (h *PSUHandler) GetOperationStats(c *gin.Context) {
	stats, err := h.psuService.OperationStats(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get operation statistics", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Statistics retrieved", stats)
}

func (h *PSUHandler) channelParam(c *gin.Context) (int, bool) {
	channel, err := strconv.Atoi(c.Param("channel"))
	if err != nil || channel < psu.MinChannel || channel > psu.MaxChannel {
		utils.ValidationErrorResponse(c, map[string]string{
			"channel": fmt.Sprintf("must be an integer from %d to %d", psu.MinChannel, psu.MaxChannel),
		})
		return 0, false
	}
	return channel, true
}

func (h *PSUHandler) setpointRequest(c *gin.Context) (int, *SetpointRequest, bool) {
	channel, ok := h.channelParam(c)
	if !ok {
		return 0, nil, false
	}

	var req SetpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return 0, nil, false
	}
	return channel, &req, true
}
