package controller

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"logship-agent/internal/agent"
	"logship-agent/internal/dto"
	"logship-agent/internal/model"
	"logship-agent/internal/queue"
)

// AgentController exposes the ingestion entry point over a local HTTP
// surface so sidecar processes can hand records to the agent.
type AgentController struct {
	agent *agent.Agent
	store *queue.Store
}

func NewAgentController(agent *agent.Agent, store *queue.Store) *AgentController {
	return &AgentController{
		agent: agent,
		store: store,
	}
}

func RegisterAgentRoutes(router *gin.Engine, controller *AgentController) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/logs", controller.AppendLog)
		v1.POST("/upload", controller.TriggerUpload)
	}
	router.GET("/healthz", controller.Health)
}

// AppendLog accepts one record and enqueues it; the reply does not wait
// for the disk write, matching the fire-and-forget append contract.
func (c *AgentController) AppendLog(ctx *gin.Context) {
	var req dto.AppendLogRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	severity := model.SeverityDefault
	if req.Severity != "" {
		sev, err := model.ParseSeverity(req.Severity)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		severity = sev
	}

	var timestamp *time.Time
	if req.Timestamp != "" {
		t, err := parseTimeFlexible(req.Timestamp)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		timestamp = &t
	}

	c.agent.Append(req.LogName, severity, req.Labels, req.SourceLocation, timestamp, req.TextPayload)
	ctx.Status(http.StatusAccepted)
}

// TriggerUpload requests an immediate upload cycle.
func (c *AgentController) TriggerUpload(ctx *gin.Context) {
	log.Debug().Msg("Manual upload triggered via HTTP")
	c.agent.Upload()
	ctx.Status(http.StatusAccepted)
}

func (c *AgentController) Health(ctx *gin.Context) {
	entries, size := c.store.Stats()
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:         "ok",
		PendingEntries: entries,
		PendingBytes:   size,
	})
}

// parseTimeFlexible accepts RFC3339 (with or without fractional seconds)
// or epoch milliseconds, normalized to UTC.
func parseTimeFlexible(timeStr string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, timeStr); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
}
