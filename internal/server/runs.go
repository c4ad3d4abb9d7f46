package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowrun/internal/engine"
	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/pkg/api"
)

// maxListLimit caps GET /v1/flow-runs.
const maxListLimit = 500

// RunService is the run lifecycle side of the engine.
type RunService interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*api.FlowRun, error)
	GetRun(ctx context.Context, id string) (*api.FlowRun, error)
	ListRuns(ctx context.Context, filter persistence.RunFilter) ([]*api.FlowRun, error)
	Stop(ctx context.Context, runID, reason string) error
}

type RunHandler struct {
	runs RunService
}

func NewRunHandler(runs RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

type startRunRequest struct {
	FlowID        string          `json:"flowId" binding:"required"`
	FlowVersionID string          `json:"flowVersionId"`
	Input         json.RawMessage `json:"input"`
}

type stopRunRequest struct {
	Reason string `json:"reason"`
}

func (h *RunHandler) Start(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	run, err := h.runs.StartRun(c.Request.Context(), engine.StartRequest{
		FlowID:        req.FlowID,
		FlowVersionID: req.FlowVersionID,
		Input:         req.Input,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownFlow) {
			respondError(c, http.StatusNotFound, "flow_not_found", err)
			return
		}
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *RunHandler) List(c *gin.Context) {
	filter := persistence.RunFilter{
		FlowID: c.Query("flowId"),
		Status: api.RunStatus(strings.ToUpper(c.Query("status"))),
		Limit:  100,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if runs == nil {
		runs = []*api.FlowRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Stop schedules a stop. The run changes once the control job is
// processed, hence 202.
func (h *RunHandler) Stop(c *gin.Context) {
	var req stopRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	if err := h.runs.Stop(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
