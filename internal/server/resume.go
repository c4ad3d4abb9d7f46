package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowrun/internal/engine"
	"github.com/petrijr/flowrun/pkg/api"
)

// maxResumeBody bounds the body accepted from resume callers.
const maxResumeBody = 1 << 20

// Resumer is the coordinator side of the engine.
type Resumer interface {
	Resume(ctx context.Context, token string, payload api.ResumePayload) (*api.FlowRun, error)
	ResumeSync(ctx context.Context, token string, payload api.ResumePayload, wait time.Duration) (*api.FlowRun, error)
	ResumeTest(ctx context.Context, token string, payload api.ResumePayload) (*engine.ResumePreview, error)
}

// ResumeHandler serves the public resume endpoints. They are reachable
// from the internet; the token in the path is the only credential.
type ResumeHandler struct {
	engine Resumer
}

func NewResumeHandler(e Resumer) *ResumeHandler {
	return &ResumeHandler{engine: e}
}

// ResumeAccepted is returned by the asynchronous resume.
type ResumeAccepted struct {
	FlowRunID string        `json:"flowRunId"`
	Status    api.RunStatus `json:"status"`
}

// Resume consumes the token and returns as soon as the continuation is
// scheduled.
func (h *ResumeHandler) Resume(c *gin.Context) {
	payload, err := readPayload(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	run, err := h.engine.Resume(c.Request.Context(), c.Param("token"), payload)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResumeAccepted{FlowRunID: run.ID, Status: run.Status})
}

// ResumeSync waits for the run to finish or pause again and returns it.
func (h *ResumeHandler) ResumeSync(c *gin.Context) {
	payload, err := readPayload(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	run, err := h.engine.ResumeSync(c.Request.Context(), c.Param("token"), payload, 0)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ResumeTest resolves the token without consuming it.
func (h *ResumeHandler) ResumeTest(c *gin.Context) {
	payload, err := readPayload(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	preview, err := h.engine.ResumeTest(c.Request.Context(), c.Param("token"), payload)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// readPayload builds a ResumePayload from the request. A body that is not
// JSON is delivered as a JSON string.
func readPayload(c *gin.Context) (api.ResumePayload, error) {
	var p api.ResumePayload

	if q := c.Request.URL.Query(); len(q) > 0 {
		p.QueryParams = make(map[string]string, len(q))
		for k := range q {
			p.QueryParams[k] = q.Get(k)
		}
	}
	if len(c.Request.Header) > 0 {
		p.Headers = make(map[string]string, len(c.Request.Header))
		for k := range c.Request.Header {
			p.Headers[k] = c.Request.Header.Get(k)
		}
	}

	if c.Request.Body == nil {
		return p, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxResumeBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return p, errors.New("body too large")
		}
		return p, err
	}
	if len(body) == 0 {
		return p, nil
	}
	if json.Valid(body) {
		p.Body = body
		return p, nil
	}
	p.Body, err = json.Marshal(string(body))
	return p, err
}
