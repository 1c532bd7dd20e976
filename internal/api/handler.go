package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"backplane/internal/queue"
	"backplane/internal/state"
)

type Handler struct {
	queue           Queue
	maxPayloadBytes int
}

func NewHandler(q Queue) *Handler {
	return &Handler{
		queue:           q,
		maxPayloadBytes: MaxPayloadBytes,
	}
}

func NewRouter(q Queue) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h := NewHandler(q)
	r.POST("/jobs", h.PostJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/queues/:name/stats", h.GetQueueStats)
	r.DELETE("/queues/:name", h.ClearQueue)
	return r
}

func (h *Handler) PostJobs(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}

	req.Queue = strings.TrimSpace(req.Queue)
	if req.Queue == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingQueue})
		return
	}
	if len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingPayload})
		return
	}
	if len(req.Payload) > h.maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrPayloadTooLarge})
		return
	}

	var opts *queue.EnqueueOptions
	if req.Priority != nil || req.MaxAttempts != nil {
		opts = &queue.EnqueueOptions{Priority: req.Priority, MaxAttempts: req.MaxAttempts}
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), req.Queue, req.Payload, opts)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidPayload})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
		return
	}
	c.JSON(http.StatusCreated, EnqueueResponse{JobID: jobID, Status: string(state.Pending)})
}

func (h *Handler) GetJob(c *gin.Context) {
	job := h.queue.GetJobStatus(c.Request.Context(), c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrJobNotFound})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) GetQueueStats(c *gin.Context) {
	stats := h.queue.GetQueueStats(c.Request.Context(), c.Param("name"))
	if stats == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ClearQueue(c *gin.Context) {
	if !h.queue.ClearQueue(c.Request.Context(), c.Param("name")) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
		return
	}
	c.JSON(http.StatusOK, ClearResponse{Cleared: true})
}
