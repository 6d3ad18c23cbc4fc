package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"mediamill/collab"
	"mediamill/config"
	"mediamill/events"
	"mediamill/faults"
	"mediamill/sched"
	"mediamill/task"
)

type Handler struct {
	sched *sched.Scheduler
	hub   *events.Hub
	cfg   *config.Config
}

func NewHandler(s *sched.Scheduler, hub *events.Hub, cfg *config.Config) *Handler {
	return &Handler{sched: s, hub: hub, cfg: cfg}
}

type TaskRequest struct {
	Kind       string `json:"kind" binding:"required"`
	Source     string `json:"source"`
	Input      string `json:"input"`
	Output     string `json:"output"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"maxRetries"`
	Quality    string `json:"quality"`
	Language   string `json:"language"`
	TargetLang string `json:"targetLang"`
	ExtraArgs  string `json:"extraArgs"`
}

// handleCreateTask accepts a task for asynchronous execution.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Sanitize encoder arguments before accepting the task.
	if req.ExtraArgs != "" {
		if _, err := collab.SplitExtraArgs(req.ExtraArgs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid extra args: %v", err)})
			return
		}
	}

	t := task.New(task.Kind(req.Kind), task.Options{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Quality:    req.Quality,
		Language:   req.Language,
		TargetLang: req.TargetLang,
		ExtraArgs:  req.ExtraArgs,
	})
	t.SourceRef = req.Source
	t.InputPath = req.Input
	t.OutputPath = req.Output
	if t.OutputPath == "" {
		t.OutputPath = filepath.Join(h.cfg.WorkDir, t.ID+".mp4")
	}

	id, err := h.sched.Submit(t)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": id})
}

// handleListTasks lists live tasks, optionally filtered by status and kind.
func (h *Handler) handleListTasks(c *gin.Context) {
	f := task.Filter{
		Status: task.Status(c.Query("status")),
		Kind:   task.Kind(c.Query("kind")),
	}
	tasks, err := h.sched.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL constructs the full URL for a completed task's file.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) string {
	if t.Status != task.StatusCompleted || t.OutputPath == "" {
		return ""
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	filename := filepath.Base(t.OutputPath)
	return fmt.Sprintf("%s/api/v1/files/%s", baseURL, filename)
}

// handleGetTask retrieves a single task snapshot.
func (h *Handler) handleGetTask(c *gin.Context) {
	t, found, err := h.sched.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	if url := h.buildDownloadURL(c, t); url != "" {
		c.JSON(http.StatusOK, gin.H{"task": t, "downloadUrl": url})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// handleGetProgress returns the aggregated progress snapshot.
func (h *Handler) handleGetProgress(c *gin.Context) {
	taskID := c.Param("taskId")
	p, ok := h.sched.Progress(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No progress recorded for task"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.sched.Cancel(c.Param("taskId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

func (h *Handler) handlePauseTask(c *gin.Context) {
	if err := h.sched.Pause(c.Param("taskId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task pause requested"})
}

func (h *Handler) handleResumeTask(c *gin.Context) {
	if err := h.sched.Resume(c.Param("taskId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task resumed"})
}

func (h *Handler) handleRetryTask(c *gin.Context) {
	if err := h.sched.Retry(c.Param("taskId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task requeued"})
}

// handleHistory lists archived tasks, newest first.
func (h *Handler) handleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	tasks, err := h.sched.History(c.Request.Context(), task.Status(c.Query("status")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// handleEvents streams task events over SSE. An optional taskId query
// parameter filters to a single task.
func (h *Handler) handleEvents(c *gin.Context) {
	token, ch := h.hub.Subscribe(c.Query("taskId"), 256)
	defer h.hub.Unsubscribe(token)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == "/" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}
	c.File(filepath.Join(h.cfg.WorkDir, filename))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var f *faults.Fault
	if errors.As(err, &f) {
		c.JSON(f.MapToHTTPCode(), gin.H{"error": f.Message, "code": string(f.Code)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
