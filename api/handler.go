package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/orchestrator"
	"github.com/aluiziolira/go-scrape-catalog/tasks"
	"github.com/aluiziolira/go-scrape-catalog/worker"
)

const defaultRunLimit = 50

// Handler holds shared dependencies for API handlers.
type Handler struct {
	ctrl   Controller
	runs   RunLister
	logger *slog.Logger
}

// statusFor maps orchestrator and worker errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrUnavailable),
		errors.Is(err, worker.ErrRunning),
		errors.Is(err, worker.ErrNotRunning),
		errors.Is(err, worker.ErrNotPaused),
		errors.Is(err, worker.ErrNoTasks):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrMissingColumn):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("api request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// ListDevices refreshes the device table and returns it.
func (h *Handler) ListDevices(c *gin.Context) {
	if _, err := h.ctrl.ListDevices(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) GetDevice(c *gin.Context) {
	view, err := h.ctrl.Device(c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetTasks(c *gin.Context) {
	list, err := h.ctrl.Tasks(c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type taskFileRequest struct {
	File string `json:"file"`
}

// PutTasks assigns a queue given either as a JSON array of tasks or as
// {"file": path} naming an .xlsx or .csv task list on the server.
func (h *Handler) PutTasks(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var list []models.Task
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid task list: " + err.Error()})
			return
		}
	} else {
		var req taskFileRequest
		if err := json.Unmarshal(trimmed, &req); err != nil || req.File == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "expected a task array or {\"file\": path}"})
			return
		}
		list, err = tasks.LoadFile(req.File, h.logger)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	for i, t := range list {
		if t.LocationHint == "" || t.TargetName == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("task %d needs location_hint and target_name", i+1),
			})
			return
		}
	}
	if len(list) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "task list is empty"})
		return
	}

	serial := c.Param("serial")
	if err := h.ctrl.AssignTasks(serial, list); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": serial, "tasks": len(list)})
}

// command relays an operator command and answers with the device view.
func (h *Handler) command(c *gin.Context, run func(serial string) error) {
	serial := c.Param("serial")
	if err := run(serial); err != nil {
		h.fail(c, err)
		return
	}
	view, err := h.ctrl.Device(serial)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *Handler) Start(c *gin.Context) {
	h.command(c, func(serial string) error { return h.ctrl.Start(c.Request.Context(), serial) })
}

func (h *Handler) Pause(c *gin.Context) {
	h.command(c, h.ctrl.Pause)
}

func (h *Handler) Resume(c *gin.Context) {
	h.command(c, func(serial string) error { return h.ctrl.Resume(c.Request.Context(), serial) })
}

func (h *Handler) Stop(c *gin.Context) {
	h.command(c, h.ctrl.Stop)
}

func (h *Handler) GetCheckpoint(c *gin.Context) {
	cp, err := h.ctrl.Checkpoint(c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if cp == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no checkpoint"})
		return
	}
	c.JSON(http.StatusOK, cp)
}

func (h *Handler) DeleteCheckpoint(c *gin.Context) {
	if err := h.ctrl.ClearCheckpoint(c.Param("serial")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRuns returns the newest shop runs of a device, ?limit=N (default 50).
func (h *Handler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "run history is disabled"})
		return
	}
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	serial := c.Param("serial")
	if _, err := h.ctrl.Device(serial); err != nil {
		h.fail(c, err)
		return
	}
	runs, err := h.runs.ListRuns(c.Request.Context(), serial, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}
