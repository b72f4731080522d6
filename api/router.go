// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/orchestrator"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	Snapshot() []orchestrator.DeviceView
	Device(serial string) (orchestrator.DeviceView, error)
	AssignTasks(serial string, tasks []models.Task) error
	Tasks(serial string) ([]models.Task, error)
	Start(ctx context.Context, serial string) error
	Pause(serial string) error
	Resume(ctx context.Context, serial string) error
	Stop(serial string) error
	Checkpoint(serial string) (*models.Checkpoint, error)
	ClearCheckpoint(serial string) error
}

// RunLister reads shop run history.
type RunLister interface {
	ListRuns(ctx context.Context, serial string, limit int) ([]history.ShopRun, error)
}

// Options configure the router. Runs and Metrics are optional.
type Options struct {
	Runs            RunLister
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	RateLimitPerSec float64
	RateLimitBurst  int
}

// NewRouter creates the control API.
func NewRouter(ctrl Controller, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(opts.Logger))

	h := &Handler{ctrl: ctrl, runs: opts.Runs, logger: opts.Logger}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(RateLimit(opts.RateLimitPerSec, opts.RateLimitBurst))
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:serial", h.GetDevice)
		api.GET("/devices/:serial/tasks", h.GetTasks)
		api.PUT("/devices/:serial/tasks", h.PutTasks)
		api.POST("/devices/:serial/start", h.Start)
		api.POST("/devices/:serial/pause", h.Pause)
		api.POST("/devices/:serial/resume", h.Resume)
		api.POST("/devices/:serial/stop", h.Stop)
		api.GET("/devices/:serial/checkpoint", h.GetCheckpoint)
		api.DELETE("/devices/:serial/checkpoint", h.DeleteCheckpoint)
		api.GET("/devices/:serial/runs", h.ListRuns)
	}

	return r
}
