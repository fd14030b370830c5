package jobs

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/homecare-billing/internal/handler"
	"github.com/jwalitptl/homecare-billing/internal/middleware"
	"github.com/jwalitptl/homecare-billing/internal/worker"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

// RunRequest is the optional body of a manual run. Date is YYYY-MM-DD.
type RunRequest struct {
	DryRun      bool   `json:"dry_run"`
	Force       bool   `json:"force"`
	Limit       int    `json:"limit" binding:"gte=0"`
	Days        int    `json:"days" binding:"gte=0"`
	Date        string `json:"date" binding:"omitempty,datetime=2006-01-02"`
	SkipGateway bool   `json:"skip_gateway"`
	Frequency   string `json:"frequency" binding:"omitempty,oneof=weekly biweekly monthly"`
}

func (r RunRequest) Options(loc *time.Location) (worker.Options, error) {
	opts := worker.Options{
		DryRun:      r.DryRun,
		Force:       r.Force,
		Limit:       r.Limit,
		Days:        r.Days,
		SkipGateway: r.SkipGateway,
		Frequency:   r.Frequency,
	}
	if r.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", r.Date, loc)
		if err != nil {
			return opts, err
		}
		opts.Date = &d
	}
	return opts, nil
}

type Handler struct {
	runner   *worker.Runner
	location *time.Location
	logger   *logger.Logger
}

func NewHandler(runner *worker.Runner, loc *time.Location, log *logger.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{runner: runner, location: loc, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.POST("/:name/run", h.Run)
	}
}

func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, handler.NewSuccessResponse(h.runner.Names()))
}

func (h *Handler) Run(c *gin.Context) {
	name := c.Param("name")
	if !h.runner.Has(name) {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("unknown job "+name))
		return
	}

	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
			return
		}
	}
	opts, err := req.Options(h.location)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid date"))
		return
	}

	logger.FromContext(c.Request.Context(), h.logger).Info("Manual job run requested",
		"job", name,
		"operator", c.GetString(middleware.ContextOperator),
		"dry_run", opts.DryRun)

	summary, err := h.runner.Run(c.Request.Context(), name, opts)
	if errors.Is(err, worker.ErrJobRunning) {
		c.JSON(http.StatusConflict, handler.NewErrorResponse("job is already running"))
		return
	}
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(summary))
}
