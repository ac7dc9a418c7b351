package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"vidqueue/internal/logging"
	"vidqueue/internal/services"
)

func (s *Server) handleRequestUpload(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrInvalidInput, "api", "request upload", "filename required", nil))
		return
	}
	ticket, err := s.deps.Jobs.RequestUpload(c.Request.Context(), req.Filename, req.ContentType)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.deps.Metrics.Ingested("upload_url_generated")
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) handleConfirmUpload(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrInvalidInput, "api", "confirm upload", "job_id required", nil))
		return
	}
	location := strings.TrimSpace(req.InputLocation)
	if location == "" {
		location = strings.TrimSpace(req.ObjectPath)
	}
	job, err := s.deps.Jobs.ConfirmUpload(c.Request.Context(), req.JobID, location, req.RequestedFormat)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.deps.Metrics.Ingested("upload_confirmed")
	c.JSON(http.StatusAccepted, FromJob(job))
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrInvalidInput, "api", "create job", "input_location required", nil))
		return
	}
	job, err := s.deps.Jobs.CreateJob(c.Request.Context(), req.InputLocation, req.RequestedFormat)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.deps.Metrics.Ingested("job_created")
	c.JSON(http.StatusCreated, FromJob(job))
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.deps.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FromJob(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(c, services.Wrap(services.ErrInvalidInput, "api", "list jobs", "limit must be a positive integer", nil))
			return
		}
		limit = parsed
	}
	jobs, err := s.deps.Jobs.ListJobs(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := FromJobs(jobs)
	c.JSON(http.StatusOK, JobListResponse{Items: views, Count: len(views)})
}

func (s *Server) handleDownload(c *gin.Context) {
	link, err := s.deps.Jobs.DownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := StatsResponse{Counts: map[string]int{}}
	if s.deps.Counter != nil {
		counts, err := s.deps.Counter.Counts(ctx)
		if err != nil {
			s.writeError(c, services.Wrap(services.ErrTransientInfra, "api", "stats", "ledger unavailable", err))
			return
		}
		for status, n := range counts {
			resp.Counts[string(status)] = n
			resp.Total += n
		}
	}
	if s.deps.Depth != nil {
		depth, err := s.deps.Depth.Depth(ctx)
		if err != nil {
			// Counts are still useful without the broker.
			resp.DepthError = err.Error()
			s.logger.Warn("queue depth unavailable",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_depth_failed"),
				logging.String(logging.FieldImpact, "autoscaler signal missing from stats"),
			)
		} else {
			resp.QueueDepth = depth
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	resp := HealthResponse{Status: "healthy", Checks: make([]DependencyCheck, 0, len(s.deps.Checks))}
	for _, check := range s.deps.Checks {
		result := DependencyCheck{Name: check.Name, Healthy: true}
		if err := check.Probe(ctx); err != nil {
			result.Healthy = false
			result.Detail = err.Error()
			resp.Status = "degraded"
		}
		resp.Checks = append(resp.Checks, result)
	}
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// writeError maps err to a status code and a public message.
func (s *Server) writeError(c *gin.Context, err error) {
	status := services.HTTPStatus(err)
	message := services.PublicMessage(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(c.Request.Context(), s.logger), "request failed", "request_failed",
			logging.Error(err),
			logging.String("path", c.FullPath()),
			logging.Int("status", status),
		)
		// Causes stay in the log.
		message = "internal error"
		if errors.Is(err, services.ErrTransientInfra) {
			message = "service temporarily unavailable"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
