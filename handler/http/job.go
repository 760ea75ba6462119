package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"scribed/src/core/jobtrack"
	"scribed/src/infrastructure/dispatch"
	"scribed/src/log"
)

type TranscribeRequest struct {
	Filename string `json:"filename" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Mode     string `json:"mode"`
}

type JobHandler struct {
	registry *jobtrack.Registry
	manager  *jobtrack.ConnectionManager
	upgrader websocket.Upgrader
}

func NewJobHandler(registry *jobtrack.Registry, manager *jobtrack.ConnectionManager) (*JobHandler, error) {
	return &JobHandler{
		registry: registry,
		manager:  manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Transcribe starts a transcription job.
func (h *JobHandler) Transcribe(c *gin.Context) {
	var req TranscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	queueClass := dispatch.ClassForModel(req.Mode)
	job, err := h.registry.CreateJob(c.Request.Context(), req.Filename, req.URL, queueClass)
	if err != nil {
		if errors.Is(err, jobtrack.ErrDispatchFailed) {
			// The pending record stays visible for retry or inspection.
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Failed to dispatch transcription job",
				"job_id": job.ID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create transcription job"})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// Status returns the job state and results.
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.registry.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobtrack.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found: " + c.Param("id")})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job status"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// List returns all jobs, optionally filtered by status.
func (h *JobHandler) List(c *gin.Context) {
	var filter jobtrack.JobFilter
	if status := c.Query("status"); status != "" {
		filter.Statuses = []jobtrack.JobStatus{jobtrack.JobStatus(status)}
	}

	jobs, err := h.registry.ListJobs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// Updates is the websocket endpoint streaming job updates to one
// client per job.
func (h *JobHandler) Updates(c *gin.Context) {
	jobID := c.Param("id")

	wsocket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error(err, "websocket upgrade failed", "job_id", jobID)
		return
	}

	ctx := c.Request.Context()
	if err := h.manager.Acquire(ctx); err != nil {
		log.Error(err, "failed to acquire update listener", "job_id", jobID)
		wsocket.Close()
		return
	}
	defer h.manager.Release(ctx)

	conn := newWSConn(wsocket)
	session, err := h.manager.Attach(conn, jobID)
	if err != nil {
		log.Error(err, "failed to attach connection", "job_id", jobID)
		conn.Close(jobtrack.CloseNormal, "")
		return
	}

	log.Info("websocket connected", "job_id", jobID, "session_id", session.ID)
	session.Run(ctx)
	log.Info("websocket closed", "job_id", jobID, "session_id", session.ID)
}
