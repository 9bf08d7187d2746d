package handler

import (
	"strconv"

	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/middleware"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/service"
	"github.com/geotask/api/pkg/response"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type JobHandler struct {
	jobs       *service.JobService
	completion *service.CompletionService
	audit      *service.AuditService
	validator  *validator.Validate
}

func NewJobHandler(jobs *service.JobService, completion *service.CompletionService, audit *service.AuditService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		completion: completion,
		audit:      audit,
		validator:  v,
	}
}

// Create handles POST /api/jobs. The caller posts as the business.
// @Summary      Post job
// @Description  Post a new open job with an unfunded escrow
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.CreateJobRequest true "Job to post"
// @Success      201 {object} model.Job
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.jobs.Create(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Created(c, job)
}

// List handles GET /api/jobs
// @Summary      List jobs
// @Description  List jobs, optionally filtered by status, business or worker
// @Tags         Jobs
// @Produce      json
// @Param        status query string false "Job status"
// @Param        businessId query string false "Business ID"
// @Param        workerId query string false "Worker ID"
// @Param        limit query int false "Maximum results"
// @Success      200 {array} model.Job
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	filter := model.JobFilter{
		Status:     model.JobStatus(c.Query("status")),
		BusinessID: c.Query("businessId"),
		WorkerID:   c.Query("workerId"),
		Limit:      c.QueryInt("limit", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return response.ValidationError(c, "Unknown job status", fiber.Map{"status": string(filter.Status)})
	}

	jobs, err := h.jobs.List(c.Context(), filter)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, fiber.Map{"jobs": jobs})
}

// Nearby handles GET /api/jobs/nearby?lat=&lng=&radius=&limit=
// @Summary      Nearby open jobs
// @Description  List open jobs within radius meters of a point, nearest first
// @Tags         Jobs
// @Produce      json
// @Param        lat query number true "Latitude"
// @Param        lng query number true "Longitude"
// @Param        radius query number false "Search radius in meters"
// @Param        limit query int false "Maximum results"
// @Success      200 {array} model.NearbyJob
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/nearby [get]
func (h *JobHandler) Nearby(c *fiber.Ctx) error {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		return response.ValidationError(c, "lat and lng are required", nil)
	}

	radius := 0.0
	if v := c.Query("radius"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return response.ValidationError(c, "Invalid radius", nil)
		}
		radius = r
	}

	jobs, err := h.jobs.Nearby(c.Context(), geofence.Point{Latitude: lat, Longitude: lng}, radius, c.QueryInt("limit", 0))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, fiber.Map{"jobs": jobs})
}

// Get handles GET /api/jobs/:jobId
// @Summary      Get job
// @Description  Get a job with its escrow and location check history
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobDetailResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Assign handles POST /api/jobs/:jobId/assign. Funds the escrow.
// @Summary      Assign worker
// @Description  Assign a worker to an open job and fund its escrow
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.AssignJobRequest true "Worker to assign"
// @Success      200 {object} model.Job
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/assign [post]
func (h *JobHandler) Assign(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.AssignJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.jobs.Assign(c.Context(), jobID, req.WorkerID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, job)
}

// Start handles POST /api/jobs/:jobId/start. The caller is the worker.
// @Summary      Start job
// @Description  Move an assigned job to in_progress
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/start [post]
func (h *JobHandler) Start(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Start(c.Context(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, job)
}

// Complete handles POST /api/jobs/:jobId/complete. The caller is the worker.
// @Summary      Complete job
// @Description  Report the worker's location and release escrow when the job's rules allow it
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.CompleteJobRequest true "Completion attempt"
// @Success      200 {object} service.CompletionOutcome
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/complete [post]
func (h *JobHandler) Complete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.CompleteJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	outcome, err := h.completion.HandleCompletion(c.Context(), service.CompletionRequest{
		JobID:            jobID,
		WorkerID:         middleware.GetUserID(c),
		Location:         req.Location.Point(),
		BusinessApproval: req.BusinessApproval,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	return writeOutcome(c, outcome)
}

// ValidatePayment handles POST /api/jobs/:jobId/validate-payment
// @Summary      Validate payment
// @Description  Evaluate the job's payment rules without changing any state
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.ValidatePaymentRequest false "Attempt to evaluate"
// @Success      200 {object} service.ValidatePaymentResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/validate-payment [post]
func (h *JobHandler) ValidatePayment(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.ValidatePaymentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	result, err := h.jobs.ValidatePayment(c.Context(), jobID, &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Release handles POST /api/jobs/:jobId/release. The release runs on the
// payments queue.
// @Summary      Release escrow
// @Description  Queue a manual escrow release for a completed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.ReleaseQueuedResponse
// @Success      200 {object} model.ReleaseQueuedResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/release [post]
func (h *JobHandler) Release(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.jobs.QueueRelease(c.Context(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	if result.Status == string(model.JobStatusPaid) {
		return response.OK(c, result)
	}
	return response.Accepted(c, result)
}

// ExportAudit handles POST /api/jobs/:jobId/audit/export
// @Summary      Export audit trail
// @Description  Export the job's location checks and escrow history to object storage
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.AuditExportResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/audit/export [post]
func (h *JobHandler) ExportAudit(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.audit.Export(c.Context(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

func writeOutcome(c *fiber.Ctx, outcome *service.CompletionOutcome) error {
	switch outcome.Kind {
	case service.OutcomeNotFound:
		return response.NotFound(c, "Job not found")
	case service.OutcomePaymentFailed:
		return c.Status(fiber.StatusBadGateway).JSON(outcome)
	}
	return response.OK(c, outcome)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
