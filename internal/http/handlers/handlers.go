// Package handlers implements the HTTP API. JSON endpoints are registered
// through huma for typed request/response handling and OpenAPI generation;
// the submission and realtime endpoints are raw chi handlers because
// multipart bodies and long-lived streams do not fit the typed model.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/service"
)

// Handlers bundles the API's dependencies.
type Handlers struct {
	cfg        *config.Config
	jobs       *repository.JobRepository
	submission *service.SubmissionService
	schemas    *service.SchemaService
	registry   *bus.Registry
	logger     *slog.Logger
}

// New creates the handler set.
func New(cfg *config.Config, jobs *repository.JobRepository, submission *service.SubmissionService, schemas *service.SchemaService, registry *bus.Registry, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg: cfg, jobs: jobs, submission: submission, schemas: schemas,
		registry: registry, logger: logger.With("component", "http"),
	}
}

// JobResponse is the wire shape of a job snapshot.
type JobResponse struct {
	ID             string `json:"id" doc:"Job ID"`
	Type           string `json:"type" doc:"parse or extract"`
	Status         string `json:"status" doc:"pending, processing, extracting, completed, or failed"`
	FileName       string `json:"file_name,omitempty"`
	SourceURL      string `json:"source_url,omitempty"`
	SchemaRef      string `json:"schema_ref,omitempty"`
	MarkdownResult string `json:"markdown_result,omitempty"`
	JSONResult     string `json:"json_result,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	AttemptsMade   int    `json:"attempts_made"`
	MaxAttempts    int    `json:"max_attempts"`
	PageCount      int    `json:"page_count,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	TokenCount     int    `json:"token_count,omitempty"`

	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j *models.Job) *JobResponse {
	return &JobResponse{
		ID:             j.ID,
		Type:           string(j.Type),
		Status:         string(j.Status),
		FileName:       j.FileName,
		SourceURL:      j.SourceURL,
		SchemaRef:      j.SchemaRef,
		MarkdownResult: j.MarkdownResult,
		JSONResult:     j.JSONResult,
		ErrorCode:      j.ErrorCode,
		ErrorMessage:   j.ErrorMessage,
		AttemptsMade:   j.AttemptsMade,
		MaxAttempts:    j.MaxAttempts,
		PageCount:      j.PageCount,
		LLMModel:       j.LLMModel,
		TokenCount:     j.TokenCount,

		ProcessingTimeMs: j.ProcessingTimeMs,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

// writeJSON serializes a response body for the raw chi handlers.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps classified errors onto HTTP statuses for raw handlers.
func writeError(w http.ResponseWriter, err error) {
	var je *models.JobError
	if !errors.As(err, &je) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: models.ErrCodeInternal})
		return
	}
	writeJSON(w, statusForCode(je.Code), errorBody{Error: je.Message, Code: je.Code})
}

func statusForCode(code string) int {
	switch code {
	case models.ErrCodeValidation:
		return http.StatusBadRequest
	case models.ErrCodeJobNotFound, models.ErrCodeSchemaNotFound:
		return http.StatusNotFound
	case models.ErrCodeAlreadyConfirmed:
		return http.StatusConflict
	case models.ErrCodeUploadFailed, models.ErrCodeEnqueueFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
