package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/service"
)

// PresignInput describes the document a client wants to upload directly.
type PresignInput struct {
	Body struct {
		FileName  string `json:"file_name" minLength:"1" doc:"Document file name"`
		MimeType  string `json:"mime_type" doc:"Document MIME type" enum:"application/pdf,image/png,image/jpeg,image/webp,image/tiff"`
		Type      string `json:"type" doc:"Job type" enum:"parse,extract"`
		SchemaRef string `json:"schema_ref,omitempty" doc:"Schema reference, required for extract jobs"`
		Hints     string `json:"hints,omitempty" doc:"Free-text extraction guidance"`
	}
}

// PresignOutput returns the pending job and the one-time upload URL.
type PresignOutput struct {
	Body struct {
		Job       JobResponse `json:"job"`
		UploadURL string      `json:"upload_url"`
		ExpiresAt time.Time   `json:"expires_at"`
	}
}

// ConfirmInput identifies the presigned job being confirmed.
type ConfirmInput struct {
	JobID string `path:"jobId" doc:"Job ID returned by presign"`
}

// ConfirmOutput returns the now-queued job.
type ConfirmOutput struct {
	Body JobResponse
}

// RegisterUploads registers the presign + confirm handshake.
func (h *Handlers) RegisterUploads(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "presign-upload",
		Method:      http.MethodPost,
		Path:        "/v1/uploads/presign",
		Summary:     "Create a job with a direct-upload URL",
		Description: "The client PUTs the document to upload_url, then calls the complete endpoint. The job stays out of the queue until completion is confirmed.",
		Tags:        []string{"uploads"},
	}, func(ctx context.Context, input *PresignInput) (*PresignOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}

		result, err := h.submission.Presign(ctx, service.SubmitRequest{
			TenantID:  ident.TenantID,
			Type:      models.JobType(input.Body.Type),
			FileName:  input.Body.FileName,
			MimeType:  input.Body.MimeType,
			SchemaRef: input.Body.SchemaRef,
			Hints:     input.Body.Hints,
		})
		if err != nil {
			return nil, humaError(err)
		}

		out := &PresignOutput{}
		out.Body.Job = *toJobResponse(result.Job)
		out.Body.UploadURL = result.UploadURL
		out.Body.ExpiresAt = result.ExpiresAt
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "complete-upload",
		Method:        http.MethodPost,
		Path:          "/v1/uploads/{jobId}/complete",
		Summary:       "Confirm a presigned upload and queue the job",
		Description:   "Idempotence: a repeat call returns 409 ALREADY_CONFIRMED and never queues the job twice.",
		Tags:          []string{"uploads"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ConfirmInput) (*ConfirmOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		job, err := h.submission.Confirm(ctx, ident.TenantID, input.JobID)
		if err != nil {
			return nil, humaError(err)
		}
		return &ConfirmOutput{Body: *toJobResponse(job)}, nil
	})
}
