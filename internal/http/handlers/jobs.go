package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ocrbase/ocrbase/internal/http/mw"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// identity pulls the authenticated caller out of a huma handler context.
func identity(ctx context.Context) (*mw.Identity, error) {
	ident := mw.GetIdentity(ctx)
	if ident == nil {
		return nil, huma.Error401Unauthorized("unauthorized")
	}
	return ident, nil
}

// humaError converts classified service errors into huma status errors.
func humaError(err error) error {
	var je *models.JobError
	if errors.As(err, &je) {
		return huma.NewError(statusForCode(je.Code), je.Message)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return huma.Error404NotFound("not found")
	}
	return huma.Error500InternalServerError("internal error")
}

// GetJobInput identifies a job snapshot request.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// GetJobOutput wraps a job snapshot.
type GetJobOutput struct {
	Body JobResponse
}

// ListJobsInput carries pagination.
type ListJobsInput struct {
	Limit  int `query:"limit" default:"50" minimum:"1" maximum:"100" doc:"Page size"`
	Offset int `query:"offset" default:"0" minimum:"0" doc:"Page offset"`
}

// ListJobsOutput wraps a page of jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []*JobResponse `json:"jobs"`
	}
}

// RegisterJobs registers the job snapshot endpoints.
func (h *Handlers) RegisterJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{id}",
		Summary:     "Get a job snapshot",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		job, err := h.jobs.GetByIDForTenant(ctx, input.ID, ident.TenantID)
		if err != nil {
			return nil, humaError(err)
		}
		return &GetJobOutput{Body: *toJobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/v1/jobs",
		Summary:     "List jobs, newest first",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		jobs, err := h.jobs.List(ctx, ident.TenantID, input.Limit, input.Offset)
		if err != nil {
			return nil, humaError(err)
		}
		out := &ListJobsOutput{}
		out.Body.Jobs = make([]*JobResponse, 0, len(jobs))
		for _, j := range jobs {
			out.Body.Jobs = append(out.Body.Jobs, toJobResponse(j))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-job",
		Method:        http.MethodDelete,
		Path:          "/v1/jobs/{id}",
		Summary:       "Delete a job",
		Description:   "Marks the job deleted; results and blobs are purged by the retention sweep.",
		Tags:          []string{"jobs"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *GetJobInput) (*struct{}, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.jobs.SoftDelete(ctx, input.ID, ident.TenantID); err != nil {
			return nil, humaError(err)
		}
		return nil, nil
	})
}
