package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ocrbase/ocrbase/internal/http/mw"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/service"
)

// SubmitParse handles POST /v1/parse.
func (h *Handlers) SubmitParse(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.JobTypeParse)
}

// SubmitExtract handles POST /v1/extract.
func (h *Handlers) SubmitExtract(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.JobTypeExtract)
}

type urlSubmitBody struct {
	URL       string `json:"url"`
	SchemaRef string `json:"schema_ref,omitempty"`
	Hints     string `json:"hints,omitempty"`
}

// submit accepts either multipart/form-data with a file part, or a JSON body
// naming a source url. Exactly one source shape is allowed per request.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, jobType models.JobType) {
	ident := mw.GetIdentity(r.Context())
	if ident == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	req := service.SubmitRequest{TenantID: ident.TenantID, Type: jobType}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := h.readMultipart(r, &req); err != nil {
			writeError(w, err)
			return
		}
	case strings.HasPrefix(contentType, "application/json"):
		var body urlSubmitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, models.Unrecoverable(models.ErrCodeValidation, "invalid JSON body", err))
			return
		}
		req.SourceURL = body.URL
		req.SchemaRef = body.SchemaRef
		req.Hints = body.Hints
	default:
		writeError(w, models.Unrecoverable(models.ErrCodeValidation,
			"content type must be multipart/form-data or application/json", nil))
		return
	}

	job, err := h.submission.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (h *Handlers) readMultipart(r *http.Request, req *service.SubmitRequest) error {
	// The in-memory threshold is small; bodies spill to temp files. The
	// request-size middleware already caps the total at the upload limit.
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return models.Unrecoverable(models.ErrCodeValidation, "invalid multipart body", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return models.Unrecoverable(models.ErrCodeValidation, "file part is required", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		return models.Unrecoverable(models.ErrCodeValidation, "reading file part", err)
	}

	req.Data = data
	req.FileName = header.Filename
	req.MimeType = header.Header.Get("Content-Type")
	req.SchemaRef = r.FormValue("schema_ref")
	req.Hints = r.FormValue("hints")
	return nil
}
