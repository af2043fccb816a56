package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ocrbase/ocrbase/internal/models"
)

// SchemaResponse is the wire shape of a catalog schema.
type SchemaResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toSchemaResponse(s *models.SchemaDoc) *SchemaResponse {
	return &SchemaResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Schema:      json.RawMessage(s.SchemaJSON),
		CreatedAt:   s.CreatedAt,
	}
}

// CreateSchemaInput accepts canonical JSON Schema or the simple-object
// shorthand; both are stored in canonical form.
type CreateSchemaInput struct {
	Body struct {
		Name        string          `json:"name" minLength:"1" maxLength:"128" doc:"Unique schema name"`
		Description string          `json:"description,omitempty"`
		Schema      json.RawMessage `json:"schema" doc:"JSON Schema or {field: type} shorthand"`
	}
}

// SchemaOutput wraps one schema.
type SchemaOutput struct {
	Body SchemaResponse
}

// ListSchemasOutput wraps the tenant's catalog.
type ListSchemasOutput struct {
	Body struct {
		Schemas []*SchemaResponse `json:"schemas"`
	}
}

// SchemaIDInput identifies a schema.
type SchemaIDInput struct {
	ID string `path:"id" doc:"Schema ID"`
}

// GenerateSchemaInput asks the LLM to draft a schema.
type GenerateSchemaInput struct {
	Body struct {
		Name        string `json:"name" minLength:"1" maxLength:"128" doc:"Name to store the schema under"`
		Description string `json:"description" minLength:"1" doc:"Natural-language description of the fields to capture"`
	}
}

// RegisterSchemas registers the schema catalog endpoints.
func (h *Handlers) RegisterSchemas(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schema",
		Method:        http.MethodPost,
		Path:          "/v1/schemas",
		Summary:       "Store a schema",
		Tags:          []string{"schemas"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSchemaInput) (*SchemaOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := h.schemas.Create(ctx, ident.TenantID, input.Body.Name, input.Body.Description, input.Body.Schema)
		if err != nil {
			return nil, humaError(err)
		}
		return &SchemaOutput{Body: *toSchemaResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schemas",
		Method:      http.MethodGet,
		Path:        "/v1/schemas",
		Summary:     "List schemas",
		Tags:        []string{"schemas"},
	}, func(ctx context.Context, input *struct{}) (*ListSchemasOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		docs, err := h.schemas.List(ctx, ident.TenantID)
		if err != nil {
			return nil, humaError(err)
		}
		out := &ListSchemasOutput{}
		out.Body.Schemas = make([]*SchemaResponse, 0, len(docs))
		for _, d := range docs {
			out.Body.Schemas = append(out.Body.Schemas, toSchemaResponse(d))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schema",
		Method:      http.MethodGet,
		Path:        "/v1/schemas/{id}",
		Summary:     "Get a schema",
		Tags:        []string{"schemas"},
	}, func(ctx context.Context, input *SchemaIDInput) (*SchemaOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := h.schemas.Resolve(ctx, ident.TenantID, input.ID)
		if err != nil {
			return nil, humaError(err)
		}
		return &SchemaOutput{Body: *toSchemaResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-schema",
		Method:        http.MethodDelete,
		Path:          "/v1/schemas/{id}",
		Summary:       "Delete a schema",
		Tags:          []string{"schemas"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *SchemaIDInput) (*struct{}, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.schemas.Delete(ctx, ident.TenantID, input.ID); err != nil {
			return nil, humaError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-schema",
		Method:        http.MethodPost,
		Path:          "/v1/schemas/generate",
		Summary:       "Generate a schema from a description",
		Tags:          []string{"schemas"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *GenerateSchemaInput) (*SchemaOutput, error) {
		ident, err := identity(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := h.schemas.Generate(ctx, ident.TenantID, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, humaError(err)
		}
		return &SchemaOutput{Body: *toSchemaResponse(doc)}, nil
	})
}
