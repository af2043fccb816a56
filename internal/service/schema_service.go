package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// SchemaService manages the per-tenant schema catalog. Every stored document
// is canonical JSON Schema; shorthand inputs are normalized on the way in.
type SchemaService struct {
	repo   *repository.SchemaRepository
	llm    SchemaGenerator
	logger *slog.Logger
}

// SchemaGenerator produces a JSON Schema from a natural-language description.
type SchemaGenerator interface {
	GenerateSchema(ctx context.Context, description string) (string, error)
}

// NewSchemaService creates the schema service. llm may be nil, which disables
// generation.
func NewSchemaService(repo *repository.SchemaRepository, llm SchemaGenerator, logger *slog.Logger) *SchemaService {
	return &SchemaService{repo: repo, llm: llm, logger: logger.With("component", "schemas")}
}

// Create normalizes and stores a schema document.
func (s *SchemaService) Create(ctx context.Context, tenantID, name, description string, schema json.RawMessage) (*models.SchemaDoc, error) {
	canonical, err := Normalize(schema)
	if err != nil {
		return nil, models.Unrecoverable(models.ErrCodeValidation, err.Error(), err)
	}

	doc := &models.SchemaDoc{
		ID:          models.NewID(models.SchemaIDPrefix),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		SchemaJSON:  canonical,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Resolve looks a schemaRef up for a tenant.
func (s *SchemaService) Resolve(ctx context.Context, tenantID, ref string) (*models.SchemaDoc, error) {
	doc, err := s.repo.GetByRef(ctx, tenantID, ref)
	if err == repository.ErrNotFound {
		return nil, models.Unrecoverable(models.ErrCodeSchemaNotFound,
			fmt.Sprintf("schema %q not found", ref), nil)
	}
	return doc, err
}

// List returns a tenant's schemas.
func (s *SchemaService) List(ctx context.Context, tenantID string) ([]*models.SchemaDoc, error) {
	return s.repo.List(ctx, tenantID)
}

// Delete removes a tenant's schema.
func (s *SchemaService) Delete(ctx context.Context, tenantID, id string) error {
	return s.repo.Delete(ctx, tenantID, id)
}

// Generate asks the LLM for a schema matching the description, normalizes it,
// and stores it under the given name.
func (s *SchemaService) Generate(ctx context.Context, tenantID, name, description string) (*models.SchemaDoc, error) {
	if s.llm == nil {
		return nil, models.Unrecoverable(models.ErrCodeValidation, "schema generation is not configured", nil)
	}
	generated, err := s.llm.GenerateSchema(ctx, description)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, tenantID, name, description, json.RawMessage(generated))
}

// Normalize converts a schema input into canonical JSON Schema text.
// Two input shapes are accepted:
//
//   - JSON Schema passthrough: a document already declaring "type":"object"
//     with "properties".
//   - Simple-object shorthand: {"total":"number","vendor":"string"} becomes
//     an object schema with every key required.
func Normalize(input json.RawMessage) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(input, &doc); err != nil {
		return "", fmt.Errorf("schema is not a JSON object: %w", err)
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("schema is empty")
	}

	if t, _ := doc["type"].(string); t == "object" {
		if _, ok := doc["properties"].(map[string]any); !ok {
			return "", fmt.Errorf("object schema missing properties")
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	return fromSimpleObject(doc)
}

var shorthandTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
}

func fromSimpleObject(doc map[string]any) (string, error) {
	properties := make(map[string]any, len(doc))
	required := make([]string, 0, len(doc))

	for key, v := range doc {
		t, ok := v.(string)
		if !ok || !shorthandTypes[strings.ToLower(t)] {
			return "", fmt.Errorf("field %q: shorthand values must be one of string, number, integer, boolean", key)
		}
		properties[key] = map[string]any{"type": strings.ToLower(t)}
		required = append(required, key)
	}
	sort.Strings(required)

	out, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
