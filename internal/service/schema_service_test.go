package service

import (
	"encoding/json"
	"testing"
)

func TestNormalizeSimpleObjectShorthand(t *testing.T) {
	out, err := Normalize(json.RawMessage(`{"total":"number","vendor":"string","paid":"boolean"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	var schema struct {
		Type       string                       `json:"type"`
		Properties map[string]map[string]string `json:"properties"`
		Required   []string                     `json:"required"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %s, want object", schema.Type)
	}
	if schema.Properties["total"]["type"] != "number" {
		t.Errorf("total type = %v", schema.Properties["total"])
	}
	if len(schema.Required) != 3 {
		t.Errorf("required = %v, want all shorthand keys", schema.Required)
	}
}

func TestNormalizeJSONSchemaPassthrough(t *testing.T) {
	in := `{"type":"object","properties":{"total":{"type":"number"}},"required":["total"]}`
	out, err := Normalize(json.RawMessage(in))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	var a, b map[string]any
	json.Unmarshal([]byte(in), &a)
	json.Unmarshal([]byte(out), &b)
	if len(a) != len(b) {
		t.Errorf("passthrough altered the schema: %s", out)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	cases := []string{
		`"not an object"`,
		`{}`,
		`{"total":"decimal"}`,
		`{"total":42}`,
		`{"type":"object"}`,
	}
	for _, in := range cases {
		if _, err := Normalize(json.RawMessage(in)); err == nil {
			t.Errorf("Normalize(%s) should fail", in)
		}
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	schema := `{"type":"object","properties":{"total":{"type":"number"}},"required":["total"]}`

	if _, err := validateAgainstSchema(`{"total":12.5}`, schema); err != nil {
		t.Errorf("valid output rejected: %v", err)
	}
	if _, err := validateAgainstSchema(`{"vendor":"acme"}`, schema); err == nil {
		t.Error("missing required key accepted")
	}
	if _, err := validateAgainstSchema(`[1,2,3]`, schema); err == nil {
		t.Error("non-object accepted")
	}
	if _, err := validateAgainstSchema("not json at all", schema); err == nil {
		t.Error("garbage accepted")
	}

	// Fenced output is tolerated and canonicalized.
	out, err := validateAgainstSchema("```json\n{\"total\": 1}\n```", schema)
	if err != nil {
		t.Fatalf("fenced output rejected: %v", err)
	}
	if out != `{"total":1}` {
		t.Errorf("canonical form = %q", out)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                  `{"a":1}`,
		"```json\n{\"a\":1}\n```":    `{"a":1}`,
		"```\n{\"a\":1}\n```":        `{"a":1}`,
		"  {\"a\":1}  ":              `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFences(in); got != want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
