package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed batch_request.schema.json
var batchRequestSchemaJSON string

//go:embed title_request.schema.json
var titleRequestSchemaJSON string

const (
	batchRequestSchema = "batch_request.schema.json"
	titleRequestSchema = "title_request.schema.json"
)

// BatchRequest is the JSON body of a rows batch.
type BatchRequest struct {
	Rows     []string `json:"rows"`
	Filename string   `json:"filename,omitempty"`
	Force    bool     `json:"force,omitempty"`
}

// TitleRequest is the JSON body of submit, check and similar.
type TitleRequest struct {
	Title     string   `json:"title"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type compiled struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var (
	schemaSources = map[string]string{
		batchRequestSchema: batchRequestSchemaJSON,
		titleRequestSchema: titleRequestSchemaJSON,
	}
	compiledSchemas = map[string]*compiled{
		batchRequestSchema: {},
		titleRequestSchema: {},
	}
)

func ValidateBatchRequest(payload json.RawMessage) (*BatchRequest, error) {
	var req BatchRequest
	if err := validateInto(batchRequestSchema, payload, &req); err != nil {
		return nil, err
	}

	nonBlank := 0
	for _, row := range req.Rows {
		if strings.TrimSpace(row) != "" {
			nonBlank++
		}
	}
	if nonBlank == 0 {
		return nil, fmt.Errorf("rows must contain at least one non-blank title")
	}
	if strings.ContainsAny(req.Filename, `/\`) {
		return nil, fmt.Errorf("filename must not contain path separators")
	}
	req.Filename = strings.TrimSpace(req.Filename)
	return &req, nil
}

func ValidateTitleRequest(payload json.RawMessage) (*TitleRequest, error) {
	var req TitleRequest
	if err := validateInto(titleRequestSchema, payload, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	return &req, nil
}

func validateInto(name string, payload json.RawMessage, out any) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema(name)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("normalize payload JSON: %w", err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	entry, ok := compiledSchemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}

	entry.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource(name, strings.NewReader(schemaSources[name])); err != nil {
			entry.err = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile(name)
		if err != nil {
			entry.err = fmt.Errorf("compile schema: %w", err)
			return
		}
		entry.schema = schema
	})

	if entry.err != nil {
		return nil, entry.err
	}
	if entry.schema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return entry.schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}
