package ingest

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

//go:embed raw_payload.schema.json
var rawPayloadSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// DecodePayload strictly decodes one connector payload and validates it against the
// embedded schema. Schema violations are reported as *ValidationError.
func DecodePayload(raw json.RawMessage) (RawPayload, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return RawPayload{}, &ValidationError{Reason: "malformed JSON", Err: err}
	}
	return payloadFromValue(value)
}

// DecodePayloads accepts either a single payload object or an array of them.
// Each element is validated on its own; the returned errors slice is index-aligned.
func DecodePayloads(raw json.RawMessage) ([]RawPayload, []error, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, nil, &ValidationError{Reason: "malformed JSON", Err: err}
	}

	items, ok := value.([]any)
	if !ok {
		items = []any{value}
	}

	payloads := make([]RawPayload, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		payloads[i], errs[i] = payloadFromValue(item)
	}
	return payloads, errs, nil
}

func payloadFromValue(value any) (RawPayload, error) {
	schema, err := loadSchema()
	if err != nil {
		return RawPayload{}, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return RawPayload{}, &ValidationError{Reason: "schema validation failed", Err: err}
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return RawPayload{}, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var p RawPayload
	if err := json.Unmarshal(normalized, &p); err != nil {
		return RawPayload{}, &ValidationError{Reason: "unmarshal payload", Err: err}
	}
	return p, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("raw_payload.schema.json", strings.NewReader(rawPayloadSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("raw_payload.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
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
