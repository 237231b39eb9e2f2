package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const batchSchemaURL = "https://eventrelay.local/schemas/batch.json"

const batchSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["events"],
  "properties": {
    "token": {"type": ["string", "null"]},
    "events": {"type": "array"}
  }
}`

var (
	batchSchemaOnce sync.Once
	batchSchema     *jsonschema.Schema
	batchSchemaErr  error
)

func compiledBatchSchema() (*jsonschema.Schema, error) {
	batchSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(batchSchemaDoc))
		if err != nil {
			batchSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(batchSchemaURL, doc); err != nil {
			batchSchemaErr = err
			return
		}
		batchSchema, batchSchemaErr = c.Compile(batchSchemaURL)
	})
	return batchSchema, batchSchemaErr
}

// Batch is a structurally valid ingestion request.
type Batch struct {
	Token  string
	Events []json.RawMessage
}

type wireBatch struct {
	Token  *string           `json:"token"`
	Events []json.RawMessage `json:"events"`
}

// ParseBatch validates the request envelope and extracts the bearer token.
// body may be the batch object or a JSON string containing it. The token in
// the Authorization header wins over one carried in the body.
func ParseBatch(body []byte, authorization string) (Batch, error) {
	payload, err := unwrapBody(body)
	if err != nil {
		return Batch{}, err
	}
	schema, err := compiledBatchSchema()
	if err != nil {
		return Batch{}, fmt.Errorf("compile batch schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Batch{}, fmt.Errorf("%w: body must be an object with an events array", ErrMalformedBatch)
	}

	var wire wireBatch
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	token := BearerToken(authorization)
	if token == "" && wire.Token != nil {
		token = strings.TrimSpace(*wire.Token)
	}
	if token == "" {
		return Batch{}, fmt.Errorf("%w: token missing", ErrUnauthenticated)
	}
	return Batch{Token: token, Events: wire.Events}, nil
}

// BearerToken returns the credential of an "Authorization: Bearer" header
// value, or "" if the header uses another scheme.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func unwrapBody(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedBatch)
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return bytes.TrimSpace([]byte(inner)), nil
}
