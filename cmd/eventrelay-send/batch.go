package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// loadEvents reads a batch file. YAML and JSON both parse; the document is
// either a list of events or a mapping with an events key.
func loadEvents(r io.Reader) ([]json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		events, ok := v["events"].([]any)
		if !ok {
			return nil, errors.New("batch file mapping needs an events list")
		}
		items = events
	case nil:
		return nil, errors.New("batch file is empty")
	default:
		return nil, fmt.Errorf("batch file must be a list or a mapping, got %T", doc)
	}

	out := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
