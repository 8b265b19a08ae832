package snapshot

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// documentSchema describes the on-the-wire snapshot document. The envelope
// markers are optional here on purpose: a document missing them still parses
// so health scoring can report it as structurally broken instead of
// unreadable.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["context_id", "scope", "last_activity_at", "events"],
  "properties": {
    "begin": {
      "type": "object",
      "required": ["format", "version"],
      "properties": {
        "format": {"type": "string"},
        "version": {"type": "integer"}
      }
    },
    "context_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "scope": {"enum": ["session", "project"]},
    "current_task": {"type": "string"},
    "last_activity_at": {"type": "string"},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "importance", "timestamp"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "importance": {"type": "integer", "minimum": 0, "maximum": 10},
          "timestamp": {"type": "string"},
          "origin": {"enum": ["", "archived", "summary", "restore_notice"]}
        }
      }
    },
    "end": {
      "type": "object",
      "required": ["event_count"],
      "properties": {
        "event_count": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schema, schemaErr = compiler.Compile([]byte(documentSchema))
	})
	return schema, schemaErr
}

// Parse decodes and schema-validates a snapshot document. It does not check
// the envelope; call CheckStructure for that.
func Parse(data []byte) (*Snapshot, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
	}

	result := sch.ValidateJSON(data)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrInvalidDocument, result.Errors)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &snap, nil
}

// Marshal encodes a snapshot document with indentation.
func Marshal(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
