// Package schema validates model output against strict JSON schemas.
// Local models wrap JSON in prose or code fences often enough that every
// consumer needs the same extract-validate-decode dance.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoObject means the model text contains no JSON object at all.
var ErrNoObject = errors.New("no JSON object in model output")

// MustCompile compiles an embedded schema document. Schemas are
// compile-time constants; an invalid one is a programming error.
func MustCompile(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("schema: invalid document: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		panic(fmt.Sprintf("schema: add resource: %v", err))
	}
	compiled, err := compiler.Compile("inline.json")
	if err != nil {
		panic(fmt.Sprintf("schema: compile: %v", err))
	}
	return compiled
}

// MustDocMap parses a schema document into the generic map form that
// providers forward as a structured-output format.
func MustDocMap(raw string) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(fmt.Sprintf("schema: invalid document: %v", err))
	}
	return doc
}

// ExtractObject returns the outermost JSON object embedded in model
// text, stripping markdown fences around it.
func ExtractObject(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.Contains(cleaned, "```") {
		cleaned = strings.ReplaceAll(cleaned, "```json", "```")
		if parts := strings.Split(cleaned, "```"); len(parts) >= 2 {
			for _, part := range parts {
				if strings.Contains(part, "{") {
					cleaned = part
					break
				}
			}
		}
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return ""
	}
	return cleaned[start : end+1]
}

// Decode extracts, validates and unmarshals the JSON object in text.
func Decode(compiled *jsonschema.Schema, text string, out any) error {
	raw := ExtractObject(text)
	if raw == "" {
		return ErrNoObject
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("failed to validate model JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode model JSON: %w", err)
	}
	return nil
}
