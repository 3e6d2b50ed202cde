package oracle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrParse is matched by every ParseError.
var ErrParse = errors.New("oracle: unparseable response")

// ParseError reports a reply that did not contain a JSON object of the
// expected shape.
type ParseError struct {
	Kind string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v (raw: %q)", e.Kind, e.Err, truncate(e.Raw, 200))
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// ExtractJSON returns the first top-level {...} object in text. Braces inside
// JSON strings are ignored.
func ExtractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", errors.New("json not found")
}

// Schema is a compiled JSON Schema for one reply shape.
type Schema struct {
	kind   string
	schema *jsonschema.Schema
}

// MustCompile compiles a schema document or panics. Used for the package's
// fixed reply shapes.
func MustCompile(kind, doc string) *Schema {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(fmt.Sprintf("oracle: %s schema: %v", kind, err))
	}
	c := jsonschema.NewCompiler()
	url := kind + ".json"
	if err := c.AddResource(url, v); err != nil {
		panic(fmt.Sprintf("oracle: add %s schema: %v", kind, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("oracle: compile %s schema: %v", kind, err))
	}
	return &Schema{kind: kind, schema: s}
}

// Decode extracts the first JSON object from text, validates it against s and
// unmarshals it into out. Every failure is a *ParseError.
func Decode(text string, s *Schema, out any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return &ParseError{Kind: s.kind, Raw: text, Err: err}
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return &ParseError{Kind: s.kind, Raw: text, Err: err}
	}
	if err := s.schema.Validate(doc); err != nil {
		return &ParseError{Kind: s.kind, Raw: text, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &ParseError{Kind: s.kind, Raw: text, Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
