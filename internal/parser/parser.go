// Package parser turns free-text LLM output into the structured shapes the
// investigation and reasoning packages operate on. It never calls an LLM
// itself — it only extracts and validates.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of ways a parse can fail. Callers read it
// from the Kind field of a *ParseError (obtained with errors.As) rather
// than by comparing error strings.
type ErrorKind string

const (
	KindInvalidJSON  ErrorKind = "invalid_json"
	KindMissingField ErrorKind = "missing_field"
	KindOutOfRange   ErrorKind = "out_of_range"
	KindUnknownEnum  ErrorKind = "unknown_enum"
)

// ParseError decorates a failure with the field that caused it, so callers
// can log or retry with a corrective prompt.
type ParseError struct {
	Kind   ErrorKind
	Field  string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parser: %s: field %q: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("parser: %s: %s", e.Kind, e.Detail)
}

func invalidJSON(detail string) *ParseError {
	return &ParseError{Kind: KindInvalidJSON, Detail: detail}
}

func missingField(field string) *ParseError {
	return &ParseError{Kind: KindMissingField, Field: field, Detail: "required field is empty"}
}

func outOfRange(field, detail string) *ParseError {
	return &ParseError{Kind: KindOutOfRange, Field: field, Detail: detail}
}

func unknownEnum(field, value string) *ParseError {
	return &ParseError{Kind: KindUnknownEnum, Field: field, Detail: fmt.Sprintf("unrecognized value %q", value)}
}

// ExtractJSON strips optional markdown code fences and returns the
// outermost JSON object or array in response. Handles bare JSON, fenced
// JSON (```json ... ``` or ``` ... ```), and JSON preceded or followed by
// prose commentary.
func ExtractJSON(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			rest := stripped[idx+len(fence):]
			if end := strings.Index(rest, "```"); end != -1 {
				stripped = rest[:end]
			} else {
				stripped = rest
			}
			break
		}
	}

	objStart := strings.Index(stripped, "{")
	objEnd := strings.LastIndex(stripped, "}")
	arrStart := strings.Index(stripped, "[")
	arrEnd := strings.LastIndex(stripped, "]")

	switch {
	case objStart != -1 && objEnd != -1 && objEnd > objStart && (arrStart == -1 || objStart <= arrStart):
		return strings.TrimSpace(stripped[objStart : objEnd+1]), true
	case arrStart != -1 && arrEnd != -1 && arrEnd > arrStart:
		return strings.TrimSpace(stripped[arrStart : arrEnd+1]), true
	default:
		return "", false
	}
}

// unmarshalJSONBlock extracts and unmarshals response into dest, returning
// an invalidJSON ParseError on either failure.
func unmarshalJSONBlock(response string, dest interface{}) error {
	block, ok := ExtractJSON(response)
	if !ok {
		return invalidJSON("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(block), dest); err != nil {
		return invalidJSON(err.Error())
	}
	return nil
}

// FillPrompt substitutes literal {name} placeholders in template with the
// corresponding entry from values. Placeholders with no matching key are
// left unchanged, matching the teacher's template rendering: a silently
// missing value is easier to spot in the rendered prompt than a panic.
func FillPrompt(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
