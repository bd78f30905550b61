package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/validator"
)

// PayloadError reports why model output could not be used as an operation payload.
type PayloadError struct {
	Reason string
	Errors []validator.ValidationError
}

func (e *PayloadError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%v: %s", domain.ErrInvalidPayload, e.Reason)
	}
	first := e.Errors[0]
	return fmt.Sprintf("%v: %s (%d errors, first at %s: %s)",
		domain.ErrInvalidPayload, e.Reason, len(e.Errors), first.Path, first.Message)
}

func (e *PayloadError) Unwrap() error { return domain.ErrInvalidPayload }

// Parse turns raw model output into a validated payload with normalized paths.
// It tolerates Markdown fences, prose around a JSON object and a bare JSON
// array of operations.
func (e *Engine) Parse(raw string) (*domain.OperationPayload, error) {
	text := strings.TrimSpace(llm.StripCodeFences(raw))
	if text == "" {
		return nil, &PayloadError{Reason: "empty response"}
	}

	var doc string
	switch {
	case strings.HasPrefix(text, "[") && json.Valid([]byte(text)):
		doc = `{"operations":` + text + `}`
	case strings.HasPrefix(text, "{") && json.Valid([]byte(text)):
		doc = text
	default:
		obj, ok := extractObject(text)
		if !ok {
			return nil, &PayloadError{Reason: "no JSON object found in response"}
		}
		doc = obj
	}

	if res := e.validator.ValidatePayload([]byte(doc)); !res.Valid {
		return nil, &PayloadError{Reason: "schema validation failed", Errors: res.Errors}
	}

	var payload domain.OperationPayload
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return nil, &PayloadError{Reason: err.Error()}
	}
	for i := range payload.Operations {
		op := &payload.Operations[i]
		op.FilePath = validator.NormalizePath(op.FilePath)
		if op.NewPath != "" {
			op.NewPath = validator.NormalizePath(op.NewPath)
		}
	}

	if errs := validator.CheckOperations(&payload, e.limits); len(errs) > 0 {
		return nil, &PayloadError{Reason: "operation checks failed", Errors: errs}
	}
	return &payload, nil
}

// extractObject returns the first balanced {...} block that is valid JSON.
func extractObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
