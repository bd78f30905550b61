// Package validator checks assistant-produced operation payloads against an
// embedded JSON Schema and the filesystem rules the executor relies on.
package validator

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dshills/codemechanic/internal/domain"
)

//go:embed schemas/*.json
var schemasFS embed.FS

const payloadSchemaURL = "https://codemechanic.dev/schemas/OperationPayload.schema.json"

// ValidationError represents a single validation error.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of schema validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Limits bounds the size of a payload.
type Limits struct {
	MaxOperations int
	MaxFileBytes  int
}

// DefaultLimits are used when a limit is zero.
var DefaultLimits = Limits{MaxOperations: 100, MaxFileBytes: 1 << 20}

// Validator validates JSON documents against schemas.
type Validator struct {
	payloadSchema *jsonschema.Schema
	printer       *message.Printer
}

// New creates a new Validator with embedded schemas.
func New() (*Validator, error) {
	schemaData, err := schemasFS.ReadFile("schemas/OperationPayload.schema.json")
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaData)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(payloadSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}

	return &Validator{
		payloadSchema: schema,
		printer:       message.NewPrinter(language.English),
	}, nil
}

// ValidatePayload validates raw JSON against the OperationPayload schema.
func (v *Validator) ValidatePayload(raw []byte) ValidationResult {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Path:    "/",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			}},
		}
	}
	return v.validateDoc(doc)
}

func (v *Validator) validateDoc(doc any) ValidationResult {
	err := v.payloadSchema.Validate(doc)
	if err == nil {
		return ValidationResult{Valid: true}
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationResult{Errors: []ValidationError{{Path: "/", Message: err.Error()}}}
	}
	return ValidationResult{Errors: v.extractErrors(ve)}
}

func (v *Validator) extractErrors(ve *jsonschema.ValidationError) []ValidationError {
	var out []ValidationError
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			out = append(out, v.extractErrors(cause)...)
		}
		return out
	}
	return []ValidationError{{
		Path:    "/" + strings.Join(ve.InstanceLocation, "/"),
		Message: ve.ErrorKind.LocalizedString(v.printer),
	}}
}

// NormalizePath drops leading "./" segments and collapses repeated slashes.
// A leading "/" is kept so CheckOperations can reject it.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// CheckOperations applies the rules the schema cannot express.
// Paths are expected to be normalized already.
func CheckOperations(p *domain.OperationPayload, limits Limits) []ValidationError {
	if limits.MaxOperations <= 0 {
		limits.MaxOperations = DefaultLimits.MaxOperations
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultLimits.MaxFileBytes
	}

	if p == nil || len(p.Operations) == 0 {
		return []ValidationError{{Path: "/operations", Message: "at least one operation is required"}}
	}
	if n := len(p.Operations); n > limits.MaxOperations {
		return []ValidationError{{
			Path:    "/operations",
			Message: fmt.Sprintf("%d operations exceeds the limit of %d", n, limits.MaxOperations),
		}}
	}

	var errs []ValidationError
	for i, op := range p.Operations {
		at := fmt.Sprintf("/operations/%d", i)

		switch op.Type {
		case domain.OperationCreate, domain.OperationUpdate:
			if op.Content == nil {
				errs = append(errs, ValidationError{Path: at + "/content", Message: string(op.Type) + " requires content"})
			} else if len(*op.Content) > limits.MaxFileBytes {
				errs = append(errs, ValidationError{
					Path:    at + "/content",
					Message: fmt.Sprintf("content is %d bytes, limit is %d", len(*op.Content), limits.MaxFileBytes),
				})
			}
		case domain.OperationDelete:
		case domain.OperationRename:
			if op.NewPath == "" {
				errs = append(errs, ValidationError{Path: at + "/newPath", Message: "rename requires newPath"})
			} else {
				if msg := checkPath(op.NewPath); msg != "" {
					errs = append(errs, ValidationError{Path: at + "/newPath", Message: msg})
				}
				if op.NewPath == op.FilePath {
					errs = append(errs, ValidationError{Path: at + "/newPath", Message: "newPath equals filePath"})
				}
			}
		default:
			errs = append(errs, ValidationError{Path: at + "/type", Message: fmt.Sprintf("unknown operation type %q", op.Type)})
		}

		if msg := checkPath(op.FilePath); msg != "" {
			errs = append(errs, ValidationError{Path: at + "/filePath", Message: msg})
		}
	}
	return errs
}

func checkPath(p string) string {
	switch {
	case p == "":
		return "path is empty"
	case strings.HasPrefix(p, "/"):
		return "path must be relative"
	case strings.ContainsRune(p, '\\'):
		return "path must use forward slashes"
	case strings.ContainsRune(p, 0):
		return "path contains a NUL byte"
	case strings.HasSuffix(p, "/"):
		return "path names a directory"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "path must not contain .. segments"
		}
	}
	return ""
}
