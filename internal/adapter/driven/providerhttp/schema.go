package providerhttp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// PayloadSchema validates the shape of inbound webhook payloads.
type PayloadSchema struct {
	schema *jsonschema.Schema
}

// MustCompileSchema compiles a JSON schema document and panics when the
// document itself is invalid. Schemas are package constants, so a failure
// is a programming error.
func MustCompileSchema(name, src string) *PayloadSchema {
	s, err := CompileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a JSON schema document registered under name.
func CompileSchema(name, src string) (*PayloadSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &PayloadSchema{schema: schema}, nil
}

// Validate checks body against the schema. Failures wrap driven.ErrInvalidPayload.
func (s *PayloadSchema) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}
	return nil
}
