package localstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadValidator keeps optional JSON schemas per namespace. Payloads are
// checked on decode rather than trusted blindly; a payload that fails its
// namespace schema is handled as a corrupt envelope.
type payloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newPayloadValidator() *payloadValidator {
	return &payloadValidator{schemas: map[string]*jsonschema.Schema{}}
}

func (v *payloadValidator) register(namespace string, schemaJSON []byte) error {
	if v == nil || namespace == "" || len(schemaJSON) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", namespace, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := namespace + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", namespace, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", namespace, err)
	}
	v.mu.Lock()
	v.schemas[namespace] = compiled
	v.mu.Unlock()
	return nil
}

func (v *payloadValidator) validate(namespace string, payload []byte) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	schema, ok := v.schemas[namespace]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrCorruptEnvelope)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return nil
}
