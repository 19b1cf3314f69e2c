// Package validation checks purchase parameters and activation results
// against the JSON schema shipped for each service type.
package validation

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/netpulse/backend/internal/activator"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrResultMismatch marks an activation result that does not match its
// result_schema. Callers treat it as a soft flag.
var ErrResultMismatch = errors.New("activation result does not match schema")

type Validator struct {
	params  map[string]*jsonschema.Schema
	results map[string]*jsonschema.Schema
}

// New compiles params_schema and result_schema from every embedded
// <service_type>.v1.json file.
func New() (*Validator, error) {
	return newFromFS(schemaFS, "schemas")
}

// MustNew is New for package initialisation; the schemas are compiled in.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

func newFromFS(fsys fs.FS, dir string) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", dir, err)
	}
	v := &Validator{
		params:  make(map[string]*jsonschema.Schema),
		results: make(map[string]*jsonschema.Schema),
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".json"), ".v1")
		service := strings.ToUpper(name)

		p := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", p, err)
		}
		var file struct {
			Properties struct {
				ParamsSchema json.RawMessage `json:"params_schema"`
				ResultSchema json.RawMessage `json:"result_schema"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", p, err)
		}
		if len(file.Properties.ParamsSchema) == 0 || len(file.Properties.ResultSchema) == 0 {
			return nil, fmt.Errorf("%q: missing params_schema or result_schema", p)
		}
		base := "https://netpulse.dev/schemas/" + name
		if v.params[service], err = jsonschema.CompileString(base+".params", string(file.Properties.ParamsSchema)); err != nil {
			return nil, fmt.Errorf("compile params schema %q: %w", service, err)
		}
		if v.results[service], err = jsonschema.CompileString(base+".result", string(file.Properties.ResultSchema)); err != nil {
			return nil, fmt.Errorf("compile result schema %q: %w", service, err)
		}
	}
	return v, nil
}

// Services lists the service types that have a schema.
func (v *Validator) Services() []string {
	out := make([]string, 0, len(v.params))
	for s := range v.params {
		out = append(out, s)
	}
	return out
}

// ValidateParams is a hard reject: the error wraps activator.ErrInvalidParams.
func (v *Validator) ValidateParams(serviceType string, params map[string]string) error {
	schema, ok := v.params[serviceType]
	if !ok {
		return fmt.Errorf("%w: no schema for service %q", activator.ErrInvalidParams, serviceType)
	}
	doc := make(map[string]interface{}, len(params))
	for k, val := range params {
		doc[k] = val
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", activator.ErrInvalidParams, err)
	}
	return nil
}

// ValidateResult is a soft flag for provider responses that drifted from
// what the service record expects.
func (v *Validator) ValidateResult(serviceType string, payload json.RawMessage) error {
	schema, ok := v.results[serviceType]
	if !ok || len(payload) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrResultMismatch, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrResultMismatch, err)
	}
	return nil
}
