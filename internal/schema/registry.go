// Package schema holds the static registry of request payload schemas. Every
// request type the system accepts is compiled in; there is no runtime
// discovery.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var builtin embed.FS

// Registry maps request types to their compiled JSON schema.
type Registry struct {
	schemas map[string]*gojsonschema.Schema
}

// Builtin compiles the embedded schemas. A schema that fails to compile is a
// packaging bug, so the error is fatal to the caller.
func Builtin() (*Registry, error) {
	entries, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	reg := &Registry{schemas: map[string]*gojsonschema.Schema{}}
	for _, e := range entries {
		raw, err := builtin.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := reg.add(e.Name(), raw); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadDir adds or overrides schemas from *.json files in dir. Missing dir is
// not an error so a default config works without one.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := r.add(e.Name(), raw); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(filename string, raw []byte) error {
	name := strings.TrimSuffix(filename, ".json")
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	r.schemas[name] = compiled
	return nil
}

// Types lists the registered request types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Has(requestType string) bool {
	_, ok := r.schemas[requestType]
	return ok
}

// Validate checks one request object against the schema for requestType.
// The returned message describes the first violation.
func (r *Registry) Validate(requestType string, object json.RawMessage) (string, error) {
	compiled, ok := r.schemas[requestType]
	if !ok {
		return "", fmt.Errorf("no schema for request type %q", requestType)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(object))
	if err != nil {
		return "", fmt.Errorf("validate %s object: %w", requestType, err)
	}
	if result.Valid() {
		return "", nil
	}
	return result.Errors()[0].String(), nil
}
