// Package dataset loads read-only JSON datasets shared by every VU of a run.
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/swarm/internal/jsonpath"
)

// ErrEmpty is returned for a required dataset that holds no records.
var ErrEmpty = errors.New("dataset is empty")

// Source describes where a dataset comes from.
type Source struct {
	// Name is the key iterations use to look the dataset up.
	Name string

	// Path is the JSON file to read.
	Path string

	// Field selects the array inside the document (JSONPath or gjson
	// syntax). Empty means the document itself is the array.
	Field string

	// Schema is an optional JSON schema file the selected array must satisfy.
	Schema string

	// Required rejects an empty array.
	Required bool
}

// LoadError reports why a dataset could not be loaded. It is fatal to a run.
type LoadError struct {
	Dataset string
	Path    string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("dataset %q (%s): %v", e.Dataset, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Shared is an immutable array of records.
type Shared struct {
	name    string
	records []gjson.Result
}

// Name returns the dataset name.
func (s *Shared) Name() string {
	return s.name
}

// Len returns the number of records.
func (s *Shared) Len() int {
	return len(s.records)
}

// At returns the i-th record. Out-of-range indices wrap around.
func (s *Shared) At(i int) gjson.Result {
	if len(s.records) == 0 {
		return gjson.Result{}
	}
	i %= len(s.records)
	if i < 0 {
		i += len(s.records)
	}
	return s.records[i]
}

// String returns the i-th record as a string.
func (s *Shared) String(i int) string {
	return s.At(i).String()
}

// Random returns a uniformly chosen record, or an empty result when the
// dataset has no records.
func (s *Shared) Random() gjson.Result {
	if len(s.records) == 0 {
		return gjson.Result{}
	}
	return s.records[rand.IntN(len(s.records))]
}

// New wraps records already in memory.
func New(name string, records []string) *Shared {
	s := &Shared{name: name, records: make([]gjson.Result, 0, len(records))}
	for _, r := range records {
		raw, _ := json.Marshal(r)
		s.records = append(s.records, gjson.ParseBytes(raw))
	}
	return s
}

// Load reads, selects and validates one dataset.
func Load(src Source) (*Shared, error) {
	fail := func(err error) (*Shared, error) {
		return nil, &LoadError{Dataset: src.Name, Path: src.Path, Err: err}
	}

	if src.Path == "" {
		return fail(fmt.Errorf("path is required"))
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return fail(err)
	}
	if !gjson.ValidBytes(data) {
		return fail(fmt.Errorf("invalid JSON"))
	}

	selected := gjson.ParseBytes(data)
	if src.Field != "" {
		selected = jsonpath.Get(data, src.Field)
		if !selected.Exists() {
			return fail(fmt.Errorf("field %q not found", src.Field))
		}
	}
	if !selected.IsArray() {
		return fail(fmt.Errorf("field %q is a %s, not an array", src.Field, kindOf(selected)))
	}

	if src.Schema != "" {
		if err := validate(selected.Raw, src.Schema); err != nil {
			return fail(err)
		}
	}

	records := selected.Array()
	if len(records) == 0 && src.Required {
		return fail(ErrEmpty)
	}

	return &Shared{name: src.Name, records: records}, nil
}

// LoadAll loads every source and stops at the first failure.
func LoadAll(sources []Source) (map[string]*Shared, error) {
	out := make(map[string]*Shared, len(sources))
	for _, src := range sources {
		if _, dup := out[src.Name]; dup {
			return nil, &LoadError{Dataset: src.Name, Path: src.Path, Err: fmt.Errorf("duplicate dataset name")}
		}
		ds, err := Load(src)
		if err != nil {
			return nil, err
		}
		out[src.Name] = ds
	}
	return out, nil
}

func validate(raw, schemaPath string) error {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaData)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) && len(flatten(verr)) > 0 {
			return fmt.Errorf("schema violation: %s", strings.Join(flatten(verr), "; "))
		}
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

func flatten(err *jsonschema.ValidationError) []string {
	var out []string
	if err.Message != "" && len(err.Causes) == 0 {
		out = append(out, fmt.Sprintf("at %q: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

func kindOf(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.Type == gjson.String:
		return "string"
	case r.Type == gjson.Number:
		return "number"
	case r.Type == gjson.True, r.Type == gjson.False:
		return "boolean"
	default:
		return "null"
	}
}
