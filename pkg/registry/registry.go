// Package registry maps task types to their payload schema, default
// timeout and partition key.
//
// The registry is read-mostly: it is built once at startup and only
// replaced wholesale (on config reload), never mutated by dispatch.
// Unknown types are a hard error at dispatch time.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTimeout applies to types registered without a timeout.
const DefaultTimeout = 10 * time.Minute

// PartitionPrefix is prepended to a task type to form its partition key.
const PartitionPrefix = "dispatch:"

var (
	// ErrUnknownTaskType is returned for types that were never registered.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrPayloadInvalid is matched by every *PayloadValidationError.
	ErrPayloadInvalid = errors.New("payload validation failed")
)

// PayloadValidationError lists every schema violation of a payload.
type PayloadValidationError struct {
	TaskType   string
	Violations []string
}

func (e *PayloadValidationError) Error() string {
	return fmt.Sprintf("payload for %q failed validation: %s", e.TaskType, strings.Join(e.Violations, "; "))
}

// Is makes errors.Is(err, ErrPayloadInvalid) true.
func (e *PayloadValidationError) Is(target error) bool { return target == ErrPayloadInvalid }

// TypeSpec registers one task type.
type TypeSpec struct {
	Name    string          `json:"name" yaml:"name"`
	Schema  json.RawMessage `json:"schema,omitempty" yaml:"-"`
	Timeout time.Duration   `json:"timeout,omitempty" yaml:"-"`
}

// Resolution is everything dispatch and workers need to know about a type.
type Resolution struct {
	TaskType       string
	PayloadSchema  json.RawMessage
	DefaultTimeout time.Duration
	PartitionKey   string
}

// PartitionKey returns the partition a task type is dispatched to.
func PartitionKey(taskType string) string { return PartitionPrefix + taskType }

type entry struct {
	res    Resolution
	schema *jsonschema.Schema
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]entry
}

// New compiles specs into a registry.
func New(specs []TypeSpec) (*Registry, error) {
	types, err := compile(specs)
	if err != nil {
		return nil, err
	}
	return &Registry{types: types}, nil
}

// Replace swaps in a freshly compiled set of types. On error the current
// registry is kept.
func (r *Registry) Replace(specs []TypeSpec) error {
	types, err := compile(specs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.types = types
	r.mu.Unlock()
	return nil
}

// Resolve returns the registration of taskType, or ErrUnknownTaskType.
func (r *Registry) Resolve(taskType string) (Resolution, error) {
	r.mu.RLock()
	e, ok := r.types[taskType]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return e.res, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks payload against the schema of taskType. A type without a
// schema accepts any payload.
func (r *Registry) Validate(taskType string, payload []byte) error {
	r.mu.RLock()
	e, ok := r.types[taskType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if e.schema == nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &PayloadValidationError{
			TaskType:   taskType,
			Violations: []string{"/: not valid JSON: " + err.Error()},
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &PayloadValidationError{
			TaskType:   taskType,
			Violations: []string{"/: trailing data after JSON document"},
		}
	}

	err := e.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate payload for %q: %w", taskType, err)
	}
	return &PayloadValidationError{TaskType: taskType, Violations: violations(verr)}
}

// violations flattens a validation error tree into one line per failing
// leaf, "<instance location>: <message>".
func violations(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

func compile(specs []TypeSpec) (map[string]entry, error) {
	types := make(map[string]entry, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("register type: name is required")
		}
		if _, dup := types[spec.Name]; dup {
			return nil, fmt.Errorf("register type %q: duplicate", spec.Name)
		}
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		e := entry{res: Resolution{
			TaskType:       spec.Name,
			PayloadSchema:  spec.Schema,
			DefaultTimeout: timeout,
			PartitionKey:   PartitionKey(spec.Name),
		}}
		if len(bytes.TrimSpace(spec.Schema)) > 0 {
			schema, err := compileSchema(spec.Name, spec.Schema)
			if err != nil {
				return nil, err
			}
			e.schema = schema
		}
		types[spec.Name] = e
	}
	return types, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	url := "clockq://types/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema for %q: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return schema, nil
}
