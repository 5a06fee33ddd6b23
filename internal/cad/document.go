// Package cad describes the parts of a CAD document the parameter pipeline
// touches, and provides an in-memory document used by the local engine.
package cad

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Parameter is the statically typed view of one document parameter. Engine
// bindings that need late-bound member access hide it behind this interface
// and report lookup failures as errors.
type Parameter interface {
	Name() string
	UnitKind() (string, error)
	Expression() (string, error)
	SetExpression(expr string) error
}

// Annotated is implemented by parameters that carry UI metadata.
type Annotated interface {
	Label() string
	ReadOnly() bool
	AllowedValues() []string
}

// Document is an open CAD document.
type Document interface {
	Parameter(name string) (Parameter, bool)
	Parameters() []Parameter
	// IsExpressionValid checks expr against the unit-of-measure rules for
	// unitKind.
	IsExpressionValid(expr, unitKind string) bool
}

var ErrDrivenParameter = errors.New("parameter is driven by a rule and cannot be edited")

// ParameterSpec is the serialized form of a model parameter.
type ParameterSpec struct {
	Name          string   `json:"name"`
	Unit          string   `json:"unit"`
	Expression    string   `json:"expression"`
	Label         string   `json:"label,omitempty"`
	ReadOnly      bool     `json:"readonly,omitempty"`
	Driven        bool     `json:"driven,omitempty"`
	AllowedValues []string `json:"values,omitempty"`
}

// ModelSpec is the serialized form of a model, stored as the project's
// current model artifact.
type ModelSpec struct {
	Name       string          `json:"name"`
	Assembly   bool            `json:"assembly"`
	Parameters []ParameterSpec `json:"parameters"`
}

// Model is an in-memory Document.
type Model struct {
	mu       sync.RWMutex
	name     string
	assembly bool
	order    []string
	params   map[string]*ModelParameter
}

func NewModel(spec ModelSpec) (*Model, error) {
	m := &Model{
		name:     spec.Name,
		assembly: spec.Assembly,
		params:   make(map[string]*ModelParameter, len(spec.Parameters)),
	}
	for _, ps := range spec.Parameters {
		name := strings.TrimSpace(ps.Name)
		if name == "" {
			return nil, fmt.Errorf("model %s: parameter without name", spec.Name)
		}
		if _, dup := m.params[name]; dup {
			return nil, fmt.Errorf("model %s: duplicate parameter %s", spec.Name, name)
		}
		ps.Name = name
		m.params[name] = &ModelParameter{model: m, spec: ps}
		m.order = append(m.order, name)
	}
	return m, nil
}

// LoadModel decodes a serialized model.
func LoadModel(raw []byte) (*Model, error) {
	var spec ModelSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return NewModel(spec)
}

func (m *Model) Name() string     { return m.name }
func (m *Model) IsAssembly() bool { return m.assembly }

func (m *Model) Parameter(name string) (Parameter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return p, true
}

func (m *Model) Parameters() []Parameter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Parameter, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.params[name])
	}
	return out
}

func (m *Model) IsExpressionValid(expr, unitKind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ValidateExpression(expr, unitKind, func(name string) bool {
		_, ok := m.params[name]
		return ok
	})
}

// Spec returns the current state of the model in serialized form.
func (m *Model) Spec() ModelSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := ModelSpec{Name: m.name, Assembly: m.assembly}
	for _, name := range m.order {
		ps := m.params[name].spec
		ps.AllowedValues = append([]string(nil), ps.AllowedValues...)
		out.Parameters = append(out.Parameters, ps)
	}
	return out
}

func (m *Model) Marshal() ([]byte, error) {
	return json.MarshalIndent(m.Spec(), "", "  ")
}

// ModelParameter is a parameter of a Model.
type ModelParameter struct {
	model *Model
	spec  ParameterSpec
}

func (p *ModelParameter) Name() string { return p.spec.Name }

func (p *ModelParameter) UnitKind() (string, error) {
	if strings.TrimSpace(p.spec.Unit) == "" {
		return "", fmt.Errorf("parameter %s has no unit", p.spec.Name)
	}
	return p.spec.Unit, nil
}

func (p *ModelParameter) Expression() (string, error) {
	p.model.mu.RLock()
	defer p.model.mu.RUnlock()
	return p.spec.Expression, nil
}

func (p *ModelParameter) SetExpression(expr string) error {
	if p.spec.Driven {
		return fmt.Errorf("set %s: %w", p.spec.Name, ErrDrivenParameter)
	}
	p.model.mu.Lock()
	defer p.model.mu.Unlock()
	p.spec.Expression = expr
	return nil
}

func (p *ModelParameter) Label() string           { return p.spec.Label }
func (p *ModelParameter) ReadOnly() bool          { return p.spec.ReadOnly || p.spec.Driven }
func (p *ModelParameter) AllowedValues() []string { return append([]string(nil), p.spec.AllowedValues...) }
