package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UnitText is the unit kind of string-valued parameters.
const UnitText = "Text"

// IsTextUnit reports whether unit names the text unit kind.
func IsTextUnit(unit string) bool {
	return strings.EqualFold(strings.TrimSpace(unit), UnitText)
}

// Expression is a single named parameter expression.
type Expression struct {
	Name          string   `json:"-"`
	Value         string   `json:"value"`
	Unit          string   `json:"unit,omitempty"`
	Label         string   `json:"label,omitempty"`
	ReadOnly      bool     `json:"readonly,omitempty"`
	AllowedValues []string `json:"values,omitempty"`
	ErrorMessage  string   `json:"errormessage,omitempty"`
}

// HasError reports whether the expression failed validation.
func (e *Expression) HasError() bool {
	return e != nil && e.ErrorMessage != ""
}

// Set is an ordered collection of expressions keyed by name.
// The zero value is an empty set ready to use.
type Set struct {
	order  []string
	byName map[string]*Expression
}

func NewSet(exprs ...Expression) *Set {
	s := &Set{}
	for _, e := range exprs {
		s.Put(e)
	}
	return s
}

// Put adds e, or replaces the expression with the same name in place.
func (s *Set) Put(e Expression) {
	name := strings.TrimSpace(e.Name)
	e.Name = name
	if s.byName == nil {
		s.byName = make(map[string]*Expression)
	}
	if cur, ok := s.byName[name]; ok {
		*cur = e
		return
	}
	cp := e
	s.byName[name] = &cp
	s.order = append(s.order, name)
}

func (s *Set) Get(name string) (*Expression, bool) {
	if s == nil || s.byName == nil {
		return nil, false
	}
	e, ok := s.byName[strings.TrimSpace(name)]
	return e, ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns parameter names in insertion order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Items returns the expressions in insertion order. The pointers alias the
// set, so callers may update error messages in place.
func (s *Set) Items() []*Expression {
	if s == nil {
		return nil
	}
	out := make([]*Expression, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

func (s *Set) Clone() *Set {
	out := &Set{}
	for _, e := range s.Items() {
		cp := *e
		cp.AllowedValues = append([]string(nil), e.AllowedValues...)
		out.Put(cp)
	}
	return out
}

// HasErrors reports whether any expression carries an error message.
func (s *Set) HasErrors() bool {
	for _, e := range s.Items() {
		if e.HasError() {
			return true
		}
	}
	return false
}

// MarshalJSON writes the set as a JSON object keyed by name, keeping order.
func (s *Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.Items() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keyed by name. Key order in the document
// becomes the apply order.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = Set{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parameters: expected object, got %v", tok)
	}
	out := Set{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("parameters: expected name, got %v", keyTok)
		}
		var e Expression
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("parameters: %s: %w", name, err)
		}
		e.Name = name
		out.Put(e)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// Parse decodes a serialized parameter set document.
func Parse(raw []byte) (*Set, error) {
	s := &Set{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
