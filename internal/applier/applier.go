// Package applier applies an incoming parameter set to an open CAD document.
package applier

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"configurator/internal/cad"
	"configurator/internal/params"
)

// InvalidExpressionMessage is recorded on a parameter whose expression does
// not validate for its unit kind.
const InvalidExpressionMessage = "Parameter's expression is not valid for its unit type"

// Status is the outcome of one incoming parameter.
type Status string

const (
	StatusApplied      Status = "applied"
	StatusSkipped      Status = "skipped"
	StatusInvalid      Status = "invalid"
	StatusFailed       Status = "failed"
	StatusUnknown      Status = "unknown"
	StatusNotProcessed Status = "not-processed"
)

// ParamResult describes what happened to one incoming parameter.
type ParamResult struct {
	Name   string
	Status Status
	// Expression is the normalized expression that was validated, if any.
	Expression string
	Err        error
}

// Result is the output of Apply.
type Result struct {
	// Parameters is a copy of the incoming set with error messages populated.
	Parameters *params.Set
	Outcomes   []ParamResult
	// Changed is true when at least one edit was attempted.
	Changed bool
	// Halted is true when an invalid expression stopped the batch.
	Halted bool
	// Report is the ground-truth parameter state of the document after the
	// batch, carrying incoming error messages.
	Report *params.Set
}

// Outcome returns the result for name.
func (r *Result) Outcome(name string) (ParamResult, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return ParamResult{}, false
}

// Applier runs the per-parameter state machine.
type Applier struct {
	log logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Applier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Applier{log: logger}
}

// Apply walks incoming in order. An unknown name or a document error is a
// local failure and processing continues; an invalid expression is recorded
// on that parameter and stops the batch. The report is extracted afterwards
// in every case.
func (a *Applier) Apply(doc cad.Document, incoming *params.Set) *Result {
	res := &Result{Parameters: incoming.Clone()}
	items := res.Parameters.Items()
	for i, in := range items {
		out := a.applyOne(doc, in)
		res.Outcomes = append(res.Outcomes, out)
		switch out.Status {
		case StatusApplied:
			res.Changed = true
		case StatusInvalid:
			res.Changed = true
			res.Halted = true
			for _, rest := range items[i+1:] {
				res.Outcomes = append(res.Outcomes, ParamResult{Name: rest.Name, Status: StatusNotProcessed})
			}
		}
		if res.Halted {
			break
		}
	}
	res.Report = a.Extract(doc, res.Parameters)
	return res
}

func (a *Applier) applyOne(doc cad.Document, in *params.Expression) (out ParamResult) {
	out.Name = in.Name
	log := a.log.WithField("parameter", in.Name)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn("parameter could not be applied")
			out.Status = StatusFailed
			out.Err = fmt.Errorf("apply %s: %v", in.Name, r)
		}
	}()

	p, ok := doc.Parameter(in.Name)
	if !ok {
		log.Warn("parameter not found in document")
		out.Status = StatusUnknown
		out.Err = fmt.Errorf("parameter %s not found", in.Name)
		return out
	}
	current, err := p.Expression()
	if err != nil {
		return a.failed(log, out, err)
	}
	if params.NormalizeExpression(current) == params.NormalizeExpression(in.Value) {
		in.ErrorMessage = ""
		out.Status = StatusSkipped
		return out
	}
	unit, err := p.UnitKind()
	if err != nil {
		return a.failed(log, out, err)
	}
	expr := NormalizeForUnit(in.Value, unit)
	out.Expression = expr
	if !doc.IsExpressionValid(expr, unit) {
		in.ErrorMessage = InvalidExpressionMessage
		out.Status = StatusInvalid
		log.WithField("expression", expr).Info("invalid expression, halting batch")
		return out
	}
	if err := p.SetExpression(expr); err != nil {
		return a.failed(log, out, err)
	}
	in.ErrorMessage = ""
	out.Status = StatusApplied
	return out
}

func (a *Applier) failed(log logrus.FieldLogger, out ParamResult, err error) ParamResult {
	log.WithError(err).Warn("parameter could not be applied")
	out.Status = StatusFailed
	out.Err = err
	return out
}

// NormalizeForUnit strips one layer of surrounding quotes for non-text
// units and ensures quotes for text units.
func NormalizeForUnit(expr, unit string) string {
	expr = strings.TrimSpace(expr)
	quoted := len(expr) >= 2 && expr[0] == '"' && expr[len(expr)-1] == '"'
	if params.IsTextUnit(unit) {
		if quoted {
			return expr
		}
		return `"` + expr + `"`
	}
	if quoted {
		return expr[1 : len(expr)-1]
	}
	return expr
}

// Extract reads every document parameter into a set. Error messages present
// on same-named entries of incoming are carried over. Parameters that cannot
// be read are logged and left out.
func (a *Applier) Extract(doc cad.Document, incoming *params.Set) *params.Set {
	report := params.NewSet()
	for _, p := range doc.Parameters() {
		e, err := extractOne(p)
		if err != nil {
			a.log.WithError(err).WithField("parameter", p.Name()).Warn("parameter could not be extracted")
			continue
		}
		if incoming != nil {
			if in, ok := incoming.Get(e.Name); ok {
				e.ErrorMessage = in.ErrorMessage
			}
		}
		report.Put(e)
	}
	return report
}

func extractOne(p cad.Parameter) (e params.Expression, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract %s: %v", p.Name(), r)
		}
	}()
	e.Name = p.Name()
	if e.Value, err = p.Expression(); err != nil {
		return e, err
	}
	if e.Unit, err = p.UnitKind(); err != nil {
		return e, err
	}
	if ann, ok := p.(cad.Annotated); ok {
		e.Label = ann.Label()
		e.ReadOnly = ann.ReadOnly()
		e.AllowedValues = ann.AllowedValues()
	}
	return e, nil
}
