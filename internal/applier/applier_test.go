package applier

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/cad"
	"configurator/internal/params"
)

func newDoc(t *testing.T) *cad.Model {
	t.Helper()
	m, err := cad.NewModel(cad.ModelSpec{
		Name: "Wheel",
		Parameters: []cad.ParameterSpec{
			{Name: "Width", Unit: "mm", Expression: "10 mm", Label: "Width"},
			{Name: "Angle", Unit: "deg", Expression: "45 deg"},
			{Name: "Material", Unit: "Text", Expression: `"Steel"`},
			{Name: "Spokes", Unit: "ul", Expression: "5 ul", Driven: true},
		},
	})
	require.NoError(t, err)
	return m
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func expr(t *testing.T, doc cad.Document, name string) string {
	t.Helper()
	p, ok := doc.Parameter(name)
	require.True(t, ok)
	v, err := p.Expression()
	require.NoError(t, err)
	return v
}

func TestUnchangedParameterIsSkipped(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(params.Expression{Name: "Width", Value: "10 mm"}))

	assert.False(t, res.Changed)
	assert.False(t, res.Halted)
	assert.False(t, res.Parameters.HasErrors())
	o, _ := res.Outcome("Width")
	assert.Equal(t, StatusSkipped, o.Status)
}

func TestEquivalentSpellingIsSkipped(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(params.Expression{Name: "Width", Value: "  10MM "}))
	assert.False(t, res.Changed)
	assert.Equal(t, "10 mm", expr(t, doc, "Width"))
}

func TestInvalidExpressionHaltsBatch(t *testing.T) {
	doc := newDoc(t)
	incoming := params.NewSet(
		params.Expression{Name: "Angle", Value: "30 deg"},
		params.Expression{Name: "Width", Value: "bogus"},
		params.Expression{Name: "Material", Value: "Brass"},
	)
	res := New(quiet()).Apply(doc, incoming)

	assert.True(t, res.Changed)
	assert.True(t, res.Halted)
	w, _ := res.Parameters.Get("Width")
	assert.Equal(t, InvalidExpressionMessage, w.ErrorMessage)
	m, _ := res.Parameters.Get("Material")
	assert.Empty(t, m.ErrorMessage)

	assert.Equal(t, "30 deg", expr(t, doc, "Angle"))
	assert.Equal(t, "10 mm", expr(t, doc, "Width"))
	assert.Equal(t, `"Steel"`, expr(t, doc, "Material"))

	o, _ := res.Outcome("Material")
	assert.Equal(t, StatusNotProcessed, o.Status)

	// the incoming set itself is not mutated
	orig, _ := incoming.Get("Width")
	assert.Empty(t, orig.ErrorMessage)
}

func TestTextValueIsQuoted(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(params.Expression{Name: "Material", Value: "hello"}))

	o, _ := res.Outcome("Material")
	assert.Equal(t, StatusApplied, o.Status)
	assert.Equal(t, `"hello"`, o.Expression)
	assert.Equal(t, `"hello"`, expr(t, doc, "Material"))
	assert.True(t, res.Changed)
}

func TestQuotedNumericValueIsUnquoted(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(params.Expression{Name: "Width", Value: `"12 mm"`}))
	o, _ := res.Outcome("Width")
	assert.Equal(t, StatusApplied, o.Status)
	assert.Equal(t, "12 mm", expr(t, doc, "Width"))
}

func TestLocalFailuresDoNotHalt(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(
		params.Expression{Name: "Missing", Value: "1 mm"},
		params.Expression{Name: "Spokes", Value: "6 ul"},
		params.Expression{Name: "Width", Value: "20 mm"},
	))

	assert.False(t, res.Halted)
	assert.True(t, res.Changed)
	assert.False(t, res.Parameters.HasErrors())

	missing, _ := res.Outcome("Missing")
	assert.Equal(t, StatusUnknown, missing.Status)
	spokes, _ := res.Outcome("Spokes")
	assert.Equal(t, StatusFailed, spokes.Status)
	assert.ErrorIs(t, spokes.Err, cad.ErrDrivenParameter)

	assert.Equal(t, "5 ul", expr(t, doc, "Spokes"))
	assert.Equal(t, "20 mm", expr(t, doc, "Width"))
}

func TestOnlyLocalFailureReportsNoChange(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(params.Expression{Name: "Spokes", Value: "6 ul"}))
	assert.False(t, res.Changed)
}

type panickyParam struct{ cad.Parameter }

func (panickyParam) Expression() (string, error) { panic("late-bound lookup failed") }

type panickyDoc struct {
	*cad.Model
}

func (d panickyDoc) Parameter(name string) (cad.Parameter, bool) {
	p, ok := d.Model.Parameter(name)
	if ok && name == "Angle" {
		return panickyParam{p}, true
	}
	return p, ok
}

func TestPanicIsLocalFailure(t *testing.T) {
	doc := panickyDoc{newDoc(t)}
	res := New(quiet()).Apply(doc, params.NewSet(
		params.Expression{Name: "Angle", Value: "10 deg"},
		params.Expression{Name: "Width", Value: "11 mm"},
	))
	o, _ := res.Outcome("Angle")
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, "11 mm", expr(t, doc, "Width"))
}

func TestReportReflectsDocument(t *testing.T) {
	doc := newDoc(t)
	res := New(quiet()).Apply(doc, params.NewSet(
		params.Expression{Name: "Width", Value: "15 mm"},
		params.Expression{Name: "Angle", Value: "nope"},
	))

	require.Equal(t, []string{"Width", "Angle", "Material", "Spokes"}, res.Report.Names())
	w, _ := res.Report.Get("Width")
	assert.Equal(t, "15 mm", w.Value)
	assert.Equal(t, "mm", w.Unit)
	assert.Equal(t, "Width", w.Label)
	a, _ := res.Report.Get("Angle")
	assert.Equal(t, "45 deg", a.Value)
	assert.Equal(t, InvalidExpressionMessage, a.ErrorMessage)
	s, _ := res.Report.Get("Spokes")
	assert.True(t, s.ReadOnly)
}

func TestNormalizeForUnit(t *testing.T) {
	cases := []struct{ in, unit, want string }{
		{`"10 mm"`, "mm", "10 mm"},
		{`""x""`, "mm", `"x"`},
		{"10 mm", "mm", "10 mm"},
		{"hello", "Text", `"hello"`},
		{`"hello"`, "text", `"hello"`},
		{`"`, "mm", `"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeForUnit(tc.in, tc.unit), "%q/%s", tc.in, tc.unit)
	}
}
