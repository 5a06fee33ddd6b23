package params

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDocumentOrder(t *testing.T) {
	raw := []byte(`{
		"Zeta": {"value": "1 mm", "unit": "mm"},
		"Alpha": {"value": "\"Steel\"", "unit": "Text"},
		"Mid": {"value": "45 deg", "unit": "deg", "errormessage": "stale"}
	}`)

	s, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zeta", "Alpha", "Mid"}, s.Names())

	mid, ok := s.Get("Mid")
	require.True(t, ok)
	assert.Equal(t, "45 deg", mid.Value)
	assert.True(t, mid.HasError())
}

func TestMarshalRoundTripKeepsOrder(t *testing.T) {
	s := NewSet(
		Expression{Name: "B", Value: "2 mm"},
		Expression{Name: "A", Value: "1 mm", ErrorMessage: "bad"},
	)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"B":{"value":"2 mm"},"A":{"value":"1 mm","errormessage":"bad"}}`, string(raw))
	assert.Equal(t, `{"B":{"value":"2 mm"},"A":{"value":"1 mm","errormessage":"bad"}}`, string(raw))
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`["Width"]`))
	assert.Error(t, err)
}

func TestPutReplacesInPlace(t *testing.T) {
	s := NewSet(Expression{Name: "A", Value: "1"}, Expression{Name: "B", Value: "2"})
	s.Put(Expression{Name: "A", Value: "3"})
	assert.Equal(t, []string{"A", "B"}, s.Names())
	a, _ := s.Get("A")
	assert.Equal(t, "3", a.Value)
}

func TestIsTextUnit(t *testing.T) {
	assert.True(t, IsTextUnit("Text"))
	assert.True(t, IsTextUnit(" text "))
	assert.False(t, IsTextUnit("mm"))
}
