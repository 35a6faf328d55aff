package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition(t *testing.T) {
	payload := map[string]any{
		"confidence_score": float64(92),
		"iteration":        3,
		"status":           "draft",
		"approved":         true,
		"continuity":       map[string]any{"errors": []any{}, "checked": true},
		"word_count":       1200,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric greater-than", "confidence_score > 90", true},
		{"numeric less-than fails", "confidence_score < 90", false},
		{"int payload value compares", "iteration >= 3", true},
		{"equality on strings", "status == 'draft'", true},
		{"double-quoted strings work too", `status == "draft"`, true},
		{"inequality", "status != 'final'", true},
		{"word and", "confidence_score > 90 and iteration < 5", true},
		{"word or", "confidence_score > 99 or approved", true},
		{"word not", "not approved", false},
		{"boolean literal", "true", true},
		{"unknown identifier is null", "missing_key", false},
		{"null comparison", "missing_key == null", true},
		{"dotted payload path", "continuity.checked", true},
		{"dotted path into missing map", "continuity.none.deeper", false},
		{"arithmetic", "word_count * 2 > 2000", true},
		{"subtraction", "word_count - 1200 == 0", true},
		{"parens", "(confidence_score > 90 and iteration < 2) or approved", true},
		{"empty expression is false", "", false},
		{"whitespace-only is false", "   ", false},
		{"string concatenation", "status + '-v2' == 'draft-v2'", true},
		{"keyword inside string untouched", "status != 'draft and final'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCondition_Rejected(t *testing.T) {
	payload := map[string]any{"items": []any{1, 2}}

	tests := []struct {
		name string
		expr string
	}{
		{"function call", "len(items) > 0"},
		{"indexing", "items[0] == 1"},
		{"division", "4 / 2 == 2"},
		{"unparseable", "confidence_score >"},
		{"selector off a literal", `("a" + "b").c`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvalCondition(tt.expr, payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadExpression)
		})
	}
}

func TestEval_Values(t *testing.T) {
	payload := map[string]any{"a": float64(2), "b": float64(3)}

	v, err := Eval("a * b + 1", payload)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)

	v, err = Eval("-a", payload)
	require.NoError(t, err)
	assert.Equal(t, float64(-2), v)

	v, err = Eval("'is' + 'land'", payload)
	require.NoError(t, err)
	assert.Equal(t, "island", v)
}

func TestRewriteExpr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a and b", "a && b"},
		{"a or not b", "a || ! b"},
		{"android == 'on'", `android == "on"`},
		{"x == 'it and that'", `x == "it and that"`},
		{`x == "keep 'quotes'"`, `x == "keep 'quotes'"`},
		{"name == 'O\\'Brien'", `name == "O\'Brien"`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteExpr(tt.in), "input: %s", tt.in)
	}
}
