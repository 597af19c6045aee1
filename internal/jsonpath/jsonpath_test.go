package jsonpath

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestResolve(t *testing.T) {
	doc := decode(t, `{
		"response": {"visible": false, "reason": "below horizon", "score": 4.5},
		"items": [{"id": "a"}, {"id": "b", "tags": ["x", "y"]}],
		"nothing": null,
		"codes": {"200": "ok"}
	}`)

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{"nested key", "response.visible", false, true},
		{"string value", "response.reason", "below horizon", true},
		{"number", "response.score", 4.5, true},
		{"numeric segment indexes arrays", "items.0.id", "a", true},
		{"bracket index", "items[1].id", "b", true},
		{"bracket then dot segment", "items[1].tags.1", "y", true},
		{"quoted key", `codes["200"]`, "ok", true},
		{"numeric key on object", "codes.200", "ok", true},
		{"null resolves", "nothing", nil, true},
		{"missing key", "response.missing", nil, false},
		{"index out of range", "items.5.id", nil, false},
		{"descend into scalar", "response.reason.length", nil, false},
		{"non-numeric on array", "items.first", nil, false},
		{"malformed path", "response..visible", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(doc, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRoot(t *testing.T) {
	got, ok := Resolve("scalar", "")
	assert.True(t, ok)
	assert.Equal(t, "scalar", got)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"a.", ".a", "a[", "a[x]", "a[-1]", `a["b]`, "a[0]b"} {
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrSyntax, expr)
	}
}

func TestAssign(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, Assign(root, "target.ra", "10:00:00"))
	require.NoError(t, Assign(root, "target.dec", "+20:00:00"))
	require.NoError(t, Assign(root, "name", "M31"))

	assert.Equal(t, map[string]any{
		"target": map[string]any{"ra": "10:00:00", "dec": "+20:00:00"},
		"name":   "M31",
	}, root)

	assert.Error(t, Assign(root, "name.first", "x"))
	assert.ErrorIs(t, Assign(root, "list[0]", "x"), ErrSyntax)
	assert.ErrorIs(t, Assign(root, "", "x"), ErrSyntax)
}

func TestInterpolate(t *testing.T) {
	root := map[string]any{"response": decode(t, `{"reason": "cloudy", "elevation": 12.5, "ok": true, "window": {"start": "22:00"}}`)}

	assert.Equal(t, "cloudy", Interpolate("{response.reason}", root))
	assert.Equal(t, "", Interpolate("{response.missing}", map[string]any{"response": map[string]any{}}))
	assert.Equal(t, "elevation 12.5 ok=true", Interpolate("elevation {response.elevation} ok={ response.ok }", root))
	assert.Equal(t, `window {"start":"22:00"}`, Interpolate("window {response.window}", root))
	assert.Equal(t, "no tokens", Interpolate("no tokens", root))
	assert.Equal(t, "unbalanced {", Interpolate("unbalanced {", root))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "0.25", Stringify(0.25))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"response.reason", "proposal.id"}, Placeholders("{response.reason} for #{ proposal.id }"))
	assert.Empty(t, Placeholders("plain"))
}
