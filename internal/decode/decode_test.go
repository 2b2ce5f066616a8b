package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractWholeText(t *testing.T) {
	data, err := Extract(`{"name": "t1", "type": "function"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"t1","type":"function"}`, string(data))
}

func TestExtractBraceSlice(t *testing.T) {
	data, err := Extract(`Sure! Here is the test: {"name": "t1"} Hope that helps.`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"t1"}`, string(data))
}

func TestExtractFencedBlock(t *testing.T) {
	text := "Here you go:\n```json\n{\"name\": \"fenced\"}\n```\ndone"
	data, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"fenced"}`, string(data))
}

func TestExtractBareFence(t *testing.T) {
	text := "```\n{\"name\": \"bare\"}\n```"
	data, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"bare"}`, string(data))
}

func TestExtractAfterRepair(t *testing.T) {
	data, err := Extract(`{name: 'broken', count: 3,}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"broken","count":3}`, string(data))
}

func TestExtractNothing(t *testing.T) {
	_, err := Extract("I could not generate a test this time, sorry.")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestRepairPassesIndividually(t *testing.T) {
	tests := []struct {
		name string
		pass func(string) string
		in   string
		want string
	}{
		{"curly quotes", normalizeQuotes, `{“a”: “b”}`, `{"a": "b"}`},
		{"single quotes", normalizeQuotes, `{'a': 'b'}`, `{"a": "b"}`},
		{"bare keys", quoteBareKeys, `{name: "x", count: 1}`, `{"name": "x", "count": 1}`},
		{"trailing comma object", stripTrailingCommas, `{"a": 1,}`, `{"a": 1}`},
		{"trailing comma array", stripTrailingCommas, `[1, 2, ]`, `[1, 2]`},
		{"bare value", quoteBareValues, `{"t": generic}`, `{"t": "generic"}`},
		{"bare value keeps literals", quoteBareValues, `{"a": true, "b": null}`, `{"a": true, "b": null}`},
		{"object seam", insertMissingSeparators, `[{"a":1} {"b":2}]`, `[{"a":1},{"b":2}]`},
		{"array seam", insertMissingSeparators, `[[1] [2]]`, `[[1],[2]]`},
		{"line comment", stripComments, "{\"a\": 1 // note\n}", "{\"a\": 1 \n}"},
		{"block comment", stripComments, `{"a": /* hm */ 1}`, `{"a":  1}`},
		{"comment marker in string", stripComments, `{"u": "http://x"}`, `{"u": "http://x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pass(tt.in))
		})
	}
}

func TestUnmarshalIntoStruct(t *testing.T) {
	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, Unmarshal("noise {name: \"x\", count: 2,} noise", &out))
	assert.Equal(t, "x", out.Name)
	assert.Equal(t, 2, out.Count)
}

func TestSynthesizeSpecFromFencedCode(t *testing.T) {
	text := "could not make json but here is code\n```go\nfunc TestAdd(a, b int) int { return a + b }\n```"
	data, err := SynthesizeSpec(text)
	require.NoError(t, err)

	var spec SynthesizedSpec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Contains(t, spec.Code, "func TestAdd")
	assert.Equal(t, "generic", spec.Type)
	assert.Equal(t, "output == value * 2", spec.SuccessCriteria)
}

func TestSynthesizeSpecFromBareFunc(t *testing.T) {
	text := "try func TestX(v int) int {\n if v > 0 { return v }\n return 0\n} thanks"
	data, err := SynthesizeSpec(text)
	require.NoError(t, err)

	var spec SynthesizedSpec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Contains(t, spec.Code, "func TestX")
	assert.NotContains(t, spec.Code, "thanks")
}

func TestSynthesizeSpecWithoutCode(t *testing.T) {
	_, err := SynthesizeSpec("no idea")
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestSynthesizeFixWithoutCode(t *testing.T) {
	data, err := SynthesizeFix("no idea")
	require.NoError(t, err)

	var fix SynthesizedFix
	require.NoError(t, json.Unmarshal(data, &fix))
	assert.Contains(t, fix.FixedCode, "func TestFunction")
}
