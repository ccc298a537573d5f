package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysUTF16Order(t *testing.T) {
	// 'A' = 65, 'a' = 97
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "aA": Int(4), "Aa": Int(5), "AA": Int(6)}
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"aa", "a", 1},
		{"a", "aa", -1},
		{"", "", 0},
		{"", "a", -1},
		// U+10000 encodes as surrogate 0xD800 which sorts before 0xE000
		{"\U00010000", "\uE000", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, compareKeysRFC8785(tt.a, tt.b))
		})
	}
}

func TestOrNull(t *testing.T) {
	assert.Equal(t, Null{}, OrNull(nil))
	assert.Equal(t, String("x"), OrNull(String("x")))
}

func TestEqual(t *testing.T) {
	expr := NewObject(
		O("op", String("where")),
		O("args", Array{Int(1), Bool(true), Null{}}),
	)

	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"nil equals null", nil, Null{}, true},
		{"same string", String("a"), String("a"), true},
		{"different kinds", String("1"), Int(1), false},
		{"deep object", expr, NewObject(O("args", Array{Int(1), Bool(true), nil}), O("op", String("where"))), true},
		{"array length", Array{Int(1)}, Array{Int(1), Int(2)}, false},
		{"missing key", Object{"a": Int(1)}, Object{"b": Int(1)}, false},
		{"null vs empty object", Null{}, Object{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestMarshalValue(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"nil", nil, "null"},
		{"null", Null{}, "null"},
		{"string", String("hi"), `"hi"`},
		{"int", Int(-7), "-7"},
		{"bool", Bool(false), "false"},
		{"array", Array{Int(1), String("x")}, `[1,"x"]`},
		{"object sorted", Object{"b": Int(2), "a": Int(1)}, `{"a":1,"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalValue(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(data))
		})
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"op":"select","args":[1,null,"x",true],"big":9223372036854775807}`))
	require.NoError(t, err)

	expected := Object{
		"op":   String("select"),
		"args": Array{Int(1), Null{}, String("x"), Bool(true)},
		"big":  Int(9223372036854775807),
	}
	assert.True(t, Equal(expected, v))
}

func TestParseValueNull(t *testing.T) {
	v, err := ParseValue([]byte("null"))
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)
}

func TestParseValueRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"float", `1.5`},
		{"exponent", `1e3`},
		{"nested float", `{"a":[2.0]}`},
		{"trailing data", `1 2`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseValue([]byte(tt.input))
			require.Error(t, err)
		})
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"name":  "s1",
		"count": 3,
		"tags":  []any{"a", int64(2), nil},
		"raw":   json.Number("10"),
	})
	require.NoError(t, err)

	expected := Object{
		"name":  String("s1"),
		"count": Int(3),
		"tags":  Array{String("a"), Int(2), Null{}},
		"raw":   Int(10),
	}
	assert.True(t, Equal(expected, v))

	_, err = FromAny(3.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")

	_, err = FromAny(struct{}{})
	require.Error(t, err)
}

func TestMarshalParseRoundTrip(t *testing.T) {
	values := []Value{
		Null{},
		String("with \"quotes\" and <html>"),
		Int(-9223372036854775808),
		Array{},
		Object{},
		NewObject(O("nested", NewObject(O("deep", Array{Null{}, Bool(true)})))),
	}

	for _, v := range values {
		data, err := MarshalValue(v)
		require.NoError(t, err)

		back, err := ParseValue(data)
		require.NoError(t, err)
		assert.True(t, Equal(v, back), "round trip of %s", data)
	}
}
