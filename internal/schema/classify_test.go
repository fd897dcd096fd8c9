package schema

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want Kind
	}{
		{"null", nil, KindNull},
		{"bool", true, KindBool},
		{"int number", json.Number("42"), KindInt},
		{"negative int", json.Number("-7"), KindInt},
		{"float number", json.Number("1.5"), KindFloat},
		{"exponent", json.Number("1e3"), KindFloat},
		{"int overflow", json.Number("92233720368547758070"), KindFloat},
		{"native float", 2.0, KindFloat},
		{"native int", 3, KindInt},
		{"string", "x", KindString},
		{"object", map[string]any{"a": 1}, KindObject},
		{"empty array", []any{}, KindEmptyArray},
		{"all null array", []any{nil, nil}, KindEmptyArray},
		{"scalar array", []any{"a", json.Number("1"), nil}, KindScalarArray},
		{"object array", []any{map[string]any{}, nil}, KindObjectArray},
		{"mixed array", []any{"a", map[string]any{}}, KindMixedArray},
		{"nested array", []any{[]any{"a"}}, KindMixedArray},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.in); got != tt.want {
				t.Fatalf("Classify(%#v)=%s want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b, want ColumnType
	}{
		{ColInteger, ColInteger, ColInteger},
		{ColInteger, ColFloat, ColFloat},
		{ColFloat, ColInteger, ColFloat},
		{ColBoolean, ColInteger, ColString},
		{ColString, ColFloat, ColString},
		{0, ColBoolean, ColBoolean},
		{ColBoolean, 0, ColBoolean},
	}
	for _, tt := range tests {
		if got := Join(tt.a, tt.b); got != tt.want {
			t.Fatalf("Join(%s,%s)=%s want %s", tt.a, tt.b, got, tt.want)
		}
	}
	if !Fits(ColFloat, ColInteger) {
		t.Fatalf("an integer must fit a float column")
	}
	if Fits(ColInteger, ColFloat) {
		t.Fatalf("a float must not fit an integer column")
	}
}

func TestArrayType_JoinsElements(t *testing.T) {
	t.Parallel()

	if got := ArrayType([]any{json.Number("1"), nil, json.Number("2.5")}); got != ColFloat {
		t.Fatalf("got %s want float", got)
	}
	if got := ArrayType([]any{true, "x"}); got != ColString {
		t.Fatalf("got %s want string", got)
	}
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		col  ColumnType
		in   any
		want any
	}{
		{"int to float", ColFloat, json.Number("3"), 3.0},
		{"int", ColInteger, json.Number("3"), int64(3)},
		{"bool to string", ColString, true, "true"},
		{"number to string keeps spelling", ColString, json.Number("1.50"), "1.50"},
		{"bool", ColBoolean, false, false},
		{"nil", ColString, nil, nil},
	}
	for _, tt := range tests {
		got, err := Coerce(tt.col, tt.in)
		if err != nil {
			t.Fatalf("%s: Coerce: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %#v want %#v", tt.name, got, tt.want)
		}
	}

	if _, err := Coerce(ColBoolean, "x"); err == nil {
		t.Fatalf("expected error coercing a string into a boolean column")
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		col  ColumnType
		in   any
		want any
	}{
		{"sqlite bool", ColBoolean, int64(1), true},
		{"mysql bytes int", ColInteger, []byte("12"), int64(12)},
		{"bytes float", ColFloat, []byte("1.25"), 1.25},
		{"int into float column", ColFloat, int64(2), 2.0},
		{"bytes string", ColString, []byte("hi"), "hi"},
		{"bool text", ColBoolean, "false", false},
	}
	for _, tt := range tests {
		got, err := Decode(tt.col, tt.in)
		if err != nil {
			t.Fatalf("%s: Decode: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %#v want %#v", tt.name, got, tt.want)
		}
	}
}
