package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromote(t *testing.T) {
	t.Parallel()

	t.Run("empty input falls back to string", func(t *testing.T) {
		t.Parallel()

		target, conflict := Promote(nil)
		require.Equal(t, TypeString, target)
		require.False(t, conflict)
	})

	t.Run("single type resolves to itself without conflict", func(t *testing.T) {
		t.Parallel()

		for _, typ := range Types {
			target, conflict := Promote([]Type{typ, typ, typ})
			require.Equal(t, typ, target, "type %s", typ)
			require.False(t, conflict, "type %s", typ)
		}
	})

	t.Run("numeric chain widens to widest member", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			name  string
			types []Type
			want  Type
		}{
			{"int64 and float64", []Type{TypeInt64, TypeFloat64}, TypeFloat64},
			{"int64 and numeric", []Type{TypeInt64, TypeNumeric}, TypeNumeric},
			{"numeric and float64", []Type{TypeNumeric, TypeFloat64}, TypeFloat64},
			{"all three", []Type{TypeInt64, TypeNumeric, TypeFloat64}, TypeFloat64},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				target, conflict := Promote(tc.types)
				require.Equal(t, tc.want, target)
				require.True(t, conflict)
			})
		}
	})

	t.Run("string always wins a disagreement", func(t *testing.T) {
		t.Parallel()

		for _, other := range []Type{TypeInt64, TypeFloat64, TypeBool, TypeDate, TypeTimestamp, TypeJSON} {
			target, conflict := Promote([]Type{TypeString, other})
			require.Equal(t, TypeString, target, "string vs %s", other)
			require.True(t, conflict)
		}
	})

	t.Run("non-numeric disagreement falls back to string", func(t *testing.T) {
		t.Parallel()

		cases := [][]Type{
			{TypeBool, TypeInt64},
			{TypeDate, TypeTimestamp},
			{TypeDatetime, TypeDate},
			{TypeJSON, TypeBytes},
			{TypeTime, TypeTimestamp},
			{TypeInt64, TypeBool, TypeFloat64},
		}
		for _, types := range cases {
			target, conflict := Promote(types)
			require.Equal(t, TypeString, target, "types %v", types)
			require.True(t, conflict, "types %v", types)
		}
	})

	t.Run("order does not matter", func(t *testing.T) {
		t.Parallel()

		a, _ := Promote([]Type{TypeInt64, TypeFloat64, TypeNumeric})
		b, _ := Promote([]Type{TypeFloat64, TypeNumeric, TypeInt64})
		require.Equal(t, a, b)
	})
}

func TestWidens(t *testing.T) {
	t.Parallel()

	require.True(t, Widens(TypeInt64, TypeFloat64))
	require.True(t, Widens(TypeInt64, TypeNumeric))
	require.True(t, Widens(TypeNumeric, TypeFloat64))
	require.True(t, Widens(TypeString, TypeString))

	require.False(t, Widens(TypeFloat64, TypeInt64))
	require.False(t, Widens(TypeFloat64, TypeNumeric))
	require.False(t, Widens(TypeInt64, TypeString))
	require.False(t, Widens(TypeBool, TypeInt64))
	require.False(t, Widens(TypeDate, TypeTimestamp))
}

func TestNormalizeType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		physical string
		want     Type
		repeated bool
	}{
		{"VARCHAR", TypeString, false},
		{"varchar", TypeString, false},
		{"STRING", TypeString, false},
		{"TEXT", TypeString, false},
		{"BIGINT", TypeInt64, false},
		{"INT64", TypeInt64, false},
		{"INTEGER", TypeInt64, false},
		{"DOUBLE", TypeFloat64, false},
		{"FLOAT64", TypeFloat64, false},
		{"DECIMAL(18,3)", TypeNumeric, false},
		{"NUMERIC", TypeNumeric, false},
		{"BOOLEAN", TypeBool, false},
		{"DATE", TypeDate, false},
		{"DATETIME", TypeDatetime, false},
		{"TIME", TypeTime, false},
		{"TIMESTAMP", TypeTimestamp, false},
		{"TIMESTAMP WITH TIME ZONE", TypeTimestamp, false},
		{"JSON", TypeJSON, false},
		{"BLOB", TypeBytes, false},
		{"VARCHAR[]", TypeString, true},
		{"BIGINT[]", TypeInt64, true},
		{"ARRAY<STRING>", TypeString, true},
		{"ARRAY<INT64>", TypeInt64, true},
		{"GEOMETRY", TypeString, false},
	}
	for _, tc := range cases {
		t.Run(tc.physical, func(t *testing.T) {
			t.Parallel()

			got, repeated := NormalizeType(tc.physical)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.repeated, repeated)
		})
	}
}
