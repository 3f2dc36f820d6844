package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"2 ^ 3 ^ 2", 512},
		{"-2 ^ 2", -4},
		{"(-2) ^ 2", 4},
		{"10 / 4", 2.5},
		{"0.1 + 0.2", 0.3},
		{"--3", 3},
		{"1.5e2 - 50", 100},
		{"  7  ", 7},
		{"2 * -3", -6},
		{"4 ^ 0.5", 2},
		{"7 / 2", 3.5},
		{"99999999999 * 99999999999", 9.9999999998e21},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		err  error
	}{
		{"", ErrEmptyExpression},
		{"   ", ErrEmptyExpression},
		{"1 / 0", ErrDivisionByZero},
		{"(-8) ^ 0.5", ErrNotFinite},
		{"(1 + 2", nil},
		{"1 +", nil},
		{"2 x 3", nil},
		{"sqrt(4)", nil},
		{"1..2", nil},
		{"7 % 2", nil},
		{"1 == 1", nil},
		{"e", nil},
		{"1e300 * 1e300", ErrNotFinite},
		{"2 / (1 - 1)", ErrDivisionByZero},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}
