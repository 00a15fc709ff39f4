package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMajor(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency Currency
		want     int64
		wantErr  bool
	}{
		{name: "whole dollars", input: "100", currency: USD, want: 10000},
		{name: "dollars and cents", input: "10.50", currency: USD, want: 1050},
		{name: "short fraction pads right", input: "5.3", currency: GBP, want: 530},
		{name: "negative", input: "-2.25", currency: EUR, want: -225},
		{name: "zero decimal currency", input: "500", currency: JPY, want: 500},
		{name: "leading dot", input: ".75", currency: USD, want: 75},
		{name: "too many decimals", input: "1.005", currency: USD, wantErr: true},
		{name: "decimals on zero-decimal currency", input: "500.5", currency: JPY, wantErr: true},
		{name: "garbage", input: "ten", currency: USD, wantErr: true},
		{name: "empty", input: "", currency: USD, wantErr: true},
		{name: "unknown currency", input: "10", currency: Currency("ZZZ"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMajor(tt.input, tt.currency)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, tt.currency, got.Currency)
		})
	}
}

func TestPercentage(t *testing.T) {
	// 2.9% of $100.00 is $2.90.
	fee := New(10000, USD).Percentage(290)
	assert.Equal(t, int64(290), fee.AmountMinor)

	// Rounding: 2.9% of $0.99 is 2.871 cents, rounds to 3.
	assert.Equal(t, int64(3), New(99, USD).Percentage(290).AmountMinor)

	// Half rounds away from zero: 0.5% of $1.00 is exactly half a cent.
	assert.Equal(t, int64(1), New(100, USD).Percentage(50).AmountMinor)
	assert.Equal(t, int64(-1), New(-100, USD).Percentage(50).AmountMinor)

	assert.Equal(t, int64(0), New(10000, USD).Percentage(0).AmountMinor)
}

func TestArithmetic(t *testing.T) {
	a := New(1050, USD)
	b := New(250, USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(800), diff.AmountMinor)

	_, err = a.Add(New(100, EUR))
	assert.Error(t, err, "currency mismatch must be rejected")

	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
	assert.True(t, a.Equal(New(1050, USD)))
}

func TestString(t *testing.T) {
	assert.Equal(t, "$10.50", New(1050, USD).String())
	assert.Equal(t, "¥500", New(500, JPY).String())
}

func TestSum(t *testing.T) {
	total, err := Sum(New(100, USD), New(250, USD), New(50, USD))
	require.NoError(t, err)
	assert.Equal(t, int64(400), total.AmountMinor)

	_, err = Sum(New(100, USD), New(100, KES))
	assert.Error(t, err)
}
