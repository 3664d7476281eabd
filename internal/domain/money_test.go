package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_AddSub(t *testing.T) {
	a := NewMoney(decimal.RequireFromString("10.50"), "USD")
	b := NewMoney(decimal.RequireFromString("0.25"), "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "10.75", sum.Amount.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "10.25", diff.Amount.String())
}

func TestMoney_CurrencyMismatch(t *testing.T) {
	usd := NewMoney(decimal.NewFromInt(1), "USD")
	eur := NewMoney(decimal.NewFromInt(1), "EUR")

	_, err := usd.Add(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Sub(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMoney_ExactDecimal(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3, not a float approximation.
	a := MustMoneyFromString("0.1", "USD")
	b := MustMoneyFromString("0.2", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Amount.Equal(decimal.RequireFromString("0.3")))
}

func TestMoney_Predicates(t *testing.T) {
	zero := Zero("USD")
	assert.True(t, zero.IsZero())
	assert.False(t, zero.IsNegative())

	neg := NewMoney(decimal.NewFromInt(-5), "USD")
	assert.True(t, neg.IsNegative())
	assert.True(t, neg.Abs().IsPositive())
	assert.True(t, neg.LessThan(zero))
}

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Symbol
		wantErr bool
	}{
		{name: "valid", input: "BTCUSDT@BINANCE", want: Symbol{Venue: "BINANCE", Ticker: "BTCUSDT"}},
		{name: "lowercase normalized", input: "btcusdt@binance", want: Symbol{Venue: "BINANCE", Ticker: "BTCUSDT"}},
		{name: "missing venue", input: "BTCUSDT", wantErr: true},
		{name: "empty ticker", input: "@BINANCE", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSymbol(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Ticker+"@"+tt.want.Venue, got.String())
		})
	}
}
