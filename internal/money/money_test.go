package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

func TestFormat_USD(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   string
	}{
		{"insurer share", "160", "$160.00"},
		{"zero", "0", "$0.00"},
		{"refund", "-25.5", "-$25.50"},
		{"grouping", "1234567.891", "$1,234,567.89"},
		{"half up", "0.005", "$0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(decimal.RequireFromString(tt.amount), USD)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat_ExactBeyondFloatPrecision(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"12345678901234567.89", "$12,345,678,901,234,567.89"},
		{"90071992547409.93", "$90,071,992,547,409.93"},
		{"999999999999999999.99", "$999,999,999,999,999,999.99"},
		{"-90071992547409.93", "-$90,071,992,547,409.93"},
	}
	for _, tt := range tests {
		got, err := Format(decimal.RequireFromString(tt.amount), USD)
		require.NoError(t, err, tt.amount)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormat_OutOfRange(t *testing.T) {
	for _, s := range []string{"1e400", "1000000000000000000", "-1e18"} {
		_, err := Format(decimal.RequireFromString(s), USD)
		assert.ErrorIs(t, err, ErrAmountOutOfRange, s)
	}
}

func TestFormat_DigitsMatchLocale(t *testing.T) {
	samples := []float64{0.05, 12.3, 1234.5, 100000, 1234567.89}
	for _, c := range Currencies() {
		info, err := Lookup(c)
		require.NoError(t, err)
		p := message.NewPrinter(language.Make(info.Locale))
		l := layoutFor(info.Locale)
		for _, v := range samples {
			want := p.Sprint(number.Decimal(v, number.Scale(MinorUnits)))
			got := l.render(decimal.NewFromFloat(v).StringFixed(MinorUnits))
			assert.Equal(t, want, got, "%s %v", info.Locale, v)
		}
	}
}

func TestFormat_SymbolPlacement(t *testing.T) {
	got, err := Format(decimal.RequireFromString("1500"), NGN)
	require.NoError(t, err)
	assert.Equal(t, "₦1,500.00", got)

	got, err = Format(decimal.RequireFromString("99.9"), AED)
	require.NoError(t, err)
	assert.Equal(t, "AED 99.90", got)

	got, err = Format(decimal.RequireFromString("10"), EUR)
	require.NoError(t, err)
	assert.Contains(t, got, "€")
	assert.True(t, got[len(got)-len("€"):] == "€", "euro symbol is a suffix: %q", got)
}

func TestFormat_TotalOverCurrencyTable(t *testing.T) {
	all := Currencies()
	require.GreaterOrEqual(t, len(all), 60)

	amount := decimal.RequireFromString("1234.5")
	for _, c := range all {
		info, err := Lookup(c)
		require.NoError(t, err, c)
		assert.Equal(t, c, info.Code)
		assert.NotEmpty(t, info.Symbol, c)
		assert.NotEmpty(t, info.Locale, c)
		assert.NotEmpty(t, info.Name, c)

		s, err := Format(amount, c)
		require.NoError(t, err, c)
		assert.Contains(t, s, info.Symbol, c)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	amount := decimal.RequireFromString("42.42")
	first, err := Format(amount, KES)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Format(amount, KES)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFormat_UnknownCurrency(t *testing.T) {
	_, err := Format(decimal.NewFromInt(1), Currency("XXX"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCurrency))

	_, err = SymbolFor(Currency("ZZZ"))
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestSymbolFor(t *testing.T) {
	s, err := SymbolFor(INR)
	require.NoError(t, err)
	assert.Equal(t, "₹", s)
}

func TestParse(t *testing.T) {
	c, err := Parse(" gbp ")
	require.NoError(t, err)
	assert.Equal(t, GBP, c)

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestResolvePreference(t *testing.T) {
	assert.Equal(t, USD, ResolvePreference(""))
	assert.Equal(t, USD, ResolvePreference("nope"))
	assert.Equal(t, BRL, ResolvePreference("brl"))
}
