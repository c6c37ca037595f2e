package money_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
)

func TestParse_NormalizesToTwoDecimals(t *testing.T) {
	cases := map[string]string{
		"150":    "150.00",
		"150.5":  "150.50",
		"1.005":  "1.01",
		"-1.005": "-1.01",
		"0":      "0.00",
		"0.004":  "0.00",
	}
	for in, want := range cases {
		m, err := money.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, m.String(), in)
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := money.Parse("forty")
	assert.Error(t, err)
}

func TestArithmetic(t *testing.T) {
	a := money.MustParse("100.00")
	b := money.MustParse("40.50")

	assert.Equal(t, "140.50", a.Add(b).String())
	assert.Equal(t, "59.50", a.Sub(b).String())
	assert.Equal(t, "-40.50", b.Neg().String())
	assert.True(t, b.LessThan(a))
	assert.True(t, a.GreaterThan(b))
	assert.True(t, a.Sub(a).IsZero())
	assert.True(t, b.Sub(a).IsNegative())
}

func TestFromCents(t *testing.T) {
	assert.Equal(t, "12.34", money.FromCents(1234).String())
	assert.Equal(t, "-0.05", money.FromCents(-5).String())
}

func TestExactness_NoFloatDrift(t *testing.T) {
	// 0.1 added ten times must be exactly 1, which float64 cannot do.
	sum := money.Zero
	tenth := money.MustParse("0.10")
	for i := 0; i < 10; i++ {
		sum = sum.Add(tenth)
	}
	assert.True(t, sum.Equal(money.MustParse("1.00")))
}

func TestJSON_RoundTrip(t *testing.T) {
	m := money.MustParse("40.00")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"40.00"`, string(data))

	var fromString money.Money
	require.NoError(t, json.Unmarshal([]byte(`"40.00"`), &fromString))
	assert.True(t, m.Equal(fromString))

	// Bare numbers are accepted too.
	var fromNumber money.Money
	require.NoError(t, json.Unmarshal([]byte(`40`), &fromNumber))
	assert.True(t, m.Equal(fromNumber))
}
