package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatOCC(t *testing.T) {
	c := Contract{
		Underlying: "AAPL",
		Expiration: time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
		Strike:     decimal.NewFromInt(175),
		Type:       OptionTypeCall,
	}
	assert.Equal(t, "AAPL231215C00175000", FormatOCC(c))

	put := c
	put.Type = OptionTypePut
	put.Strike = decimal.NewFromFloat(172.5)
	assert.Equal(t, "AAPL231215P00172500", FormatOCC(put))
}

func TestParseOCC_RoundTrip(t *testing.T) {
	orig := Contract{
		Underlying: "SPY",
		Expiration: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		Strike:     decimal.NewFromFloat(450.5),
		Type:       OptionTypePut,
	}

	parsed, err := ParseOCC(FormatOCC(orig))
	require.NoError(t, err)

	assert.Equal(t, orig.Underlying, parsed.Underlying)
	assert.Equal(t, orig.Type, parsed.Type)
	assert.True(t, orig.Strike.Equal(parsed.Strike), "strike %s != %s", orig.Strike, parsed.Strike)
	assert.True(t, orig.Expiration.Equal(parsed.Expiration))
}

func TestParseOCC_Invalid(t *testing.T) {
	cases := []string{"", "AAPL", "AAPL231215X00175000", "AAPL23ab15C00175000"}
	for _, s := range cases {
		_, err := ParseOCC(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}
