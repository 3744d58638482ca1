package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatOCC renders an option contract as its 21-character OCC symbol,
// e.g. AAPL231215C00175000: padded root, yymmdd expiration, C/P, strike
// price in thousandths of a dollar.
func FormatOCC(c Contract) string {
	cp := "C"
	if c.Type == OptionTypePut {
		cp = "P"
	}
	strike := c.Strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d", c.Underlying, c.Expiration.Format("060102"), cp, strike)
}

// ParseOCC parses an OCC option symbol back into a Contract.
func ParseOCC(symbol string) (Contract, error) {
	s := strings.TrimSpace(symbol)
	if len(s) < 16 {
		return Contract{}, fmt.Errorf("occ symbol too short: %q", symbol)
	}
	root := s[:len(s)-15]
	rest := s[len(s)-15:]

	exp, err := time.Parse("060102", rest[:6])
	if err != nil {
		return Contract{}, fmt.Errorf("occ expiration in %q: %w", symbol, err)
	}

	var typ OptionType
	switch rest[6] {
	case 'C':
		typ = OptionTypeCall
	case 'P':
		typ = OptionTypePut
	default:
		return Contract{}, fmt.Errorf("occ call/put flag %q in %q", rest[6], symbol)
	}

	var thousandths int64
	if _, err := fmt.Sscanf(rest[7:], "%08d", &thousandths); err != nil {
		return Contract{}, fmt.Errorf("occ strike in %q: %w", symbol, err)
	}

	return Contract{
		Underlying: root,
		Expiration: exp,
		Strike:     decimal.NewFromInt(thousandths).Div(decimal.NewFromInt(1000)),
		Type:       typ,
	}, nil
}
