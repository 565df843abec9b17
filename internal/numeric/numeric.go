// Package numeric provides bitcoin denomination helpers built on decimal arithmetic.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
)

// Denomination names a bitcoin unit.
type Denomination string

const (
	// Satoshi is the smallest unit, 1e-8 BTC.
	Satoshi Denomination = "satoshi"
	// Bit is 1e-6 BTC (also known as ubtc).
	Bit Denomination = "bit"
	// MilliBTC is 1e-3 BTC.
	MilliBTC Denomination = "mbtc"
	// BTC is one whole bitcoin.
	BTC Denomination = "btc"
)

// SatoshiDecimals is the number of decimal places between BTC and satoshi.
const SatoshiDecimals = 8

var satoshisPer = map[Denomination]decimal.Decimal{
	Satoshi:  decimal.NewFromInt(1),
	Bit:      decimal.NewFromInt(100),
	MilliBTC: decimal.NewFromInt(100_000),
	BTC:      decimal.NewFromInt(100_000_000),
}

// ParseDenomination normalises a denomination name. Empty input yields Satoshi.
func ParseDenomination(name string) (Denomination, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "satoshi", "satoshis", "sat":
		return Satoshi, nil
	case "bit", "bits", "ubtc":
		return Bit, nil
	case "mbtc", "millibtc":
		return MilliBTC, nil
	case "btc":
		return BTC, nil
	default:
		return "", errs.New("", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidDenomination),
			errs.WithField("denomination", name))
	}
}

// ToSatoshi converts amount expressed in unit into whole satoshis using banker's rounding.
func ToSatoshi(amount decimal.Decimal, unit Denomination) (int64, error) {
	factor, ok := satoshisPer[unit]
	if !ok {
		return 0, errs.New("", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidDenomination),
			errs.WithField("denomination", string(unit)))
	}
	return amount.Mul(factor).RoundBank(0).IntPart(), nil
}

// FromSatoshi converts satoshis into the requested unit without rounding.
func FromSatoshi(satoshis int64, unit Denomination) (decimal.Decimal, error) {
	factor, ok := satoshisPer[unit]
	if !ok {
		return decimal.Zero, errs.New("", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidDenomination),
			errs.WithField("denomination", string(unit)))
	}
	return decimal.NewFromInt(satoshis).Div(factor), nil
}

// BTCFromSatoshi returns satoshis as a BTC decimal.
func BTCFromSatoshi(satoshis int64) decimal.Decimal {
	return decimal.New(satoshis, -SatoshiDecimals)
}

// FormatBTC renders satoshis as a BTC string with trailing zeros trimmed, e.g. 1 -> "0.00000001".
func FormatBTC(satoshis int64) string {
	return BTCFromSatoshi(satoshis).String()
}
