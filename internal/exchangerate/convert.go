package exchangerate

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/numeric"
)

// ConvertFromCurrency converts an amount in currency to satoshi using a bitcoin rate source.
func ConvertFromCurrency(ctx context.Context, p Provider, amount decimal.Decimal, currency string) (int64, error) {
	rate, err := p.RateFor(ctx, currency)
	if err != nil {
		return 0, err
	}
	if !rate.IsPositive() {
		return 0, errs.CurrencyNotSupported(p.Name(), currency)
	}
	return numeric.ToSatoshi(amount.Div(rate), numeric.BTC)
}

// ConvertToCurrency converts a bitcoin amount expressed in unit to currency.
func ConvertToCurrency(ctx context.Context, p Provider, amount decimal.Decimal, unit numeric.Denomination, currency string) (decimal.Decimal, error) {
	satoshis, err := numeric.ToSatoshi(amount, unit)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := p.RateFor(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return numeric.BTCFromSatoshi(satoshis).Mul(rate), nil
}

// ConvertToCrossRate converts an amount in currency to CrossRateCurrency using a forex source.
func ConvertToCrossRate(ctx context.Context, p Provider, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if NormalizeCode(currency) == CrossRateCurrency {
		return amount, nil
	}
	rate, err := p.RateFor(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, errs.CurrencyNotSupported(p.Name(), currency)
	}
	return amount.Div(rate), nil
}
