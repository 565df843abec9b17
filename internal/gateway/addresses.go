package gateway

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/coachpo/paywatch/errs"
)

// AddressPool hands out pre-derived addresses. A numeric keychain id selects
// that index; otherwise addresses are used round robin.
type AddressPool struct {
	main []string
	test []string
	next atomic.Uint64
}

// NewAddressPool returns a pool over the given mainnet and testnet addresses.
func NewAddressPool(main, test []string) *AddressPool {
	return &AddressPool{main: clean(main), test: clean(test)}
}

// NewAddress implements AddressProvider.
func (p *AddressPool) NewAddress(_ context.Context, keychainID string, testMode bool) (string, error) {
	addresses := p.main
	if testMode {
		addresses = p.test
	}
	if len(addresses) == 0 {
		return "", errs.New("address_pool", errs.CodeConfig, errs.WithMessage("no addresses configured"),
			errs.WithField("test_mode", strconv.FormatBool(testMode)))
	}
	if idx, err := strconv.Atoi(strings.TrimSpace(keychainID)); err == nil && idx >= 0 {
		return addresses[idx%len(addresses)], nil
	}
	n := p.next.Add(1) - 1
	return addresses[n%uint64(len(addresses))], nil
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
