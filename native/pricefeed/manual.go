// Package pricefeed provides the price oracle consumed by the repo engine.
// The manual feed is operator-driven: an administrator posts a USD quote per
// asset unit and the engine values collateral against the latest quote.
package pricefeed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// ErrNoQuote is returned when an asset has no posted price.
var ErrNoQuote = errors.New("pricefeed: no quote for asset")

type quote struct {
	num *big.Int
	den *big.Int
}

// Manual is a thread-safe, operator-updated price oracle. A quote is a
// rational USD price per asset unit; valuations truncate toward zero.
type Manual struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewManual constructs an empty manual price feed.
func NewManual() *Manual {
	return &Manual{quotes: make(map[string]quote)}
}

// SetPrice posts the USD price of one unit of the asset as the rational
// num/den. Posting replaces any previous quote.
func (m *Manual) SetPrice(asset string, num, den *big.Int) error {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == "" {
		return fmt.Errorf("pricefeed: empty asset symbol")
	}
	if num == nil || num.Sign() < 0 {
		return fmt.Errorf("pricefeed: price must be non-negative")
	}
	if den == nil || den.Sign() <= 0 {
		return fmt.Errorf("pricefeed: price denominator must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = quote{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
	return nil
}

// Value returns the USD value of the given quantity of the asset.
func (m *Manual) Value(asset string, amount *big.Int) (*big.Int, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	m.mu.RLock()
	q, ok := m.quotes[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int).Mul(amount, q.num)
	return value.Quo(value, q.den), nil
}
