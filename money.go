package ecoshop

import "fmt"

// Money is an amount in a display currency. The client never does currency
// conversion; every amount in one cart shares the cart's currency.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func NewMoney(amount float64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Mul scales the amount, keeping the currency.
func (m Money) Mul(n int) Money {
	return Money{Amount: m.Amount * float64(n), Currency: m.Currency}
}

// Add sums two amounts. The receiver's currency wins when the operand has
// none.
func (m Money) Add(other Money) Money {
	currency := m.Currency
	if currency == "" {
		currency = other.Currency
	}
	return Money{Amount: m.Amount + other.Amount, Currency: currency}
}

// Sub subtracts, clamping at zero.
func (m Money) Sub(other Money) Money {
	amount := m.Amount - other.Amount
	if amount < 0 {
		amount = 0
	}
	return Money{Amount: amount, Currency: m.Currency}
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Amount, m.Currency)
}
