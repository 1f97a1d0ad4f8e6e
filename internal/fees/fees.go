// Package fees is the single place fee rates live. The policy is a pure
// function of (operation kind, gross amount); callers bake the result into
// the transaction record at execution time so later rate changes never
// rewrite history.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/vendaro/vendaro/internal/money"
)

// Kind names a ledger operation for fee lookup. The values double as the
// persisted transaction type strings.
type Kind string

const (
	Deposit       Kind = "deposit"
	Withdrawal    Kind = "withdrawal"
	Transfer      Kind = "transfer"
	EscrowDeposit Kind = "escrow_deposit"
	EscrowRelease Kind = "escrow_release"
	Refund        Kind = "refund"
)

// Policy maps operation kinds to proportional fee rates. Kinds without an
// entry are fee-free.
type Policy struct {
	rates map[Kind]decimal.Decimal
}

// DefaultPolicy charges 0.5% on deposits, withdrawals and escrow funding.
// Peer transfers, escrow releases and refunds are free.
func DefaultPolicy() *Policy {
	half := decimal.New(5, -3) // 0.005
	return NewPolicy(map[Kind]decimal.Decimal{
		Deposit:       half,
		Withdrawal:    half,
		EscrowDeposit: half,
	})
}

// NewPolicy builds a policy from explicit rates.
func NewPolicy(rates map[Kind]decimal.Decimal) *Policy {
	cp := make(map[Kind]decimal.Decimal, len(rates))
	for k, r := range rates {
		cp[k] = r
	}
	return &Policy{rates: cp}
}

// Fee returns the fee charged on gross for the given kind, rounded to the
// ledger scale.
func (p *Policy) Fee(kind Kind, gross money.Amount) money.Amount {
	rate, ok := p.rates[kind]
	if !ok {
		return money.Zero
	}
	return gross.Mul(rate).Round(money.Scale)
}

// Quote returns the fee and the net remaining after it. gross = fee + net
// always holds.
func (p *Policy) Quote(kind Kind, gross money.Amount) (fee, net money.Amount) {
	fee = p.Fee(kind, gross)
	return fee, gross.Sub(fee)
}
