// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package transaction defines the transaction shapes that flow between the
// language model and the ledger, and the policy that turns one into the other.
package transaction

import "math"

// Input is what the user sent: free text, an image, or both.
type Input struct {
	Text     string
	ImageURL string
}

// Transaction is a candidate transaction extracted by the language model.
// Account and Category hold names (or ids, if the model used them), Amount is
// in major currency units and negative for expenses.
type Transaction struct {
	Account   string  `json:"account"`
	Date      string  `json:"date"`
	Amount    float64 `json:"amount"`
	PayeeName string  `json:"payee_name,omitempty"`
	Category  string  `json:"category,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

// Submitted is a transaction ready for the ledger: Account and Category are
// ledger ids when known, and Amount is in minor units.
type Submitted struct {
	Account   string `json:"account"`
	Date      string `json:"date"`
	Amount    int64  `json:"amount"`
	PayeeName string `json:"payee_name,omitempty"`
	Category  string `json:"category,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Index maps human-readable names to ledger ids.
type Index map[string]string

// NewIndex builds an Index from items. When two items share a name, the first
// one wins.
func NewIndex[T any](items []T, nameID func(T) (name, id string)) Index {
	idx := make(Index, len(items))
	for _, item := range items {
		name, id := nameID(item)
		if _, dup := idx[name]; dup {
			continue
		}
		idx[name] = id
	}
	return idx
}

// Lookup returns the id for name, or name itself if it is not in the index.
func (idx Index) Lookup(name string) string {
	if id, ok := idx[name]; ok && id != "" {
		return id
	}
	return name
}

// ValidAmount reports whether amount is finite and its value in minor units
// fits in an int64.
func ValidAmount(amount float64) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
	return math.Abs(math.Round(amount*100)) < float64(math.MaxInt64)
}

// ToMinorUnits converts an amount in major units to the ledger's integer
// minor units (cents), rounding to the nearest unit. Amounts rejected by
// [ValidAmount] saturate at the int64 bounds with their sign kept; NaN
// becomes zero.
func ToMinorUnits(amount float64) int64 {
	switch {
	case math.IsNaN(amount):
		return 0
	case ValidAmount(amount):
		return int64(math.Round(amount * 100))
	case amount < 0:
		return math.MinInt64
	default:
		return math.MaxInt64
	}
}

// Resolve turns a candidate into a transaction ready for submission: the
// amount is rescaled to minor units and the account and category names are
// replaced with ledger ids. Unknown names pass through unchanged.
func Resolve(t Transaction, accounts, categories Index) Submitted {
	s := Submitted{
		Account:   accounts.Lookup(t.Account),
		Date:      t.Date,
		Amount:    ToMinorUnits(t.Amount),
		PayeeName: t.PayeeName,
		Notes:     t.Notes,
	}
	if t.Category != "" {
		s.Category = categories.Lookup(t.Category)
	}
	return s
}
