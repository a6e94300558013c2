/*
category.go - Closed set of transaction types, categories and their movements

PURPOSE:
  Every balance change is classified by a (type, category) pair. The set of
  legal pairs is finite and each pair declares exactly which buckets it may
  move and in which direction. Adding a pair here is a design decision; the
  Recorder rejects anything not in the table.

MOVEMENTS:
  A movement is {Bucket, Source, Sign, Total}:
  - Bucket receives the signed amount
  - Source (optional) gives up the same amount (bucket-to-bucket transfer)
  - Sign constrains the amount (+1 credit, -1 debit)
  - Total says whether lifetime total_points moves with the amount

  earned/sponsorship     +available             total +
  earned/investment      +available             total +   (investment gain)
  bonus/bonus            +available             total +
  penalty/penalty        -available             total -   (correction)
  penalty/investment     -available             total -   (investment loss)
  spent/purchase         -available
  refund/purchase        +available
  invested/investment    +invested  <- available
  refund/investment      +available <- invested
  withdrawn/withdrawal   -available
  insurance/insurance    +insurance <- available           (reserve funding)
                         -insurance                        (premium)
                         -available                        (premium, no reserve)
*/
package points

import "fmt"

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TxType string

const (
	TxEarned    TxType = "earned"
	TxSpent     TxType = "spent"
	TxInvested  TxType = "invested"
	TxWithdrawn TxType = "withdrawn"
	TxInsurance TxType = "insurance"
	TxRefund    TxType = "refund"
	TxBonus     TxType = "bonus"
	TxPenalty   TxType = "penalty"
)

var txTypes = map[TxType]bool{
	TxEarned: true, TxSpent: true, TxInvested: true, TxWithdrawn: true,
	TxInsurance: true, TxRefund: true, TxBonus: true, TxPenalty: true,
}

// ParseTxType validates s against the closed set of transaction types.
func ParseTxType(s string) (TxType, error) {
	t := TxType(s)
	if !txTypes[t] {
		return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", s)}
	}
	return t, nil
}

// =============================================================================
// CATEGORIES
// =============================================================================

type Category string

const (
	CategorySponsorship Category = "sponsorship"
	CategoryPurchase    Category = "purchase"
	CategoryInvestment  Category = "investment"
	CategoryInsurance   Category = "insurance"
	CategoryWithdrawal  Category = "withdrawal"
	CategoryBonus       Category = "bonus"
	CategoryPenalty     Category = "penalty"
)

var categories = map[Category]bool{
	CategorySponsorship: true, CategoryPurchase: true, CategoryInvestment: true,
	CategoryInsurance: true, CategoryWithdrawal: true, CategoryBonus: true,
	CategoryPenalty: true,
}

// ParseCategory validates s against the closed set of categories.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !categories[c] {
		return "", &ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
	}
	return c, nil
}

// =============================================================================
// MOVEMENT TABLE
// =============================================================================

// Movement describes one legal way a (type, category) pair changes a balance.
type Movement struct {
	Bucket Bucket
	Source Bucket
	Sign   int
	// Total is +1 when total_points moves with the amount, 0 otherwise.
	Total int
}

type pair struct {
	Type     TxType
	Category Category
}

var movements = map[pair][]Movement{
	{TxEarned, CategorySponsorship}:   {{Bucket: BucketAvailable, Sign: 1, Total: 1}},
	{TxEarned, CategoryInvestment}:    {{Bucket: BucketAvailable, Sign: 1, Total: 1}},
	{TxBonus, CategoryBonus}:          {{Bucket: BucketAvailable, Sign: 1, Total: 1}},
	{TxPenalty, CategoryPenalty}:      {{Bucket: BucketAvailable, Sign: -1, Total: 1}},
	{TxPenalty, CategoryInvestment}:   {{Bucket: BucketAvailable, Sign: -1, Total: 1}},
	{TxSpent, CategoryPurchase}:       {{Bucket: BucketAvailable, Sign: -1}},
	{TxRefund, CategoryPurchase}:      {{Bucket: BucketAvailable, Sign: 1}},
	{TxInvested, CategoryInvestment}:  {{Bucket: BucketInvested, Source: BucketAvailable, Sign: 1}},
	{TxRefund, CategoryInvestment}:    {{Bucket: BucketAvailable, Source: BucketInvested, Sign: 1}},
	{TxWithdrawn, CategoryWithdrawal}: {{Bucket: BucketAvailable, Sign: -1}},
	{TxInsurance, CategoryInsurance}:  {
		{Bucket: BucketInsurance, Source: BucketAvailable, Sign: 1},
		{Bucket: BucketInsurance, Sign: -1},
		{Bucket: BucketAvailable, Sign: -1},
	},
}

// IsLegal reports whether the (type, category) pair exists at all.
func IsLegal(t TxType, c Category) bool {
	_, ok := movements[pair{t, c}]
	return ok
}

// DefaultMovement returns the first movement declared for the pair.
// Callers that post single-movement pairs can use it to fill in buckets.
func DefaultMovement(t TxType, c Category) (Movement, bool) {
	ms, ok := movements[pair{t, c}]
	if !ok || len(ms) == 0 {
		return Movement{}, false
	}
	return ms[0], true
}

// MovementFor resolves the movement of a transaction shape, or returns a
// ValidationError if the shape is not declared for its pair.
func MovementFor(t TxType, c Category, bucket, source Bucket, amount Points) (Movement, error) {
	ms, ok := movements[pair{t, c}]
	if !ok {
		return Movement{}, &ValidationError{
			Field:   "category",
			Message: fmt.Sprintf("transaction type %q is not allowed for category %q", t, c),
		}
	}
	sign := 1
	if amount < 0 {
		sign = -1
	}
	for _, m := range ms {
		if m.Bucket == bucket && m.Source == source && m.Sign == sign {
			return m, nil
		}
	}
	return Movement{}, &ValidationError{
		Field: "amount",
		Message: fmt.Sprintf("%s/%s cannot move %d points into %s from %q",
			t, c, amount, bucket, source),
	}
}

// apply returns the balance after applying a movement of amount.
func (m Movement) apply(b Balance, amount Points) Balance {
	b.add(m.Bucket, amount)
	if m.Source != "" {
		b.add(m.Source, -amount)
	}
	if m.Total != 0 {
		b.Total += amount
	}
	return b
}
