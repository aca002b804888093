package receipt

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// validate is shared by every validation in this package
var validate = validator.New()

// Category classifies a line item for household accounting
type Category string

const (
	CategoryFood           Category = "food"
	CategoryRestaurant     Category = "restaurant"
	CategoryHouseholdGoods Category = "household-goods"
	CategoryChildcareGoods Category = "childcare-goods"
	CategoryOther          Category = "other"
)

// Categories lists every valid category in display order
var Categories = []Category{
	CategoryFood,
	CategoryRestaurant,
	CategoryHouseholdGoods,
	CategoryChildcareGoods,
	CategoryOther,
}

// Valid reports whether c is one of Categories
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Kind tells a purchase apart from the rows that modify one
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindDiscount Kind = "discount"
	KindTax      Kind = "tax"
)

// Kinds lists every valid kind
var Kinds = []Kind{KindPurchase, KindDiscount, KindTax}

// Amount is an exact money value in the receipt's currency units.
// It encodes as a bare JSON number.
type Amount struct {
	decimal.Decimal
}

// NewAmount returns an Amount of v whole units
func NewAmount(v int64) Amount {
	return Amount{decimal.NewFromInt(v)}
}

// ParseAmount parses a decimal string such as "-50" or "12.5"
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Amount{d}, nil
}

// Plus returns a + b
func (a Amount) Plus(b Amount) Amount {
	return Amount{a.Decimal.Add(b.Decimal)}
}

// Equals reports exact equality, with no tolerance
func (a Amount) Equals(b Amount) bool {
	return a.Decimal.Equal(b.Decimal)
}

// MarshalJSON writes the amount as a JSON number
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// UnmarshalJSON accepts only a JSON number; quoted values are rejected
func (a *Amount) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		return fmt.Errorf("amount must be a JSON number, got %s", trimmed)
	}
	return a.Decimal.UnmarshalJSON(data)
}

// LineItem is one row extracted by the model or edited by the user
type LineItem struct {
	Name     string   `json:"name"`
	Amount   Amount   `json:"amount"`
	Kind     Kind     `json:"kind,omitempty" validate:"omitempty,oneof=purchase discount tax"`
	Category Category `json:"category" validate:"required,oneof=food restaurant household-goods childcare-goods other"`
}

// Validate checks the category and kind enums and that tax and discount
// rows carry the category of the item they modify rather than "other"
func (i LineItem) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid line item %q: %w", i.Name, err)
	}
	if (i.Kind == KindTax || i.Kind == KindDiscount) && i.Category == CategoryOther {
		return fmt.Errorf("invalid line item %q: %s rows cannot use category %q", i.Name, i.Kind, CategoryOther)
	}
	return nil
}

// Receipt is the aggregate extracted from one image.
// DeclaredTotal is what the model read off the receipt; it is never
// corrected to match the items.
type Receipt struct {
	StoreName     string     `json:"store_name,omitempty"`
	Date          string     `json:"date,omitempty"` // YYYY-MM-DD
	Items         []LineItem `json:"items"`
	DeclaredTotal Amount     `json:"total"`
	Currency      string     `json:"currency"`
}

// Sum recomputes the total of all item amounts
func (r *Receipt) Sum() Amount {
	sum := NewAmount(0)
	for _, item := range r.Items {
		sum = sum.Plus(item.Amount)
	}
	return sum
}

// Reconciliation compares the declared total with the recomputed sum
type Reconciliation struct {
	Declared Amount `json:"declared"`
	Computed Amount `json:"computed"`
	Match    bool   `json:"match"`
}

// Reconcile reports the declared total, the recomputed sum and whether they
// are exactly equal
func (r *Receipt) Reconcile() Reconciliation {
	computed := r.Sum()
	return Reconciliation{
		Declared: r.DeclaredTotal,
		Computed: computed,
		Match:    computed.Equals(r.DeclaredTotal),
	}
}

// Clone returns a deep copy so callers cannot mutate screen state
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]LineItem(nil), r.Items...)
	return &c
}
