package receipt

import (
	"context"
	"errors"
	"fmt"
)

// ErrSaveFailed is the opaque failure reported when rows could not be appended
var ErrSaveFailed = errors.New("saving receipt failed")

// Metadata is injected into every row at save time
type Metadata struct {
	Store string
	Date  string
	Payer string
}

// PersistedRow is one spreadsheet row
type PersistedRow struct {
	Category Category `json:"category" validate:"required,oneof=food restaurant household-goods childcare-goods other"`
	Name     string   `json:"name"`
	Amount   Amount   `json:"amount"`
	Store    string   `json:"store"`
	Date     string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Payer    string   `json:"payer"`
}

// Values returns the row in column order: store, date, payer, category, name, amount
func (r PersistedRow) Values() []interface{} {
	return []interface{}{
		r.Store,
		r.Date,
		r.Payer,
		string(r.Category),
		r.Name,
		r.Amount.InexactFloat64(),
	}
}

// Persister appends rows downstream. Delivery is at-least-once: saving
// the same rows twice appends them twice.
type Persister interface {
	SaveRows(ctx context.Context, rows []PersistedRow) error
}

// Rows bundles items with metadata, one row per item in item order
func Rows(items []LineItem, meta Metadata) []PersistedRow {
	rows := make([]PersistedRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, PersistedRow{
			Category: item.Category,
			Name:     item.Name,
			Amount:   item.Amount,
			Store:    meta.Store,
			Date:     meta.Date,
			Payer:    meta.Payer,
		})
	}
	return rows
}

// ValidateRows checks every row before it is forwarded
func ValidateRows(rows []PersistedRow) error {
	if len(rows) == 0 {
		return errors.New("no rows to save")
	}
	for i, row := range rows {
		if err := validate.Struct(row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}
