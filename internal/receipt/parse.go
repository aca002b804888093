package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExtractionError is returned when the relay call fails or the model's
// answer does not match the declared schema. Raw holds the model text, if any.
type ExtractionError struct {
	Raw string
	Err error
}

func (e *ExtractionError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("extraction failed: %v (response: %s)", e.Err, e.Raw)
	}
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// itemDoc and receiptDoc mirror the declared response schema
type itemDoc struct {
	Name     string   `json:"name"`
	Amount   *Amount  `json:"amount"`
	Category Category `json:"category" validate:"required,oneof=food restaurant household-goods childcare-goods other"`
	Kind     Kind     `json:"kind" validate:"omitempty,oneof=purchase discount tax"`
}

type receiptDoc struct {
	StoreName string    `json:"store_name"`
	Date      string    `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Items     []itemDoc `json:"items" validate:"required,dive"`
	Total     *Amount   `json:"total"`
	Currency  string    `json:"currency" validate:"required"`
}

// Parse decodes the model's raw JSON text into a Receipt. Any deviation from
// the schema fails the whole parse; nothing is salvaged.
func Parse(raw string, currency string) (*Receipt, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return nil, &ExtractionError{Raw: raw, Err: errors.New("empty response")}
	}

	var doc receiptDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("unmarshaling json: %w", err)}
	}

	if err := validate.Struct(doc); err != nil {
		return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("validating receipt: %w", err)}
	}
	if doc.Total == nil {
		return nil, &ExtractionError{Raw: raw, Err: errors.New("total is missing")}
	}
	if currency != "" && doc.Currency != currency {
		return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("currency %q does not match %q", doc.Currency, currency)}
	}

	r := &Receipt{
		StoreName:     strings.TrimSpace(doc.StoreName),
		Date:          doc.Date,
		Items:         make([]LineItem, 0, len(doc.Items)),
		DeclaredTotal: *doc.Total,
		Currency:      doc.Currency,
	}
	for i, d := range doc.Items {
		if d.Amount == nil {
			return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("item %d: amount is missing", i)}
		}
		item := LineItem{
			Name:     d.Name,
			Amount:   *d.Amount,
			Kind:     d.Kind,
			Category: d.Category,
		}
		if err := item.Validate(); err != nil {
			return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("item %d: %w", i, err)}
		}
		r.Items = append(r.Items, item)
	}

	return r, nil
}
