package scanning

import (
	"github.com/google/generative-ai-go/genai"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// ReceiptSchema declares the JSON the model must answer with
func ReceiptSchema(version receipt.SchemaVersion, currency string) *genai.Schema {
	categories := make([]string, 0, len(receipt.Categories))
	for _, c := range receipt.Categories {
		categories = append(categories, string(c))
	}

	item := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name": {
				Type:        genai.TypeString,
				Description: "Item name as printed on the receipt.",
			},
			"amount": {
				Type:        genai.TypeNumber,
				Description: "Amount in " + currency + ". Discounts are negative.",
			},
			"category": {
				Type:        genai.TypeString,
				Format:      "enum",
				Enum:        categories,
				Description: "Category of the item.",
			},
		},
		Required: []string{"name", "amount", "category"},
	}

	props := map[string]*genai.Schema{
		"store_name": {
			Type:        genai.TypeString,
			Description: "Name of the store.",
		},
		"items": {
			Type:        genai.TypeArray,
			Items:       item,
			Description: "Line items on the receipt, in printed order.",
		},
		"total": {
			Type:        genai.TypeNumber,
			Description: "Final total amount paid.",
		},
		"currency": {
			Type:   genai.TypeString,
			Format: "enum",
			Enum:   []string{currency},
		},
	}

	if version.HasKind() {
		kinds := make([]string, 0, len(receipt.Kinds))
		for _, k := range receipt.Kinds {
			kinds = append(kinds, string(k))
		}
		item.Properties["kind"] = &genai.Schema{
			Type:        genai.TypeString,
			Format:      "enum",
			Enum:        kinds,
			Description: "purchase, or a discount/tax row modifying the previous item.",
		}
	}
	if version.HasDate() {
		props["date"] = &genai.Schema{
			Type:        genai.TypeString,
			Description: "Purchase date as YYYY-MM-DD.",
		}
	}

	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   []string{"items", "total", "currency"},
	}
}

// JSONSchema renders a genai schema as a plain JSON Schema document
func JSONSchema(s *genai.Schema) map[string]any {
	out := map[string]any{}
	switch s.Type {
	case genai.TypeString:
		out["type"] = "string"
	case genai.TypeNumber:
		out["type"] = "number"
	case genai.TypeInteger:
		out["type"] = "integer"
	case genai.TypeBoolean:
		out["type"] = "boolean"
	case genai.TypeArray:
		out["type"] = "array"
	case genai.TypeObject:
		out["type"] = "object"
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = JSONSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = JSONSchema(p)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
