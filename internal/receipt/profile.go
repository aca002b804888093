package receipt

import (
	"fmt"
	"strings"
	"text/template"
)

// SchemaVersion selects the shape of the JSON the model is constrained to
type SchemaVersion string

const (
	// SchemaV1 has store_name, items{name, amount, category}, total and currency
	SchemaV1 SchemaVersion = "v1"
	// SchemaV2 adds the receipt date and the item kind
	SchemaV2 SchemaVersion = "v2"
)

// ParseSchemaVersion validates a configured schema version
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	switch v := SchemaVersion(strings.ToLower(strings.TrimSpace(s))); v {
	case SchemaV1, SchemaV2:
		return v, nil
	case "":
		return SchemaV2, nil
	default:
		return "", fmt.Errorf("unknown schema version %q (valid: v1, v2)", s)
	}
}

// HasDate reports whether the schema asks for the receipt date
func (v SchemaVersion) HasDate() bool { return v != SchemaV1 }

// HasKind reports whether the schema asks for the item kind
func (v SchemaVersion) HasKind() bool { return v != SchemaV1 }

const DefaultCurrency = "JPY"

// DefaultModels are the generation models offered when none are configured.
// The first one is the default selection.
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash-lite",
	"gemini-3-flash-preview",
}

const defaultPromptTemplate = `You are reading a photographed shop receipt for household accounting.
Extract every line item exactly in the order printed.

Rules:
- Amounts are in {{.Currency}}. Use the value printed on the receipt as a plain number.
- Discounts are separate items with a negative amount.
- Assign each item one category: {{.Categories}}.
{{- if .WithKind}}
- Set kind to "purchase", "discount" or "tax". Discount and tax rows take the category of the item they modify, never "other".
{{- end}}
- total is the final amount paid as printed, even if it differs from the sum of the items.
- store_name is the shop name if printed.
{{- if .WithDate}}
- date is the purchase date formatted YYYY-MM-DD, omitted if not printed.
{{- end}}
- currency is always "{{.Currency}}".`

// Profile collapses the per-revision variations of the extraction screen
// into one configuration
type Profile struct {
	PromptTemplate string
	SchemaVersion  SchemaVersion
	EnabledModels  []string
	Currency       string
}

// DefaultProfile returns the v2 profile with the default prompt and models
func DefaultProfile() Profile {
	return Profile{
		PromptTemplate: defaultPromptTemplate,
		SchemaVersion:  SchemaV2,
		EnabledModels:  append([]string(nil), DefaultModels...),
		Currency:       DefaultCurrency,
	}
}

// Enabled reports whether model is in the allow-list
func (p Profile) Enabled(model string) bool {
	for _, m := range p.EnabledModels {
		if m == model {
			return true
		}
	}
	return false
}

// DefaultModel is the first enabled model
func (p Profile) DefaultModel() string {
	if len(p.EnabledModels) == 0 {
		return ""
	}
	return p.EnabledModels[0]
}

// Prompt renders the prompt template
func (p Profile) Prompt() (string, error) {
	src := p.PromptTemplate
	if src == "" {
		src = defaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing prompt template: %w", err)
	}

	names := make([]string, 0, len(Categories))
	for _, c := range Categories {
		names = append(names, fmt.Sprintf("%q", c))
	}

	var b strings.Builder
	err = tmpl.Execute(&b, struct {
		Currency   string
		Categories string
		WithDate   bool
		WithKind   bool
	}{
		Currency:   p.Currency,
		Categories: strings.Join(names, ", "),
		WithDate:   p.SchemaVersion.HasDate(),
		WithKind:   p.SchemaVersion.HasKind(),
	})
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return b.String(), nil
}
