package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// DefaultRange covers the six row columns on the first sheet
const DefaultRange = "Sheet1!A:F"

// Appender appends rows to the household ledger
type Appender interface {
	Append(ctx context.Context, rows []receipt.PersistedRow) error
}

// SheetsConfig identifies the target spreadsheet
type SheetsConfig struct {
	SpreadsheetID   string
	Range           string
	CredentialsJSON []byte
}

// Sheets implements the Appender interface using the Google Sheets API.
// Each Append is one values.append call; a failed call is not rolled back
// and nothing is retried.
type Sheets struct {
	service       *sheets.Service
	spreadsheetID string
	rangeA1       string
}

// NewSheets creates a Sheets appender authenticated with a service account.
// Extra options replace the defaults, which lets tests point at a fake.
func NewSheets(ctx context.Context, cfg SheetsConfig, opts ...option.ClientOption) (*Sheets, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if cfg.Range == "" {
		cfg.Range = DefaultRange
	}
	if len(opts) == 0 {
		if len(cfg.CredentialsJSON) == 0 {
			return nil, fmt.Errorf("service account credentials are required")
		}
		opts = []option.ClientOption{
			option.WithCredentialsJSON(cfg.CredentialsJSON),
			option.WithScopes(sheets.SpreadsheetsScope),
		}
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	return &Sheets{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		rangeA1:       cfg.Range,
	}, nil
}

// Append writes one spreadsheet row per PersistedRow, in order
func (s *Sheets) Append(ctx context.Context, rows []receipt.PersistedRow) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		values = append(values, row.Values())
	}

	resp, err := s.service.Spreadsheets.Values.
		Append(s.spreadsheetID, s.rangeA1, &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("appending rows: %w", err)
	}

	if resp.Updates != nil {
		slog.Info("Appended rows", "range", resp.Updates.UpdatedRange, "rows", resp.Updates.UpdatedRows)
	}
	return nil
}
