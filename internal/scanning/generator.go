package scanning

import "context"

// Request is one extraction forwarded to a generation model
type Request struct {
	Prompt   string
	Model    string
	Image    []byte
	MimeType string
}

// Generator forwards a receipt image to a generation model and returns the
// model's raw JSON text, constrained to the receipt schema
type Generator interface {
	// Generate returns the response text unmodified
	Generate(ctx context.Context, req Request) (string, error)
	// Close releases the underlying client
	Close() error
}
