package receipt

import (
	"context"
	"errors"
)

var (
	// ErrNoImage is raised locally when nothing is attached; no call is made
	ErrNoImage = errors.New("no image attached")
	// ErrCanceled marks an extraction that was cancelled or superseded.
	// It is not an error to show to the user.
	ErrCanceled = errors.New("extraction canceled")
	// ErrUnsupportedModel is returned for a model outside the allow-list
	ErrUnsupportedModel = errors.New("unsupported model")
)

// Image is a transport-ready image: base64 data plus its media type
type Image struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// ExtractRequest is the body sent to the extraction relay
type ExtractRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Image  Image  `json:"image"`
}

// Extractor sends an extraction request and returns the model's raw JSON text
type Extractor interface {
	ExtractImage(ctx context.Context, req ExtractRequest) (string, error)
}

// Extract issues one extraction and parses the answer into a Receipt
func Extract(ctx context.Context, extractor Extractor, req ExtractRequest, currency string) (*Receipt, error) {
	if req.Image.Data == "" {
		return nil, ErrNoImage
	}

	raw, err := extractor.ExtractImage(ctx, req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, ErrCanceled
		}
		return nil, &ExtractionError{Err: err}
	}
	if ctx.Err() != nil {
		return nil, ErrCanceled
	}

	return Parse(raw, currency)
}
