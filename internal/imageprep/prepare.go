package imageprep

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const (
	// MaxWidth bounds the width of a prepared image
	MaxWidth = 1024
	// JPEGQuality is the re-encode quality
	JPEGQuality = 80
)

var (
	ErrEmptyImage  = errors.New("image is empty")
	ErrUndecodable = errors.New("image could not be decoded")
	// ErrRender is returned when no drawable surface can be produced
	ErrRender = errors.New("image could not be rendered")
)

// Prepared is a downsampled JPEG ready to embed in a JSON request
type Prepared struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Base64 returns the transport encoding of Data
func (p *Prepared) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// Prepare decodes an image (JPEG, PNG, GIF, HEIC/HEIF or the first page of a
// PDF), scales it to at most MaxWidth wide and re-encodes it as JPEG
func Prepare(data []byte, contentType string) (*Prepared, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, err := decode(data, normalizeMimeType(contentType))
	if err != nil {
		return nil, err
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrRender, w, h)
	}

	// scale = min(1, MaxWidth/width)
	if w > MaxWidth {
		img = imaging.Resize(img, MaxWidth, 0, imaging.Lanczos)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: resized to %dx%d", ErrRender, bounds.Dx(), bounds.Dy())
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("%w: encoding JPEG: %v", ErrRender, err)
	}

	return &Prepared{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

// NeedsConversion reports whether the model cannot take the media type as is
func NeedsConversion(contentType string) bool {
	switch normalizeMimeType(contentType) {
	case "image/jpeg", "image/png", "image/webp":
		return false
	default:
		return true
	}
}

func decode(data []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		return decodePDF(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: HEIC/HEIF: %v", ErrUndecodable, err)
		}
		return img, nil
	default:
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("%w: %v (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF)", ErrUndecodable, err)
		}
		return img, nil
	}
}

// decodePDF renders the first page; receipts are single page
func decodePDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: opening PDF: %v", ErrUndecodable, err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("%w: rendering PDF page: %v", ErrRender, err)
	}
	return img, nil
}

// MimeTypeFor guesses a media type from a file name
func MimeTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func normalizeMimeType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "image/jpg" {
		mimeType = "image/jpeg"
	}
	return mimeType
}

// isHEICFormat checks the ftyp box brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
