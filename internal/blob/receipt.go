package blob

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/nfnt/resize"
)

const DefaultReceiptMaxWidth = 1280

var allowedReceiptTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// PrepareReceipt checks the payload type and downscales photos wider than
// maxWidth, re-encoding them as JPEG. PDFs pass through untouched.
func PrepareReceipt(data []byte, maxWidth int) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty receipt")
	}
	contentType := http.DetectContentType(data)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	if !allowedReceiptTypes[contentType] {
		return nil, "", fmt.Errorf("unsupported receipt type: %s", contentType)
	}
	if contentType == "application/pdf" {
		return data, contentType, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode receipt image: %w", err)
	}
	if maxWidth <= 0 {
		maxWidth = DefaultReceiptMaxWidth
	}
	if img.Bounds().Dx() <= maxWidth {
		return data, contentType, nil
	}

	scaled := resize.Resize(uint(maxWidth), 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 80}); err != nil {
		return nil, "", fmt.Errorf("encode receipt image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
