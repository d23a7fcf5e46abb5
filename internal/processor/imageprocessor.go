// imageprocessor.go - Downscale receipt photos before they are sent for OCR

package processor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// PrepareReceiptImage fixes EXIF orientation and shrinks the longest side to
// maxDimension. PDFs and images already within bounds are returned as-is.
// The result is always JPEG or PNG so Gemini accepts it.
func PrepareReceiptImage(data []byte, mimeType string, maxDimension int) ([]byte, string, error) {
	if strings.HasPrefix(mimeType, "application/pdf") || maxDimension <= 0 {
		return data, mimeType, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxDimension && height <= maxDimension && (mimeType == "image/jpeg" || mimeType == "image/png") {
		return data, mimeType, nil
	}

	if width > maxDimension || height > maxDimension {
		if width > height {
			img = imaging.Resize(img, maxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxDimension, imaging.Lanczos)
		}
	}

	// Receipts are mostly text; a light sharpen helps after Lanczos
	img = imaging.Sharpen(img, 1.0)

	var buf bytes.Buffer
	format := imaging.JPEG
	outMime := "image/jpeg"
	if mimeType == "image/png" {
		format = imaging.PNG
		outMime = "image/png"
	}

	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("failed to encode processed image: %w", err)
	}

	return buf.Bytes(), outMime, nil
}
