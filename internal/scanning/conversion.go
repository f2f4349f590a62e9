package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WEBP decoder
)

// ErrUnreadableImage marks uploads that cannot be decoded or converted
var ErrUnreadableImage = errors.New("unreadable image")

// SniffMIME guesses the MIME type of a receipt upload from its leading bytes
func SniffMIME(data []byte) string {
	if isHEICFormat(data) {
		return "image/heic"
	}
	mimeType := http.DetectContentType(data)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "application/octet-stream" {
		// Phone cameras almost always produce JPEG
		return "image/jpeg"
	}
	return mimeType
}

// PrepareDocument makes a document acceptable to the recognition service.
// HEIC/HEIF photos are converted to PNG, everything else is passed through untouched.
func PrepareDocument(doc Document) (Document, error) {
	mimeType := normalizeMIME(doc.MIMEType)
	if isHEICFormat(doc.Data) || isHEICMimeType(mimeType) {
		pngData, err := imageToPNG(doc.Data, mimeType)
		if err != nil {
			return Document{}, fmt.Errorf("%w: converting HEIC to PNG: %w", ErrUnreadableImage, err)
		}
		return Document{Data: pngData, MIMEType: "image/png"}, nil
	}
	return Document{Data: doc.Data, MIMEType: mimeType}, nil
}

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Fuel receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// imageToPNG converts any supported image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, WEBP, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heix" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// prepareImageData converts a document to PNG for vision prompts
func prepareImageData(doc Document) ([]byte, error) {
	mimeType := normalizeMIME(doc.MIMEType)
	switch {
	case mimeType == "application/pdf":
		pngData, err := pdfToImage(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF to image: %w", ErrUnreadableImage, err)
		}
		return pngData, nil
	case mimeType == "image/png" && !isHEICFormat(doc.Data):
		return doc.Data, nil
	default:
		pngData, err := imageToPNG(doc.Data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("%w: converting image to PNG: %w", ErrUnreadableImage, err)
		}
		return pngData, nil
	}
}
