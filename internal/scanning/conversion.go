package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcriptionPrompt asks an LLM engine to behave like a plain OCR engine.
// The %s verb receives the language hint.
const transcriptionPrompt = `You are an OCR engine. Transcribe every line of text printed on this receipt image exactly as it appears, top to bottom.

Rules:
- Keep one receipt line per output line, in the original order
- Keep prices exactly as printed, including currency symbols and decimal points
- Do not summarize, translate, correct, or reorder anything
- Do not add commentary, headings, or markdown code blocks
- If there is no readable text, return an empty response

The receipt language is: %s`

// languageOrDefault returns the language hint to send to an engine
func languageOrDefault(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}

// reportProgress calls the progress callback, if any. A failing callback is
// logged and otherwise ignored.
func reportProgress(progress ProgressFunc, stage string, fraction float64) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Progress callback failed", "stage", stage, "panic", r)
		}
	}()
	progress(stage, fraction)
}

// cleanTranscript strips markdown fences some models add despite the prompt
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Render the first page (most receipts are single page)
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// DecodeImage decodes JPEG, PNG, GIF, HEIC/HEIF and PDF data into an image
func DecodeImage(data []byte, contentType string) (image.Image, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	if mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")) {
		return pdfToImage(data)
	}

	// Go's standard image package doesn't support HEIC (common on iPhones)
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// EncodePNG encodes an image as PNG
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box at offset 4 with brand 'heic', 'heif', 'mif1' or 'msf1'
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData converts a still to PNG unless it already is one.
// Returns the PNG data and whether conversion occurred.
func prepareImageData(img StillImage) ([]byte, bool, error) {
	if len(img.Data) == 0 {
		return nil, false, fmt.Errorf("empty image")
	}

	mimeType := strings.ToLower(strings.TrimSpace(img.ContentType))
	if mimeType == "" {
		mimeType = "image/png" // stills come from the capture session as PNG
	}
	if mimeType == "image/png" && !isHEICFormat(img.Data) {
		return img.Data, false, nil
	}

	decoded, err := DecodeImage(img.Data, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("converting image to PNG: %w", err)
	}
	pngData, err := EncodePNG(decoded)
	if err != nil {
		return nil, false, err
	}
	return pngData, true, nil
}
