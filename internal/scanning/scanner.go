package scanning

import (
	"context"
	"errors"
	"time"
)

// ErrRecognitionFailed is returned when the OCR engine errors or rejects the image
var ErrRecognitionFailed = errors.New("recognition failed")

// DefaultLanguage is used when no language is requested
const DefaultLanguage = "eng"

// StillImage is a single frame grabbed from a live stream
type StillImage struct {
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	DeviceID    string    `json:"device_id"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Recognition contains the text an engine found in a still image
type Recognition struct {
	RawText  string `json:"raw_text"`
	Language string `json:"language"`
	Engine   string `json:"engine"`
}

// ProgressFunc observes recognition progress. fraction is in [0, 1] when the
// engine can estimate it and -1 otherwise.
type ProgressFunc func(stage string, fraction float64)

// RecognizeOptions tunes a single recognition call
type RecognizeOptions struct {
	Language string
	Progress ProgressFunc
}

// Recognizer defines the interface for OCR engines
type Recognizer interface {
	// Recognize extracts the text printed in a still image
	Recognize(ctx context.Context, img StillImage, opts RecognizeOptions) (*Recognition, error)
	// Close closes the recognizer and releases resources
	Close() error
}
