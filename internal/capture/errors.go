package capture

import (
	"errors"
	"fmt"

	"github.com/zombor/budget-bear/internal/scanning"
)

// Errors reported by camera backends
var (
	// ErrNotAllowed means the platform refused camera access
	ErrNotAllowed = errors.New("camera access not allowed")
	// ErrOverconstrained means no device satisfies the requested constraints
	ErrOverconstrained = errors.New("constraints cannot be satisfied")
)

// Errors surfaced by the capture pipeline
var (
	// ErrPermissionDenied is fatal until access is granted and the pipeline restarted
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable means the device could not be opened, even after fallback
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrNotReady means the stream has not produced a frame yet; retry shortly
	ErrNotReady = errors.New("stream not ready")
	// ErrRecognitionFailed means the OCR engine failed or rejected the image
	ErrRecognitionFailed = scanning.ErrRecognitionFailed

	// ErrNoDevices is reported when enumeration finds no camera
	ErrNoDevices = fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)

	ErrInvalidTransition   = errors.New("invalid transition")
	ErrRecognitionInFlight = errors.New("recognition already in progress")
	ErrCaptureAbandoned    = errors.New("capture abandoned")
	ErrNoSink              = errors.New("no purchase sink configured")
)

// invalidTransition reports an operation that the current state does not allow
func invalidTransition(op string, state State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, state)
}
