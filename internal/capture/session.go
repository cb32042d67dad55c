package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/budget-bear/internal/scanning"
)

// Session owns the single live stream of a capture pipeline
type Session struct {
	camera Camera
	now    func() time.Time

	mu     sync.Mutex
	stream Stream
}

// NewSession creates a Session on top of a camera
func NewSession(camera Camera) *Session {
	return &Session{
		camera: camera,
		now:    time.Now,
	}
}

// Open starts a stream on deviceID, closing any previous stream first. If
// the previous stream fails to stop, no new stream is opened.
// An empty deviceID accepts any device. When the requested device cannot be
// used, Open retries once with a rear-facing constraint.
func (s *Session) Open(ctx context.Context, deviceID string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		return Device{}, err
	}

	stream, err := s.camera.Open(ctx, Constraints{DeviceID: deviceID})
	if err != nil && deviceID != "" && errors.Is(err, ErrOverconstrained) {
		slog.Warn("Requested camera unavailable, falling back to rear camera", "device", deviceID, "error", err)
		stream, err = s.camera.Open(ctx, Constraints{Facing: FacingRear})
	}
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			return Device{}, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return Device{}, fmt.Errorf("%w: opening %q: %w", ErrDeviceUnavailable, deviceID, err)
	}

	s.stream = stream
	slog.Info("Camera stream opened", "device", stream.Device().ID, "label", stream.Device().Label)
	return stream.Device(), nil
}

// Close stops the current stream. Closing without a stream is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		slog.Warn("Failed to stop camera stream", "device", s.stream.Device().ID, "error", err)
		return fmt.Errorf("stopping stream: %w", err)
	}
	s.stream = nil
	return nil
}

// Active reports whether a stream is open
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// GrabFrame encodes the currently displayed frame as a PNG still at the
// stream's native resolution
func (s *Session) GrabFrame() (scanning.StillImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return scanning.StillImage{}, fmt.Errorf("%w: no open stream", ErrNotReady)
	}
	frame, ok := s.stream.Frame()
	if !ok || frame == nil || frame.Bounds().Empty() {
		return scanning.StillImage{}, fmt.Errorf("%w: no frame received yet", ErrNotReady)
	}

	data, err := scanning.EncodePNG(frame)
	if err != nil {
		return scanning.StillImage{}, fmt.Errorf("grabbing frame: %w", err)
	}

	bounds := frame.Bounds()
	return scanning.StillImage{
		Data:        data,
		ContentType: "image/png",
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		DeviceID:    s.stream.Device().ID,
		CapturedAt:  s.now(),
	}, nil
}
