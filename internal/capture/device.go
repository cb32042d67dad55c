package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Facing selects a camera by the direction it points
type Facing string

const (
	FacingAny  Facing = ""
	FacingRear Facing = "environment"
	FacingUser Facing = "user"
)

// Device is a capture device as reported by the platform. IDs are opaque.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Constraints restricts which device a stream may be opened on
type Constraints struct {
	DeviceID string
	Facing   Facing
}

// Camera is the platform camera API
type Camera interface {
	// Devices lists the available capture devices. Listing may prompt for access.
	Devices(ctx context.Context) ([]Device, error)
	// Open starts a live stream on a device matching the constraints
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live video feed from one device
type Stream interface {
	// Device returns the device the stream is bound to
	Device() Device
	// Frame returns the frame currently displayed, or false before the first one
	Frame() (image.Image, bool)
	// Stop releases the device. Stopping twice is a no-op.
	Stop() error
}

// ListDevices enumerates capture devices, mapping platform errors
func ListDevices(ctx context.Context, cam Camera) ([]Device, error) {
	devices, err := cam.Devices(ctx)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: listing devices: %w", ErrDeviceUnavailable, err)
	}
	return devices, nil
}

// NextDevice returns the device after current, wrapping around.
// With fewer than two devices it returns current unchanged; an unknown current
// yields the first device.
func NextDevice(current string, devices []Device) string {
	if len(devices) < 2 {
		return current
	}
	for i, d := range devices {
		if d.ID == current {
			return devices[(i+1)%len(devices)].ID
		}
	}
	return devices[0].ID
}

// findDevice returns the device with the given ID
func findDevice(devices []Device, id string) (Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}
