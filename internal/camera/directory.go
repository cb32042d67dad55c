// Package camera provides capture.Camera implementations: live Video4Linux
// devices through OpenCV, and a directory of receipt images that stand in for
// devices when no camera is attached.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/scanning"
)

// supportedExtensions maps image file extensions to content types
var supportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".heic": "image/heic",
	".heif": "image/heif",
	".pdf":  "application/pdf",
}

// Directory implements capture.Camera over image files. Each file is a device
// whose stream always shows that image.
type Directory struct {
	path string
}

// NewDirectory creates a Directory camera reading from path
func NewDirectory(path string) *Directory {
	return &Directory{path: path}
}

// Devices lists the supported image files, sorted by name
func (d *Directory) Devices(ctx context.Context) ([]capture.Device, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", capture.ErrNotAllowed, err)
		}
		return nil, fmt.Errorf("reading image directory: %w", err)
	}

	devices := make([]capture.Device, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := contentType(entry.Name()); !ok {
			continue
		}
		devices = append(devices, capture.Device{
			ID:    filepath.Join(d.path, entry.Name()),
			Label: strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// Open decodes the image behind the selected device
func (d *Directory) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	devices, err := d.Devices(ctx)
	if err != nil {
		return nil, err
	}
	device, ok := selectDevice(devices, c)
	if !ok {
		return nil, fmt.Errorf("%w: device %q facing %q", capture.ErrOverconstrained, c.DeviceID, c.Facing)
	}

	data, err := os.ReadFile(device.ID)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", capture.ErrNotAllowed, err)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", capture.ErrOverconstrained, device.ID, err)
	}
	ct, _ := contentType(device.ID)
	img, err := scanning.DecodeImage(data, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrOverconstrained, err)
	}

	return &stillStream{device: device, frame: img}, nil
}

// contentType returns the content type for a supported image file name
func contentType(name string) (string, bool) {
	ct, ok := supportedExtensions[strings.ToLower(filepath.Ext(name))]
	return ct, ok
}

// stillStream replays one decoded image until stopped
type stillStream struct {
	device capture.Device

	mu      sync.Mutex
	frame   image.Image
	stopped bool
}

func (s *stillStream) Device() capture.Device {
	return s.device
}

func (s *stillStream) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	return s.frame, true
}

func (s *stillStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.frame = nil
	return nil
}
