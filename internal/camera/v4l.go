package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/zombor/budget-bear/internal/capture"
)

// V4L implements capture.Camera for Video4Linux devices using OpenCV
type V4L struct {
	devDir   string
	sysDir   string
	width    int
	height   int
	interval time.Duration
}

// NewV4L creates a V4L camera. width and height request a capture size;
// zero keeps the device default.
func NewV4L(width, height int) *V4L {
	return &V4L{
		devDir:   "/dev",
		sysDir:   "/sys/class/video4linux",
		width:    width,
		height:   height,
		interval: 33 * time.Millisecond,
	}
}

// Devices lists /dev/video* nodes that can be opened
func (v *V4L) Devices(ctx context.Context) ([]capture.Device, error) {
	paths, err := filepath.Glob(filepath.Join(v.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("listing video devices: %w", err)
	}
	sort.Slice(paths, func(i, j int) bool {
		ni, _ := deviceIndex(paths[i])
		nj, _ := deviceIndex(paths[j])
		return ni < nj
	})

	devices := make([]capture.Device, 0, len(paths))
	denied := 0
	for _, path := range paths {
		if _, err := deviceIndex(path); err != nil {
			continue
		}
		// Opening the node is how the kernel tells us about access rights
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				denied++
			}
			continue
		}
		f.Close()
		devices = append(devices, capture.Device{ID: path, Label: v.label(path)})
	}

	if len(devices) == 0 && denied > 0 {
		return nil, fmt.Errorf("%w: %d video devices not accessible", capture.ErrNotAllowed, denied)
	}
	return devices, nil
}

// label reads the driver-provided device name from sysfs
func (v *V4L) label(path string) string {
	name, err := os.ReadFile(filepath.Join(v.sysDir, filepath.Base(path), "name"))
	if err != nil {
		return filepath.Base(path)
	}
	return strings.TrimSpace(string(name))
}

// Open starts capturing from the device matching the constraints
func (v *V4L) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	devices, err := v.Devices(ctx)
	if err != nil {
		return nil, err
	}

	device, ok := selectDevice(devices, c)
	if !ok {
		return nil, fmt.Errorf("%w: device %q facing %q", capture.ErrOverconstrained, c.DeviceID, c.Facing)
	}

	index, err := deviceIndex(device.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrOverconstrained, err)
	}

	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", capture.ErrOverconstrained, device.ID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s did not open", capture.ErrOverconstrained, device.ID)
	}
	if v.width > 0 && v.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(v.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(v.height))
	}

	s := &v4lStream{
		device: device,
		vc:     vc,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run(v.interval)
	return s, nil
}

// selectDevice applies constraints to the enumerated devices. A rear-facing
// request prefers devices labelled as such and otherwise accepts the first.
func selectDevice(devices []capture.Device, c capture.Constraints) (capture.Device, bool) {
	if len(devices) == 0 {
		return capture.Device{}, false
	}
	if c.DeviceID != "" {
		for _, d := range devices {
			if d.ID == c.DeviceID {
				return d, true
			}
		}
		return capture.Device{}, false
	}
	if c.Facing == capture.FacingRear {
		for _, d := range devices {
			label := strings.ToLower(d.Label)
			if strings.Contains(label, "rear") || strings.Contains(label, "back") {
				return d, true
			}
		}
	}
	return devices[0], true
}

// deviceIndex extracts N from /dev/videoN
func deviceIndex(path string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 0, fmt.Errorf("not a video device: %s", path)
	}
	return n, nil
}

// v4lStream keeps the latest decoded frame of a running capture
type v4lStream struct {
	device capture.Device
	vc     *gocv.VideoCapture

	mu     sync.RWMutex
	latest image.Image

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

func (s *v4lStream) run(interval time.Duration) {
	defer close(s.closed)

	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if ok := s.vc.Read(&mat); !ok || mat.Empty() {
			time.Sleep(interval)
			continue
		}
		img, err := mat.ToImage()
		if err != nil {
			slog.Warn("Failed to convert camera frame", "device", s.device.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
	}
}

func (s *v4lStream) Device() capture.Device {
	return s.device
}

func (s *v4lStream) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

func (s *v4lStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.closed
		err = s.vc.Close()
	})
	return err
}
