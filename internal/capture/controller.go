package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zombor/budget-bear/internal/scanning"
)

// Confirmation is a parsed capture accepted by the user
type Confirmation struct {
	Still       scanning.StillImage
	Recognition scanning.Recognition
	Items       []scanning.LineItem
}

// Sink persists confirmed captures
type Sink interface {
	// SaveCapture stores a confirmed capture and returns the receipt ID
	SaveCapture(ctx context.Context, c Confirmation) (string, error)
}

// Options tunes a Controller
type Options struct {
	// Language is passed to the recognizer
	Language string
	// Progress observes recognition progress
	Progress scanning.ProgressFunc
}

// Controller drives the capture flow: stream, capture, recognize, parse.
// Transitions are serialized; recognition runs without holding the lock so
// Retake, Close and Snapshot stay responsive while it is in flight.
type Controller struct {
	camera     Camera
	session    *Session
	recognizer scanning.Recognizer
	sink       Sink
	opts       Options

	mu          sync.Mutex
	state       State
	devices     []Device
	device      Device
	still       *scanning.StillImage
	recognition *scanning.Recognition
	result      *scanning.ParseResult
	err         error
	generation  uint64
	inFlight    bool
	cancel      context.CancelFunc
}

// NewController creates a Controller in the Idle state
func NewController(camera Camera, recognizer scanning.Recognizer, sink Sink, opts Options) *Controller {
	return NewControllerWithSession(NewSession(camera), camera, recognizer, sink, opts)
}

// NewControllerWithSession creates a Controller around an existing session
func NewControllerWithSession(session *Session, camera Camera, recognizer scanning.Recognizer, sink Sink, opts Options) *Controller {
	if opts.Language == "" {
		opts.Language = scanning.DefaultLanguage
	}
	return &Controller{
		camera:     camera,
		session:    session,
		recognizer: recognizer,
		sink:       sink,
		opts:       opts,
		state:      StateIdle,
	}
}

// Snapshot returns a copy of the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       c.state,
		Devices:     slices.Clone(c.devices),
		Still:       c.still,
		Recognition: c.recognition,
		Err:         c.err,
		Generation:  c.generation,
	}
	if snap.Devices == nil {
		snap.Devices = []Device{}
	}
	if c.result != nil {
		result := scanning.ParseResult{Items: slices.Clone(c.result.Items)}
		snap.Result = &result
	}
	if c.device.ID != "" {
		device := c.device
		snap.Device = &device
	}
	if c.err != nil {
		snap.Error = c.err.Error()
	}
	return snap
}

// Devices refreshes and returns the list of capture devices
func (c *Controller) Devices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices, err := ListDevices(ctx, c.camera)
	if err != nil {
		return nil, err
	}
	c.devices = devices
	return slices.Clone(devices), nil
}

// Start opens a stream on the current device, or the first one enumerated
func (c *Controller) Start(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle && c.state != StateError {
		return c.snapshotLocked(), invalidTransition("start", c.state)
	}

	c.abandonLocked()
	c.resetCaptureLocked()
	err := c.openLocked(ctx, c.device.ID)
	return c.snapshotLocked(), err
}

// Flip switches the stream to the next enumerated device. With a single
// device it does nothing.
func (c *Controller) Flip(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return c.snapshotLocked(), invalidTransition("flip", c.state)
	}

	devices, err := ListDevices(ctx, c.camera)
	if err != nil {
		c.failLocked("flip", err)
		return c.snapshotLocked(), err
	}
	c.devices = devices
	if len(devices) == 0 {
		c.session.Close()
		c.failLocked("flip", ErrNoDevices)
		return c.snapshotLocked(), ErrNoDevices
	}

	next := NextDevice(c.device.ID, devices)
	if next == c.device.ID {
		return c.snapshotLocked(), nil
	}

	device, err := c.session.Open(ctx, next)
	if err != nil {
		c.failLocked("flip", err)
		return c.snapshotLocked(), err
	}
	c.device = device
	slog.Info("Flipped camera", "device", device.ID)
	return c.snapshotLocked(), nil
}

// Capture grabs a still, recognizes it and parses the line items. It blocks
// the caller until recognition finishes. If the capture is superseded by
// Retake or Close in the meantime, its result is discarded and
// ErrCaptureAbandoned is returned.
func (c *Controller) Capture(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.inFlight {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrRecognitionInFlight
	}
	if c.state != StateStreaming {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, invalidTransition("capture", c.state)
	}

	still, err := c.session.GrabFrame()
	if err != nil {
		c.failLocked("capture", err)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}

	c.generation++
	gen := c.generation
	c.still = &still
	c.state = StateCaptured

	recCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.inFlight = true
	c.state = StateRecognizing
	c.mu.Unlock()

	slog.Info("Recognizing capture", "generation", gen, "device", still.DeviceID, "width", still.Width, "height", still.Height)
	recognition, err := c.recognizer.Recognize(recCtx, still, scanning.RecognizeOptions{
		Language: c.opts.Language,
		Progress: c.progressFunc(gen),
	})
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		slog.Info("Discarding stale recognition", "generation", gen, "current", c.generation)
		return c.snapshotLocked(), ErrCaptureAbandoned
	}
	c.inFlight = false
	c.cancel = nil

	if err == nil && recognition == nil {
		err = fmt.Errorf("%w: recognizer returned no result", ErrRecognitionFailed)
	}
	if err != nil {
		if !errors.Is(err, ErrRecognitionFailed) {
			err = fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
		}
		c.failLocked("recognize", err)
		return c.snapshotLocked(), err
	}

	result := scanning.ParseLineItems(recognition.RawText)
	c.recognition = recognition
	c.result = &result
	c.state = StateParsed
	slog.Info("Parsed capture", "generation", gen, "items", len(result.Items), "empty", result.Empty())
	return c.snapshotLocked(), nil
}

// Retake discards the current capture and returns to streaming, reopening
// the stream if it was lost
func (c *Controller) Retake(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStreaming:
		return c.snapshotLocked(), nil
	case StateCaptured, StateRecognizing, StateParsed, StateError:
	default:
		return c.snapshotLocked(), invalidTransition("retake", c.state)
	}

	c.abandonLocked()
	c.resetCaptureLocked()
	if c.session.Active() {
		c.state = StateStreaming
		return c.snapshotLocked(), nil
	}
	err := c.openLocked(ctx, c.device.ID)
	return c.snapshotLocked(), err
}

// Confirm hands the parsed capture to the sink and starts a new capture
// cycle. A nil items slice confirms the parsed items unchanged.
func (c *Controller) Confirm(ctx context.Context, items []scanning.LineItem) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateParsed {
		return "", invalidTransition("confirm", c.state)
	}
	if c.sink == nil {
		return "", ErrNoSink
	}
	if items == nil {
		items = c.result.Items
	}

	id, err := c.sink.SaveCapture(ctx, Confirmation{
		Still:       *c.still,
		Recognition: *c.recognition,
		Items:       slices.Clone(items),
	})
	if err != nil {
		slog.Error("Failed to save capture", "generation", c.generation, "error", err)
		return "", fmt.Errorf("saving capture: %w", err)
	}
	slog.Info("Capture confirmed", "receipt", id, "items", len(items))

	c.abandonLocked()
	c.resetCaptureLocked()
	if c.session.Active() {
		c.state = StateStreaming
		return id, nil
	}
	if err := c.openLocked(ctx, c.device.ID); err != nil {
		slog.Warn("Failed to reopen stream after confirm", "error", err)
	}
	return id, nil
}

// Close tears down the stream and returns to Idle. Any recognition in flight
// is cancelled and its result discarded.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abandonLocked()
	c.resetCaptureLocked()
	c.state = StateIdle
	return c.session.Close()
}

// openLocked enumerates devices and opens a stream on preferred, or on the
// first device when preferred is no longer present
func (c *Controller) openLocked(ctx context.Context, preferred string) error {
	devices, err := ListDevices(ctx, c.camera)
	if err != nil {
		c.failLocked("open", err)
		return err
	}
	c.devices = devices
	if len(devices) == 0 {
		c.session.Close()
		c.failLocked("open", ErrNoDevices)
		return ErrNoDevices
	}

	target, ok := findDevice(devices, preferred)
	if !ok {
		target = devices[0]
	}

	device, err := c.session.Open(ctx, target.ID)
	if err != nil {
		c.failLocked("open", err)
		return err
	}
	c.device = device
	c.err = nil
	c.state = StateStreaming
	return nil
}

// abandonLocked invalidates any recognition in flight
func (c *Controller) abandonLocked() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight = false
}

func (c *Controller) resetCaptureLocked() {
	c.still = nil
	c.recognition = nil
	c.result = nil
	c.err = nil
}

func (c *Controller) failLocked(op string, err error) {
	slog.Error("Capture pipeline error", "op", op, "state", c.state, "error", err)
	c.state = StateError
	c.err = err
}

// progressFunc logs recognition progress and forwards it to the configured observer
func (c *Controller) progressFunc(gen uint64) scanning.ProgressFunc {
	return func(stage string, fraction float64) {
		slog.Debug("Recognition progress", "generation", gen, "stage", stage, "fraction", fraction)
		if c.opts.Progress != nil {
			c.opts.Progress(stage, fraction)
		}
	}
}
