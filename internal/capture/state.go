package capture

import "github.com/zombor/budget-bear/internal/scanning"

// State is a step of the capture flow
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCaptured
	StateRecognizing
	StateParsed
	StateError
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCaptured:
		return "captured"
	case StateRecognizing:
		return "recognizing"
	case StateParsed:
		return "parsed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a copy of the controller state at one point in time
type Snapshot struct {
	State       State                 `json:"state"`
	Device      *Device               `json:"device,omitempty"`
	Devices     []Device              `json:"devices"`
	Still       *scanning.StillImage  `json:"still,omitempty"`
	Recognition *scanning.Recognition `json:"recognition,omitempty"`
	Result      *scanning.ParseResult `json:"result,omitempty"`
	Err         error                 `json:"-"`
	Error       string                `json:"error,omitempty"`
	Generation  uint64                `json:"generation"`
}

// ParseEmpty reports whether the last capture was recognized but no line
// items were found
func (s Snapshot) ParseEmpty() bool {
	return s.State == StateParsed && s.Result != nil && s.Result.Empty()
}
