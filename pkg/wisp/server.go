package wisp

// Direction determines whether an endpoint is exposed to the audio server
// as a playback target (sink) or a capture device (source).
type Direction int

const (
	Sink Direction = iota
	Source
)

func (d Direction) String() string {
	if d == Source {
		return "source"
	}

	return "sink"
}

// ControlKind is a continuously adjustable stream control, settable
// independently of the negotiated audio format.
type ControlKind int

const (
	ControlVolume ControlKind = iota
	ControlMute
)

func (k ControlKind) String() string {
	if k == ControlMute {
		return "mute"
	}

	return "volume"
}

// EndpointState mirrors the server-side stream lifecycle.
type EndpointState int

const (
	StateUnconnected EndpointState = iota
	StateConnecting

	// StateReady is the server-side "paused" state: the stream accepts
	// control changes but isn't producing or consuming samples yet.
	StateReady

	StateStreaming

	// StateError is terminal for a slot unless the endpoint is recreated.
	StateError
)

func (s EndpointState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unconnected"
	}
}

// StreamHandle is an opaque token identifying one server-side stream. It is
// only meaningful to the AudioServer that issued it.
type StreamHandle uint32

// StreamSpec declares the properties a stream is created with. They are
// fixed at creation time and immutable thereafter.
type StreamSpec struct {
	Name         string
	Description  string
	Direction    Direction
	SampleRate   int
	Channels     int
	BufferFrames int
}

// DeviceInfo describes one sink or source currently known to the server.
type DeviceInfo struct {
	Name        string
	Description string
	Direction   Direction
}

// Event is a notification delivered by the AudioServer. Implementations may
// deliver events on their own reader goroutine, so consumers must guard any
// shared state they mutate from the listener.
type Event interface{}

// DoneEvent completes an earlier Sync request.
type DoneEvent struct{}

// ConnectionErrorEvent reports a connection-level problem.
type ConnectionErrorEvent struct {
	Err error
}

// StreamStateEvent reports a server-driven stream state transition.
type StreamStateEvent struct {
	Handle StreamHandle
	Old    EndpointState
	New    EndpointState
	Err    string
}

// StreamControlEvent reports the server-confirmed value of a control.
type StreamControlEvent struct {
	Handle StreamHandle
	Kind   ControlKind
	Value  float32
}

// StreamBufferEvent asks for (sink) or announces (source) stream data.
type StreamBufferEvent struct {
	Handle StreamHandle
	Bytes  int
}

// StreamGoneEvent reports that the server removed the stream object.
type StreamGoneEvent struct {
	Handle StreamHandle
}

// AudioServer is the client-side surface of the external audio server: the
// connection, the stream object lifecycle, the control-set primitive and
// the asynchronous notification channel. The session consumes it and the
// tests substitute a scripted fake for it.
type AudioServer interface {
	Connect() error
	Disconnect() error

	// Sync requests a server round trip; completion arrives asynchronously
	// as a DoneEvent (or a ConnectionErrorEvent).
	Sync() error

	// CreateStream allocates the stream object without connecting it, so
	// the handle can be registered before negotiation starts.
	CreateStream(spec StreamSpec) (StreamHandle, error)
	ConnectStream(handle StreamHandle) error
	DisconnectStream(handle StreamHandle) error
	DestroyStream(handle StreamHandle) error
	StreamState(handle StreamHandle) (EndpointState, error)

	SetControl(handle StreamHandle, kind ControlKind, value float32) error
	WriteStream(handle StreamHandle, data []byte) error

	ListDevices() ([]DeviceInfo, error)

	// RemoveStreamListener stops event delivery for one handle. It is
	// called ahead of teardown so callbacks can't fire into a slot that is
	// being released.
	RemoveStreamListener(handle StreamHandle)
	SetListener(fn func(Event))
}
