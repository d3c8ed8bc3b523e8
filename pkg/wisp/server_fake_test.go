package wisp

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fakeServer is a scripted in-memory AudioServer. Everything happens
// synchronously on the caller's goroutine, which keeps the tests
// deterministic; emitted events go through the same listener path the real
// adapter uses.
type fakeServer struct {
	mu         sync.Mutex
	listener   func(Event)
	streams    map[StreamHandle]*fakeStream
	nextHandle StreamHandle

	connectCalls    int
	syncCalls       int
	setControlCalls int
	writeCalls      int
	lastWrite       []byte

	// scripting knobs
	connectErr      error
	autoSyncDone    bool
	confirmControls bool
	rejectNames     map[string]bool
	createErrFor    map[string]error
	hangNames       map[string]bool
}

type fakeStream struct {
	spec     StreamSpec
	state    EndpointState
	detached bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		streams:         make(map[StreamHandle]*fakeStream),
		autoSyncDone:    true,
		confirmControls: true,
		rejectNames:     map[string]bool{},
		createErrFor:    map[string]error{},
		hangNames:       map[string]bool{},
	}
}

func (fs *fakeServer) Connect() error {
	fs.mu.Lock()
	fs.connectCalls++
	err := fs.connectErr
	fs.mu.Unlock()

	return err
}

func (fs *fakeServer) Disconnect() error {
	fs.mu.Lock()
	fs.streams = make(map[StreamHandle]*fakeStream)
	fs.mu.Unlock()

	return nil
}

func (fs *fakeServer) Sync() error {
	fs.mu.Lock()
	fs.syncCalls++
	done := fs.autoSyncDone
	fs.mu.Unlock()

	if done {
		fs.emit(DoneEvent{})
	}

	return nil
}

func (fs *fakeServer) CreateStream(spec StreamSpec) (StreamHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err, ok := fs.createErrFor[spec.Name]; ok {
		return 0, err
	}

	fs.nextHandle++
	handle := fs.nextHandle
	fs.streams[handle] = &fakeStream{spec: spec, state: StateUnconnected}

	return handle, nil
}

func (fs *fakeServer) ConnectStream(handle StreamHandle) error {
	fs.mu.Lock()
	st, ok := fs.streams[handle]
	if !ok {
		fs.mu.Unlock()

		return fmt.Errorf("connect stream %d: %w", handle, ErrEndpointNotFound)
	}
	spec := st.spec
	fs.mu.Unlock()

	fs.transition(handle, StateConnecting, "")

	if fs.rejectNames[spec.Name] {
		fs.transition(handle, StateError, "module creation refused")

		return nil
	}

	if fs.hangNames[spec.Name] {
		// never progresses past connecting
		return nil
	}

	fs.transition(handle, StateReady, "")

	if spec.Direction == Source {
		fs.transition(handle, StateStreaming, "")
	}

	return nil
}

func (fs *fakeServer) DisconnectStream(handle StreamHandle) error {
	fs.mu.Lock()
	st, ok := fs.streams[handle]
	if !ok {
		fs.mu.Unlock()

		return fmt.Errorf("disconnect stream %d: %w", handle, ErrEndpointNotFound)
	}
	hang := fs.hangNames[st.spec.Name]
	if !hang {
		st.state = StateUnconnected
	}
	fs.mu.Unlock()

	return nil
}

func (fs *fakeServer) DestroyStream(handle StreamHandle) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.streams, handle)

	return nil
}

func (fs *fakeServer) StreamState(handle StreamHandle) (EndpointState, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, ok := fs.streams[handle]
	if !ok {
		return StateUnconnected, fmt.Errorf("stream %d: %w", handle, ErrEndpointNotFound)
	}

	return st.state, nil
}

func (fs *fakeServer) SetControl(handle StreamHandle, kind ControlKind, value float32) error {
	fs.mu.Lock()
	fs.setControlCalls++
	_, ok := fs.streams[handle]
	confirm := fs.confirmControls
	fs.mu.Unlock()

	if !ok {
		return fmt.Errorf("set control on stream %d: %w", handle, ErrEndpointNotFound)
	}

	if confirm {
		fs.emit(StreamControlEvent{Handle: handle, Kind: kind, Value: value})
	}

	return nil
}

func (fs *fakeServer) WriteStream(handle StreamHandle, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.writeCalls++
	fs.lastWrite = append([]byte(nil), data...)

	return nil
}

func (fs *fakeServer) ListDevices() ([]DeviceInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	devices := []DeviceInfo{}
	for _, st := range fs.streams {
		devices = append(devices, DeviceInfo{
			Name:        st.spec.Name,
			Description: st.spec.Description,
			Direction:   st.spec.Direction,
		})
	}

	return devices, nil
}

func (fs *fakeServer) RemoveStreamListener(handle StreamHandle) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if st, ok := fs.streams[handle]; ok {
		st.detached = true
	}
}

func (fs *fakeServer) SetListener(fn func(Event)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.listener = fn
}

func (fs *fakeServer) transition(handle StreamHandle, state EndpointState, errMsg string) {
	fs.mu.Lock()
	st, ok := fs.streams[handle]
	if !ok {
		fs.mu.Unlock()

		return
	}
	old := st.state
	st.state = state
	detached := st.detached
	fs.mu.Unlock()

	if detached {
		return
	}

	fs.emit(StreamStateEvent{Handle: handle, Old: old, New: state, Err: errMsg})
}

func (fs *fakeServer) emit(ev Event) {
	fs.mu.Lock()
	fn := fs.listener
	fs.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

func (fs *fakeServer) handleByName(name string) (StreamHandle, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for handle, st := range fs.streams {
		if st.spec.Name == name {
			return handle, true
		}
	}

	return 0, false
}

func (fs *fakeServer) streamCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return len(fs.streams)
}

// newTestSession wires a session over the fake with timeouts short enough
// for the deliberately-timing-out tests to stay fast.
func newTestSession(fs *fakeServer, capacity int) *Session {
	s := NewSession(zap.NewNop().Sugar(), fs, capacity)
	s.timeouts = timeouts{
		Connect:     100 * time.Millisecond,
		Create:      100 * time.Millisecond,
		Control:     50 * time.Millisecond,
		Teardown:    50 * time.Millisecond,
		Batch:       time.Second,
		CreatePause: 0,
	}

	return s
}
