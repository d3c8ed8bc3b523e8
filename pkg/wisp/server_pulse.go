package wisp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// volumeNorm is the protocol volume for 100% (no attenuation).
const volumeNorm = 0x10000

// pulseServer implements AudioServer over the native PulseAudio protocol.
// Sink endpoints are exposed as playback streams (sink inputs), source
// endpoints as record streams (source outputs). Control confirmations are
// observed by re-querying the object whenever the server publishes a change
// event for it.
type pulseServer struct {
	logger *zap.SugaredLogger

	// addr is the server address; empty means the default server lookup.
	addr string

	mu         sync.Mutex
	client     *proto.Client
	conn       net.Conn
	listener   func(Event)
	streams    map[StreamHandle]*pulseStream
	nextHandle StreamHandle
}

// pulseStream is the adapter-side record of one stream object.
type pulseStream struct {
	spec  StreamSpec
	state EndpointState

	// streamIndex is the local protocol channel of the stream; ownerIndex
	// is the server-side sink-input or source-output object index. Both are
	// meaningless until the create reply assigns them - channel 0 is a real
	// index, so the zero value must not be matchable.
	streamIndex uint32
	ownerIndex  uint32
	assigned    bool

	// detached suppresses event delivery once the listener was removed.
	detached bool
}

// NewPulseServer creates an adapter for the PulseAudio server at addr; an
// empty addr uses the environment's default server.
func NewPulseServer(logger *zap.SugaredLogger, addr string) *pulseServer {
	return &pulseServer{
		logger:  logger.Named("pulse"),
		addr:    addr,
		streams: make(map[StreamHandle]*pulseStream),
	}
}

func (ps *pulseServer) Connect() error {
	client, conn, err := proto.Connect(ps.addr)
	if err != nil {
		ps.logger.Warnw("Failed to establish PulseAudio connection", "error", err)

		return fmt.Errorf("establish PulseAudio connection: %v: %w", err, ErrConnectionLost)
	}

	client.Callback = ps.dispatch

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("wisp"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()

		return ps.wrapRequestErr("set client name", err)
	}

	// control confirmations ride on change events for our stream objects
	err = client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskSourceInput,
	}, nil)
	if err != nil {
		_ = conn.Close()

		return ps.wrapRequestErr("subscribe to change events", err)
	}

	ps.mu.Lock()
	ps.client = client
	ps.conn = conn
	ps.mu.Unlock()

	ps.logger.Debugw("Connected to PulseAudio server", "client", reply.ClientIndex)

	return nil
}

func (ps *pulseServer) Disconnect() error {
	ps.mu.Lock()
	conn := ps.conn
	ps.client = nil
	ps.conn = nil
	ps.streams = make(map[StreamHandle]*pulseStream)
	ps.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	ps.logger.Debug("Disconnected from PulseAudio server")

	return nil
}

// Sync issues a lightweight round trip; the reply surfaces as a DoneEvent
// so the caller can observe it through the event loop like any other
// notification.
func (ps *pulseServer) Sync() error {
	client, err := ps.clientRef()
	if err != nil {
		return err
	}

	go func() {
		request := proto.GetServerInfo{}
		reply := proto.GetServerInfoReply{}

		if err := client.Request(&request, &reply); err != nil {
			ps.emit(ConnectionErrorEvent{Err: ps.wrapRequestErr("server sync", err)})

			return
		}

		ps.emit(DoneEvent{})
	}()

	return nil
}

// CreateStream allocates the stream object locally; the wire request is
// deferred to ConnectStream so the caller can register the handle first.
func (ps *pulseServer) CreateStream(spec StreamSpec) (StreamHandle, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.client == nil {
		return 0, fmt.Errorf("create stream: %w", ErrConnectionLost)
	}

	ps.nextHandle++
	handle := ps.nextHandle
	ps.streams[handle] = &pulseStream{spec: spec, state: StateUnconnected}

	return handle, nil
}

func (ps *pulseServer) ConnectStream(handle StreamHandle) error {
	ps.mu.Lock()
	st, ok := ps.streams[handle]
	if !ok {
		ps.mu.Unlock()

		return fmt.Errorf("connect stream %d: %w", handle, ErrEndpointNotFound)
	}
	spec := st.spec
	ps.mu.Unlock()

	ps.setState(handle, StateConnecting, "")

	// negotiation runs off-thread; progress arrives as state events
	go ps.connectStream(handle, spec)

	return nil
}

func (ps *pulseServer) connectStream(handle StreamHandle, spec StreamSpec) {
	client, err := ps.clientRef()
	if err != nil {
		ps.setState(handle, StateError, err.Error())

		return
	}

	props := proto.PropList{
		"media.name":       proto.PropListString(spec.Description),
		"node.name":        proto.PropListString(spec.Name),
		"node.description": proto.PropListString(spec.Description),
		"node.virtual":     proto.PropListString("1"),
		"node.network":     proto.PropListString("1"),
	}

	sampleSpec := proto.SampleSpec{
		Format:   proto.FormatFloat32LE,
		Channels: uint8(spec.Channels),
		Rate:     uint32(spec.SampleRate),
	}

	channelMap := proto.ChannelMap{proto.ChannelLeft, proto.ChannelRight}
	targetBytes := uint32(spec.BufferFrames * spec.Channels * sampleBytes)

	if spec.Direction == Sink {
		request := proto.CreatePlaybackStream{
			SampleSpec:            sampleSpec,
			ChannelMap:            channelMap,
			SinkIndex:             proto.Undefined,
			BufferMaxLength:       4 * targetBytes,
			BufferTargetLength:    targetBytes,
			BufferPrebufferLength: targetBytes,
			BufferMinimumRequest:  proto.Undefined,
			ChannelVolumes:        volumeToChannels(1, spec.Channels),
			VolumeSet:             true,
			AdjustLatency:         true,
			Properties:            props,
		}
		reply := proto.CreatePlaybackStreamReply{}

		if err := client.Request(&request, &reply); err != nil {
			ps.setState(handle, StateError, err.Error())

			return
		}

		ps.mu.Lock()
		if st, ok := ps.streams[handle]; ok {
			st.streamIndex = reply.StreamIndex
			st.ownerIndex = reply.SinkInputIndex
			st.assigned = true
		}
		ps.mu.Unlock()

		// playback streams report STREAMING once the server starts pulling
		// data (Started / first request)
		ps.setState(handle, StateReady, "")

		return
	}

	request := proto.CreateRecordStream{
		SampleSpec:      sampleSpec,
		ChannelMap:      channelMap,
		SourceIndex:     proto.Undefined,
		BufferMaxLength: 4 * targetBytes,
		BufferFragSize:  targetBytes,
		AdjustLatency:   true,
		Properties:      props,
	}
	reply := proto.CreateRecordStreamReply{}

	if err := client.Request(&request, &reply); err != nil {
		ps.setState(handle, StateError, err.Error())

		return
	}

	ps.mu.Lock()
	if st, ok := ps.streams[handle]; ok {
		st.streamIndex = reply.StreamIndex
		st.ownerIndex = reply.SourceOutputIndex
		st.assigned = true
	}
	ps.mu.Unlock()

	// record streams run as soon as the server accepts them
	ps.setState(handle, StateReady, "")
	ps.setState(handle, StateStreaming, "")
}

func (ps *pulseServer) DisconnectStream(handle StreamHandle) error {
	client, err := ps.clientRef()
	if err != nil {
		return err
	}

	ps.mu.Lock()
	st, ok := ps.streams[handle]
	if !ok {
		ps.mu.Unlock()

		return fmt.Errorf("disconnect stream %d: %w", handle, ErrEndpointNotFound)
	}
	streamIndex := st.streamIndex
	direction := st.spec.Direction
	connected := st.state == StateReady || st.state == StateStreaming
	ps.mu.Unlock()

	if !connected {
		ps.setState(handle, StateUnconnected, "")

		return nil
	}

	if direction == Sink {
		err = client.Request(&proto.DeletePlaybackStream{StreamIndex: streamIndex}, nil)
	} else {
		err = client.Request(&proto.DeleteRecordStream{StreamIndex: streamIndex}, nil)
	}
	if err != nil {
		return ps.wrapRequestErr("delete stream", err)
	}

	ps.setState(handle, StateUnconnected, "")

	return nil
}

func (ps *pulseServer) DestroyStream(handle StreamHandle) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.streams, handle)

	return nil
}

func (ps *pulseServer) StreamState(handle StreamHandle) (EndpointState, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	st, ok := ps.streams[handle]
	if !ok {
		return StateUnconnected, fmt.Errorf("stream %d: %w", handle, ErrEndpointNotFound)
	}

	return st.state, nil
}

func (ps *pulseServer) SetControl(handle StreamHandle, kind ControlKind, value float32) error {
	client, err := ps.clientRef()
	if err != nil {
		return err
	}

	ps.mu.Lock()
	st, ok := ps.streams[handle]
	if !ok {
		ps.mu.Unlock()

		return fmt.Errorf("set control on stream %d: %w", handle, ErrEndpointNotFound)
	}
	ownerIndex := st.ownerIndex
	direction := st.spec.Direction
	channels := st.spec.Channels
	ps.mu.Unlock()

	var request proto.RequestArgs

	switch {
	case kind == ControlVolume && direction == Sink:
		request = &proto.SetSinkInputVolume{
			SinkInputIndex: ownerIndex,
			ChannelVolumes: volumeToChannels(value, channels),
		}
	case kind == ControlVolume:
		request = &proto.SetSourceOutputVolume{
			SourceOutputIndex: ownerIndex,
			ChannelVolumes:    volumeToChannels(value, channels),
		}
	case direction == Sink:
		request = &proto.SetSinkInputMute{
			SinkInputIndex: ownerIndex,
			Mute:           value != 0,
		}
	default:
		request = &proto.SetSourceOutputMute{
			SourceOutputIndex: ownerIndex,
			Mute:              value != 0,
		}
	}

	if err := client.Request(request, nil); err != nil {
		return ps.wrapRequestErr(fmt.Sprintf("set %s", kind), err)
	}

	return nil
}

func (ps *pulseServer) WriteStream(handle StreamHandle, data []byte) error {
	client, err := ps.clientRef()
	if err != nil {
		return err
	}

	ps.mu.Lock()
	st, ok := ps.streams[handle]
	if !ok {
		ps.mu.Unlock()

		return fmt.Errorf("write stream %d: %w", handle, ErrEndpointNotFound)
	}
	streamIndex := st.streamIndex
	ps.mu.Unlock()

	if err := client.Send(streamIndex, data); err != nil {
		return fmt.Errorf("send stream data: %v: %w", err, ErrConnectionLost)
	}

	return nil
}

func (ps *pulseServer) ListDevices() ([]DeviceInfo, error) {
	client, err := ps.clientRef()
	if err != nil {
		return nil, err
	}

	sinks := proto.GetSinkInfoListReply{}
	if err := client.Request(&proto.GetSinkInfoList{}, &sinks); err != nil {
		return nil, ps.wrapRequestErr("get sink list", err)
	}

	sources := proto.GetSourceInfoListReply{}
	if err := client.Request(&proto.GetSourceInfoList{}, &sources); err != nil {
		return nil, ps.wrapRequestErr("get source list", err)
	}

	devices := make([]DeviceInfo, 0, len(sinks)+len(sources))
	for _, info := range sinks {
		devices = append(devices, DeviceInfo{
			Name:        info.SinkName,
			Description: info.Device,
			Direction:   Sink,
		})
	}
	for _, info := range sources {
		devices = append(devices, DeviceInfo{
			Name:        info.SourceName,
			Description: info.Device,
			Direction:   Source,
		})
	}

	return devices, nil
}

func (ps *pulseServer) RemoveStreamListener(handle StreamHandle) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if st, ok := ps.streams[handle]; ok {
		st.detached = true
	}
}

func (ps *pulseServer) SetListener(fn func(Event)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.listener = fn
}

// dispatch translates asynchronous wire messages into AudioServer events.
// It runs on the protocol reader goroutine, so any re-query it needs is
// pushed to a fresh goroutine - a blocking Request here would deadlock the
// reply reader.
func (ps *pulseServer) dispatch(msg interface{}) {
	switch msg := msg.(type) {
	case *proto.Request:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Sink); ok {
			ps.markStreaming(handle)
			ps.emitStream(handle, StreamBufferEvent{Handle: handle, Bytes: int(msg.Length)})
		}

	case *proto.DataPacket:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Source); ok {
			ps.emitStream(handle, StreamBufferEvent{Handle: handle, Bytes: len(msg.Data)})
		}

	case *proto.Started:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Sink); ok {
			ps.setState(handle, StateStreaming, "")
		}

	case *proto.PlaybackStreamKilled:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Sink); ok {
			ps.setState(handle, StateError, "playback stream killed by server")
		}

	case *proto.RecordStreamKilled:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Source); ok {
			ps.setState(handle, StateError, "record stream killed by server")
		}

	case *proto.PlaybackStreamSuspended:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Sink); ok {
			ps.applySuspended(handle, msg.Suspended)
		}

	case *proto.RecordStreamSuspended:
		if handle, ok := ps.handleByStreamIndex(msg.StreamIndex, Source); ok {
			ps.applySuspended(handle, msg.Suspended)
		}

	case *proto.SubscribeEvent:
		ps.dispatchSubscribeEvent(msg)
	}
}

func (ps *pulseServer) dispatchSubscribeEvent(msg *proto.SubscribeEvent) {
	var direction Direction

	switch msg.Event & proto.EventFacilityMask {
	case proto.EventSinkSinkInput:
		direction = Sink
	case proto.EventSinkSourceOutput:
		direction = Source
	default:
		return
	}

	handle, ok := ps.handleByOwnerIndex(msg.Index, direction)
	if !ok {
		return
	}

	switch msg.Event.GetType() {
	case proto.EventChange:
		// re-query off the reader goroutine; the result comes back as
		// control-info events
		go ps.queryControls(handle, msg.Index, direction)

	case proto.EventRemove:
		ps.emitStream(handle, StreamGoneEvent{Handle: handle})
	}
}

func (ps *pulseServer) queryControls(handle StreamHandle, ownerIndex uint32, direction Direction) {
	client, err := ps.clientRef()
	if err != nil {
		return
	}

	var volumes proto.ChannelVolumes
	var muted bool

	if direction == Sink {
		request := proto.GetSinkInputInfo{SinkInputIndex: ownerIndex}
		reply := proto.GetSinkInputInfoReply{}

		if err := client.Request(&request, &reply); err != nil {
			ps.logger.Warnw("Failed to query sink input controls", "sinkInputIndex", ownerIndex, "error", err)

			return
		}

		volumes, muted = reply.ChannelVolumes, reply.Muted
	} else {
		request := proto.GetSourceOutputInfo{SourceOutpuIndex: ownerIndex}
		reply := proto.GetSourceOutputInfoReply{}

		if err := client.Request(&request, &reply); err != nil {
			ps.logger.Warnw("Failed to query source output controls", "sourceOutputIndex", ownerIndex, "error", err)

			return
		}

		volumes, muted = reply.ChannelVolumes, reply.Muted
	}

	ps.emitStream(handle, StreamControlEvent{
		Handle: handle,
		Kind:   ControlVolume,
		Value:  volumeFromChannels(volumes),
	})

	muteValue := float32(0)
	if muted {
		muteValue = 1
	}

	ps.emitStream(handle, StreamControlEvent{
		Handle: handle,
		Kind:   ControlMute,
		Value:  muteValue,
	})
}

func (ps *pulseServer) setState(handle StreamHandle, state EndpointState, errMsg string) {
	ps.mu.Lock()
	st, ok := ps.streams[handle]
	if !ok {
		ps.mu.Unlock()

		return
	}
	old := st.state
	st.state = state
	ps.mu.Unlock()

	if old == state {
		return
	}

	ps.emitStream(handle, StreamStateEvent{Handle: handle, Old: old, New: state, Err: errMsg})
}

// markStreaming promotes a ready playback stream when the server starts
// asking for data, in case the Started message was missed.
func (ps *pulseServer) markStreaming(handle StreamHandle) {
	ps.mu.Lock()
	st, ok := ps.streams[handle]
	ready := ok && st.state == StateReady
	ps.mu.Unlock()

	if ready {
		ps.setState(handle, StateStreaming, "")
	}
}

func (ps *pulseServer) applySuspended(handle StreamHandle, suspended bool) {
	if suspended {
		ps.setState(handle, StateReady, "")
	} else {
		ps.setState(handle, StateStreaming, "")
	}
}

func (ps *pulseServer) handleByStreamIndex(streamIndex uint32, direction Direction) (StreamHandle, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for handle, st := range ps.streams {
		if st.assigned && st.spec.Direction == direction && st.streamIndex == streamIndex && st.state != StateUnconnected {
			return handle, true
		}
	}

	return 0, false
}

func (ps *pulseServer) handleByOwnerIndex(ownerIndex uint32, direction Direction) (StreamHandle, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for handle, st := range ps.streams {
		if st.assigned && st.spec.Direction == direction && st.ownerIndex == ownerIndex && st.state != StateUnconnected {
			return handle, true
		}
	}

	return 0, false
}

func (ps *pulseServer) clientRef() (*proto.Client, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.client == nil {
		return nil, fmt.Errorf("no server connection: %w", ErrConnectionLost)
	}

	return ps.client, nil
}

// emit hands an event to the listener without holding the adapter lock.
func (ps *pulseServer) emit(ev Event) {
	ps.mu.Lock()
	fn := ps.listener
	ps.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// emitStream is emit gated on the stream still having its listener.
func (ps *pulseServer) emitStream(handle StreamHandle, ev Event) {
	ps.mu.Lock()
	st, ok := ps.streams[handle]
	detached := !ok || st.detached
	fn := ps.listener
	ps.mu.Unlock()

	if detached || fn == nil {
		return
	}

	fn(ev)
}

// wrapRequestErr distinguishes a server error reply (rejection) from a
// transport failure (connection lost); the two have different blast radius
// for the caller.
func (ps *pulseServer) wrapRequestErr(op string, err error) error {
	var protoErr proto.Error
	if errors.As(err, &protoErr) {
		return fmt.Errorf("%s: %v: %w", op, protoErr, ErrServerRejected)
	}

	return fmt.Errorf("%s: %v: %w", op, err, ErrConnectionLost)
}

func volumeToChannels(value float32, channels int) proto.ChannelVolumes {
	volumes := make(proto.ChannelVolumes, channels)
	volume := uint32(value * volumeNorm)

	for i := range volumes {
		volumes[i] = volume
	}

	return volumes
}

func volumeFromChannels(volumes proto.ChannelVolumes) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var total uint64
	for _, v := range volumes {
		total += uint64(v)
	}

	value := float32(total/uint64(len(volumes))) / float32(volumeNorm)
	if value > 1 {
		value = 1
	}

	return value
}
