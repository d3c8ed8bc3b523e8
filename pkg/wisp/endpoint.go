package wisp

import (
	"fmt"
)

// Negotiated format for every virtual endpoint: 32-bit float stereo at
// 48kHz with a 1024-frame nominal buffer.
const (
	endpointSampleRate   = 48000
	endpointChannels     = 2
	endpointBufferFrames = 1024

	sampleBytes = 4 // 32-bit float samples
	frameBytes  = endpointChannels * sampleBytes
)

// EndpointDescriptor is the configuration of one virtual endpoint. The
// name is the unique key; everything is fixed at creation time.
type EndpointDescriptor struct {
	Name        string
	Description string
	Direction   Direction
}

// EndpointStatus is a point-in-time snapshot of one bound endpoint.
type EndpointStatus struct {
	Name        string
	Description string
	Volume      float32
	Mute        bool
	State       EndpointState
}

// Status reports the current state of the named endpoint.
func (s *Session) Status(name string) (EndpointStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.slots.byName(name)
	if !ok {
		return EndpointStatus{}, fmt.Errorf("endpoint %q: %w", name, ErrEndpointNotFound)
	}

	sl := s.slots.get(index)

	return EndpointStatus{
		Name:        sl.desc.Name,
		Description: sl.desc.Description,
		Volume:      sl.volume,
		Mute:        sl.mute,
		State:       sl.state,
	}, nil
}

// createEndpoint binds a free slot to the descriptor and drives the stream
// to READY or STREAMING. The handle is registered in the slot before the
// connect request goes out, so notifications arriving mid-negotiation find
// their slot. The caller holds opMu.
//
// Returns whether a new slot was actually bound: asking for an already
// bound name is a no-op reporting the existing binding, not an error.
func (s *Session) createEndpoint(desc EndpointDescriptor) (bool, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()

		return false, fmt.Errorf("create endpoint %q: %w", desc.Name, ErrNotInitialized)
	}

	if index, ok := s.slots.byName(desc.Name); ok {
		state := s.slots.get(index).state
		s.mu.Unlock()
		s.logger.Infow("Endpoint already exists, skipping",
			"endpoint", desc.Name,
			"slot", index,
			"state", state.String())

		return false, nil
	}
	s.mu.Unlock()

	handle, err := s.server.CreateStream(StreamSpec{
		Name:         desc.Name,
		Description:  desc.Description,
		Direction:    desc.Direction,
		SampleRate:   endpointSampleRate,
		Channels:     endpointChannels,
		BufferFrames: endpointBufferFrames,
	})
	if err != nil {
		return false, fmt.Errorf("create stream for %q: %w", desc.Name, err)
	}

	s.mu.Lock()
	index, err := s.slots.bind(desc, handle)
	s.mu.Unlock()
	if err != nil {
		if destroyErr := s.server.DestroyStream(handle); destroyErr != nil {
			s.logger.Warnw("Failed to destroy unbound stream", "endpoint", desc.Name, "error", destroyErr)
		}

		return false, err
	}

	if err := s.server.ConnectStream(handle); err != nil {
		s.releaseSlot(index)

		return false, fmt.Errorf("connect stream for %q: %w", desc.Name, err)
	}

	ready := s.pollUntil(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		state := s.slots.get(index).state

		return state == StateReady || state == StateStreaming || state == StateError
	}, s.timeouts.Create)

	s.mu.Lock()
	state := s.slots.get(index).state
	s.mu.Unlock()

	// a half-bound slot must never survive a failed creation
	switch {
	case !ready:
		s.logger.Warnw("Timed out waiting for endpoint to become ready",
			"endpoint", desc.Name,
			"timeout", s.timeouts.Create)
		s.releaseSlot(index)

		return false, fmt.Errorf("endpoint %q not ready: %w", desc.Name, ErrTimeout)

	case state == StateError:
		s.releaseSlot(index)

		return false, fmt.Errorf("endpoint %q: %w", desc.Name, ErrServerRejected)
	}

	s.logger.Infow("Created virtual endpoint",
		"endpoint", desc.Name,
		"direction", desc.Direction.String(),
		"slot", index,
		"state", state.String())

	return true, nil
}

func (s *Session) applyStateChange(ev StreamStateEvent) {
	s.mu.Lock()
	index, ok := s.slots.byHandle(ev.Handle)
	if !ok {
		s.mu.Unlock()
		s.logger.Debugw("State change for unknown stream", "handle", ev.Handle)

		return
	}

	sl := s.slots.get(index)
	sl.state = ev.New
	name := sl.desc.Name
	s.mu.Unlock()

	if ev.New == StateError {
		s.logger.Errorw("Endpoint entered error state",
			"slot", index,
			"endpoint", name,
			"oldState", ev.Old.String(),
			"newState", ev.New.String(),
			"error", ev.Err)

		return
	}

	s.logger.Debugw("Endpoint state changed",
		"slot", index,
		"endpoint", name,
		"oldState", ev.Old.String(),
		"newState", ev.New.String())
}

// handleBufferRequest services one buffer-ready notification. A sink
// endpoint gets silence with the correct frame stride written back; source
// data is passed through untouched and dropped here - this is device
// lifecycle management, not a DSP engine. Failing to answer promptly would
// stall the server-side pipeline, so this path never blocks.
func (s *Session) handleBufferRequest(ev StreamBufferEvent) {
	s.mu.Lock()
	index, ok := s.slots.byHandle(ev.Handle)
	if !ok {
		s.mu.Unlock()

		return
	}
	direction := s.slots.get(index).desc.Direction
	s.mu.Unlock()

	if direction != Sink {
		return
	}

	// whole frames only
	n := ev.Bytes - ev.Bytes%frameBytes
	if n <= 0 {
		return
	}

	if len(s.silence) < n {
		s.silence = make([]byte, n)
	}

	if err := s.server.WriteStream(ev.Handle, s.silence[:n]); err != nil {
		s.logger.Debugw("Failed to write silence buffer", "slot", index, "error", err)
	}
}

// handleStreamGone releases the slot whose stream the server removed.
func (s *Session) handleStreamGone(ev StreamGoneEvent) {
	s.mu.Lock()
	index, ok := s.slots.byHandle(ev.Handle)
	if !ok {
		s.mu.Unlock()

		return
	}

	name := s.slots.get(index).desc.Name
	s.slots.release(index)
	s.mu.Unlock()

	s.logger.Warnw("Endpoint stream removed by server", "slot", index, "endpoint", name)

	if err := s.server.DestroyStream(ev.Handle); err != nil {
		s.logger.Debugw("Failed to destroy removed stream", "endpoint", name, "error", err)
	}
}
