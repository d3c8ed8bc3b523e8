package wisp

import (
	"fmt"
)

// SetVolume applies a volume in [0.0, 1.0] to the named endpoint and waits
// for the server to confirm the change.
func (s *Session) SetVolume(name string, value float32) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("volume %v outside [0.0, 1.0]: %w", value, ErrInvalidArgument)
	}

	return s.setControl(name, ControlVolume, value)
}

// SetMute applies a mute state to the named endpoint and waits for the
// server to confirm the change.
func (s *Session) SetMute(name string, mute bool) error {
	value := float32(0)
	if mute {
		value = 1
	}

	return s.setControl(name, ControlMute, value)
}

// setControl records the slot's current value, issues the control-set
// request, then waits for the control-info notification handler to move the
// stored value off the recorded one. A confirmation timeout is soft: the
// server accepted the request and remains the source of truth for the
// eventual value, so the operation still reports success.
//
// A request for the already-stored value never produces a change
// notification and rides out the full timeout before returning; callers
// should treat a no-op set as a slow-but-successful path.
func (s *Session) setControl(name string, kind ControlKind, value float32) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()

		return fmt.Errorf("set %s: %w", kind, ErrNotInitialized)
	}

	index, ok := s.slots.byName(name)
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("endpoint %q: %w", name, ErrEndpointNotFound)
	}

	sl := s.slots.get(index)
	handle := sl.handle
	old := sl.controlValue(kind)
	s.mu.Unlock()

	if err := s.server.SetControl(handle, kind, value); err != nil {
		return fmt.Errorf("set %s on %q: %w", kind, name, err)
	}

	confirmed := s.pollUntil(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		sl := s.slots.get(index)

		return sl.bound && sl.controlValue(kind) != old
	}, s.timeouts.Control)

	if !confirmed {
		s.logger.Warnw("Timed out waiting for control change confirmation",
			"endpoint", name,
			"control", kind.String(),
			"value", value,
			"timeout", s.timeouts.Control)

		// adopt the accepted request as the last-requested value
		s.mu.Lock()
		if sl := s.slots.get(index); sl.bound {
			sl.setControlValue(kind, value)
		}
		s.mu.Unlock()
	}

	s.logger.Debugw("Set endpoint control",
		"endpoint", name,
		"control", kind.String(),
		"value", value,
		"confirmed", confirmed)

	return nil
}

// applyControlInfo stores a server-confirmed control value. It is the only
// writer of slot control state besides the soft-timeout fallback above.
func (s *Session) applyControlInfo(ev StreamControlEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.slots.byHandle(ev.Handle)
	if !ok {
		return
	}

	s.slots.get(index).setControlValue(ev.Kind, ev.Value)
}
