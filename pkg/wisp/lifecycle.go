package wisp

import (
	"errors"
	"fmt"
	"time"
)

// CreateAll opens the session if needed and creates every descriptor in
// order under one shared batch deadline. A server rejection or creation
// timeout of a single endpoint rolls back only that slot and the batch
// continues; a connection-level failure tears down everything this batch
// created and propagates. Descriptors whose turn starts after the shared
// deadline fail without being attempted.
func (s *Session) CreateAll(descriptors []EndpointDescriptor) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	open := s.open
	s.mu.Unlock()

	if !open {
		if err := s.openLocked(); err != nil {
			return fmt.Errorf("open session: %w", err)
		}
	}

	deadline := time.Now().Add(s.timeouts.Batch)

	var errs []error
	var created []int

	for _, desc := range descriptors {
		if time.Now().After(deadline) {
			s.logger.Warnw("Batch deadline exceeded, skipping remaining endpoints", "endpoint", desc.Name)
			errs = append(errs, fmt.Errorf("endpoint %q: batch deadline exceeded: %w", desc.Name, ErrTimeout))

			continue
		}

		bound, err := s.createEndpoint(desc)
		if err != nil {
			if errors.Is(err, ErrConnectionLost) {
				s.logger.Errorw("Connection lost during endpoint creation, rolling back batch",
					"endpoint", desc.Name,
					"error", err)

				for _, index := range created {
					s.releaseSlot(index)
				}

				return fmt.Errorf("create endpoint %q: %w", desc.Name, err)
			}

			s.logger.Warnw("Failed to create endpoint", "endpoint", desc.Name, "error", err)
			errs = append(errs, err)

			continue
		}

		if !bound {
			// duplicate name, existing binding reported
			continue
		}

		s.mu.Lock()
		if index, ok := s.slots.byName(desc.Name); ok {
			created = append(created, index)
		}
		s.mu.Unlock()

		// don't overwhelm the server with back-to-back connects
		time.Sleep(s.timeouts.CreatePause)
	}

	if len(errs) > 0 {
		return fmt.Errorf("create endpoints: %w", errors.Join(errs...))
	}

	s.logger.Infow("All endpoints created", "count", len(created))

	return nil
}

// TeardownAll releases every bound slot in slot order, then disconnects and
// marks the session closed. It is safe to call repeatedly and safe to call
// on a session that never fully opened.
func (s *Session) TeardownAll() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.closeLocked()

	return nil
}

// ListDevices enumerates the sinks and sources the server currently knows,
// including the virtual ones this session exposes.
func (s *Session) ListDevices() ([]DeviceInfo, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()

	if !open {
		return nil, fmt.Errorf("list devices: %w", ErrNotInitialized)
	}

	devices, err := s.server.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	return devices, nil
}
