package wisp

import (
	"errors"
	"testing"
	"time"
)

func TestSetVolumeRangeValidation(t *testing.T) {
	fs := newFakeServer()
	s := newTestSession(fs, 5)

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	tests := []struct {
		name  string
		value float32
	}{
		{"negative", -0.1},
		{"above one", 1.5},
		{"far negative", -100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := fs.setControlCalls

			err := s.SetVolume("out1", tt.value)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("SetVolume(%v) error = %v, want ErrInvalidArgument", tt.value, err)
			}

			// out-of-range values must be rejected before touching the server
			if fs.setControlCalls != before {
				t.Errorf("SetVolume(%v) reached the server", tt.value)
			}
		})
	}
}

func TestSetVolumeConfirmed(t *testing.T) {
	fs := newFakeServer()
	s := newTestSession(fs, 5)

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	if err := s.SetVolume("out1", 0.5); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}

	status, err := s.Status("out1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if status.Volume != 0.5 {
		t.Errorf("Volume = %v, want 0.5", status.Volume)
	}

	if fs.setControlCalls != 1 {
		t.Errorf("setControlCalls = %d, want 1", fs.setControlCalls)
	}
}

func TestSetMuteConfirmed(t *testing.T) {
	fs := newFakeServer()
	s := newTestSession(fs, 5)

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	if err := s.SetMute("in1", true); err != nil {
		t.Fatalf("SetMute() error = %v", err)
	}

	status, err := s.Status("in1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if !status.Mute {
		t.Error("Mute = false, want true")
	}

	if err := s.SetMute("in1", false); err != nil {
		t.Fatalf("SetMute(false) error = %v", err)
	}

	status, _ = s.Status("in1")
	if status.Mute {
		t.Error("Mute = true after unmute, want false")
	}
}

func TestSetVolumeSoftTimeoutAdoptsRequestedValue(t *testing.T) {
	fs := newFakeServer()
	fs.confirmControls = false
	s := newTestSession(fs, 5)

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	start := time.Now()

	// no confirmation ever arrives; the call must still succeed after the
	// soft timeout with the requested value adopted
	if err := s.SetVolume("out1", 0.25); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}

	if elapsed := time.Since(start); elapsed < s.timeouts.Control {
		t.Errorf("SetVolume() returned after %v, should have waited at least %v", elapsed, s.timeouts.Control)
	}

	status, err := s.Status("out1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if status.Volume != 0.25 {
		t.Errorf("Volume = %v, want 0.25 (last-requested)", status.Volume)
	}
}

func TestSetSameValueRidesOutTimeout(t *testing.T) {
	fs := newFakeServer()
	s := newTestSession(fs, 5)

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	start := time.Now()

	// the stored value never moves off itself, so there is no change to
	// observe and the wait runs its full course
	if err := s.SetVolume("out1", defaultVolume); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}

	if elapsed := time.Since(start); elapsed < s.timeouts.Control {
		t.Errorf("no-op SetVolume() returned after %v, should have waited at least %v", elapsed, s.timeouts.Control)
	}
}

func TestSetControlErrors(t *testing.T) {
	fs := newFakeServer()
	s := newTestSession(fs, 5)

	if err := s.SetVolume("out1", 0.5); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetVolume() on closed session error = %v, want ErrNotInitialized", err)
	}

	if err := s.CreateAll(testDescriptors()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	if err := s.SetVolume("nope", 0.5); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("SetVolume(nope) error = %v, want ErrEndpointNotFound", err)
	}

	if err := s.SetMute("nope", true); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("SetMute(nope) error = %v, want ErrEndpointNotFound", err)
	}
}
