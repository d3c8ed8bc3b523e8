package wisp

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeNotifier struct {
	notifications []string
}

func (fn *fakeNotifier) Notify(title string, message string) {
	fn.notifications = append(fn.notifications, title)
}

func TestConfigDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cc, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cc.Current().SlotCapacity; got != defaultSlotCapacity {
		t.Errorf("SlotCapacity = %d, want %d", got, defaultSlotCapacity)
	}

	descriptors := cc.Descriptors()
	if len(descriptors) != len(defaultEndpoints) {
		t.Fatalf("Descriptors() returned %d entries, want %d", len(descriptors), len(defaultEndpoints))
	}

	// the default set is four playback links plus one capture input
	sinks, sources := 0, 0
	for _, desc := range descriptors {
		if desc.Direction == Sink {
			sinks++
		} else {
			sources++
		}

		if desc.Description == "" {
			t.Errorf("descriptor %q has empty description", desc.Name)
		}
	}

	if sinks != 4 || sources != 1 {
		t.Errorf("default set = %d sinks / %d sources, want 4 / 1", sinks, sources)
	}
}

func TestConfigLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	configContents := `slot_capacity: 3
recreate_on_reload: false
endpoints:
  - name: music_out
    description: Music
    direction: sink
  - name: chat_in
    direction: source
`

	if err := os.WriteFile(filepath.Join(dir, userConfigFilepath), []byte(configContents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cc, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cc.Current().SlotCapacity; got != 3 {
		t.Errorf("SlotCapacity = %d, want 3", got)
	}

	if cc.Current().RecreateOnReload {
		t.Error("RecreateOnReload = true, want false")
	}

	descriptors := cc.Descriptors()
	if len(descriptors) != 2 {
		t.Fatalf("Descriptors() returned %d entries, want 2", len(descriptors))
	}

	if descriptors[0].Name != "music_out" || descriptors[0].Direction != Sink {
		t.Errorf("descriptor 0 = %+v, want music_out sink", descriptors[0])
	}

	// missing description falls back to the name
	if descriptors[1].Description != "chat_in" {
		t.Errorf("descriptor 1 description = %q, want %q", descriptors[1].Description, "chat_in")
	}
}

func TestConfigConcurrentReloadAndRead(t *testing.T) {
	t.Chdir(t.TempDir())

	cc, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// reloads land on the watcher goroutine while consumers read; the
	// race detector keeps this honest
	var wg sync.WaitGroup

	wg.Add(3)

	go func() {
		defer wg.Done()

		for i := 0; i < 50; i++ {
			if err := cc.Load(); err != nil {
				t.Errorf("Load() error = %v", err)

				return
			}
		}
	}()

	go func() {
		defer wg.Done()

		for i := 0; i < 50; i++ {
			_ = cc.Current()
			_ = cc.Descriptors()
		}
	}()

	go func() {
		defer wg.Done()

		for i := 0; i < 10; i++ {
			_ = cc.SubscribeToChanges()
		}
	}()

	wg.Wait()
}

func TestConfigValidation(t *testing.T) {
	endpoint := func(name, direction string) EndpointConfig {
		return EndpointConfig{Name: name, Direction: direction}
	}

	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name: "valid",
			config: Config{
				SlotCapacity: 2,
				Endpoints:    []EndpointConfig{endpoint("a", "sink"), endpoint("b", "source")},
			},
		},
		{
			name: "zero capacity",
			config: Config{
				SlotCapacity: 0,
				Endpoints:    []EndpointConfig{endpoint("a", "sink")},
			},
			expectError: true,
		},
		{
			name: "more endpoints than slots",
			config: Config{
				SlotCapacity: 1,
				Endpoints:    []EndpointConfig{endpoint("a", "sink"), endpoint("b", "sink")},
			},
			expectError: true,
		},
		{
			name: "empty name",
			config: Config{
				SlotCapacity: 2,
				Endpoints:    []EndpointConfig{endpoint("", "sink")},
			},
			expectError: true,
		},
		{
			name: "duplicate names",
			config: Config{
				SlotCapacity: 3,
				Endpoints:    []EndpointConfig{endpoint("a", "sink"), endpoint("a", "source")},
			},
			expectError: true,
		},
		{
			name: "bad direction",
			config: Config{
				SlotCapacity: 2,
				Endpoints:    []EndpointConfig{endpoint("a", "sideways")},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := &ConfigManager{}

			err := cc.validate(tt.config)
			if tt.expectError && err == nil {
				t.Error("validate() = nil, want error")
			}
			if !tt.expectError && err != nil {
				t.Errorf("validate() error = %v", err)
			}
		})
	}
}
