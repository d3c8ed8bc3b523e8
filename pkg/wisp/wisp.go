// Package wisp manages a set of virtual audio endpoints on a PulseAudio
// (or pipewire-pulse) server: it creates them on startup, keeps their
// volume and mute state in sync with the server, and tears them down
// cleanly on exit.
package wisp

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/wisplabs/wisp/pkg/wisp/util"
)

// Wisp is the main entity managing all subcomponents
type Wisp struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	sessionMu sync.Mutex
	session   *Session

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewWisp(logger *zap.SugaredLogger, verbose bool) (*Wisp, error) {
	logger = logger.Named("wisp")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	w := &Wisp{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created wisp instance")

	return w, nil
}

func (w *Wisp) currConf() Config {
	return w.configMan.Current()
}

// Initialize sets up components and starts to run in the background
func (w *Wisp) Initialize() error {
	w.logger.Debug("Initializing")
	defer w.recoverFromPanic()

	// load the config for the first time
	if err := w.configMan.Load(); err != nil {
		w.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	server := NewPulseServer(w.logger, w.currConf().PulseServer)
	session := NewSession(w.logger, server, w.currConf().SlotCapacity)

	w.sessionMu.Lock()
	w.session = session
	w.sessionMu.Unlock()

	// bring all configured endpoints up before anything else runs
	if err := w.CreateEndpoints(w.configMan.Descriptors()); err != nil {
		w.logger.Errorw("Failed to create endpoints during initialization", "error", err)
		w.notifier.Notify("Couldn't create all endpoints!", "Please check wisp's logs for more details.")
	}

	w.setupInterruptHandler()
	go w.watchConfigReloads()

	if w.currConf().DisableTray {
		w.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		w.run()
	} else {
		w.runningWithTray = true
		w.initializeTray(w.run)
	}

	return nil
}

// CreateEndpoints creates the given endpoints, opening the session first if
// needed. Endpoints that already exist are skipped.
func (w *Wisp) CreateEndpoints(descriptors []EndpointDescriptor) error {
	session, err := w.currentSession()
	if err != nil {
		return err
	}

	return session.CreateAll(descriptors)
}

// GetStatus reports the current state of the named endpoint.
func (w *Wisp) GetStatus(name string) (EndpointStatus, error) {
	session, err := w.currentSession()
	if err != nil {
		return EndpointStatus{}, err
	}

	return session.Status(name)
}

// SetVolume sets the named endpoint's volume in [0.0, 1.0].
func (w *Wisp) SetVolume(name string, value float32) error {
	session, err := w.currentSession()
	if err != nil {
		return err
	}

	return session.SetVolume(name, value)
}

// SetMute sets the named endpoint's mute state.
func (w *Wisp) SetMute(name string, mute bool) error {
	session, err := w.currentSession()
	if err != nil {
		return err
	}

	return session.SetMute(name, mute)
}

// ListDevices enumerates the sinks and sources the server currently knows.
func (w *Wisp) ListDevices() ([]DeviceInfo, error) {
	session, err := w.currentSession()
	if err != nil {
		return nil, err
	}

	return session.ListDevices()
}

// Teardown removes every endpoint and disconnects from the audio server.
// Safe to call more than once.
func (w *Wisp) Teardown() error {
	session, err := w.currentSession()
	if err != nil {
		return err
	}

	return session.TeardownAll()
}

// SetVersion causes wisp to add a version string to its tray menu if called before Initialize
func (w *Wisp) SetVersion(version string) {
	w.version = version
}

// Verbose returns a boolean indicating whether wisp is running in verbose mode
func (w *Wisp) Verbose() bool {
	return w.verbose
}

func (w *Wisp) currentSession() (*Session, error) {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()

	if w.session == nil {
		return nil, fmt.Errorf("no active session: %w", ErrNotInitialized)
	}

	return w.session, nil
}

func (w *Wisp) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		w.logger.Debugw("Interrupted", "signal", signal)
		w.signalStop()
	}()
}

// watchConfigReloads re-creates the endpoint set whenever the config file
// changes, if the config says to.
func (w *Wisp) watchConfigReloads() {
	configReloadedChannel := w.configMan.SubscribeToChanges()

	for range configReloadedChannel {
		if !w.currConf().RecreateOnReload {
			w.logger.Debugw("Config reloaded, leaving endpoints as they are",
				"reason", "recreate_on_reload disabled")

			continue
		}

		w.logger.Info("Config reloaded, re-creating endpoints")
		w.recreateEndpoints()
	}
}

// recreateEndpoints tears the current endpoint set down and builds the one
// the reloaded config describes. Capacity changes require a fresh session.
func (w *Wisp) recreateEndpoints() {
	if err := w.Teardown(); err != nil {
		w.logger.Warnw("Failed to tear down endpoints for re-creation", "error", err)

		return
	}

	server := NewPulseServer(w.logger, w.currConf().PulseServer)
	session := NewSession(w.logger, server, w.currConf().SlotCapacity)

	w.sessionMu.Lock()
	w.session = session
	w.sessionMu.Unlock()

	if err := w.CreateEndpoints(w.configMan.Descriptors()); err != nil {
		w.logger.Warnw("Failed to re-create endpoints after config reload", "error", err)
		w.notifier.Notify("Couldn't re-create endpoints!", "Please check wisp's logs for more details.")
	}
}

func (w *Wisp) run() {
	w.logger.Info("Run loop starting")

	go w.configMan.WatchConfigFileChanges()

	// wait until gracefully stopped
	<-w.stopChannel
	w.logger.Debug("Stop channel signaled, terminating")

	if err := w.stop(); err != nil {
		w.logger.Warnw("Failed to stop wisp", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (w *Wisp) signalStop() {
	w.logger.Debug("Signalling stop channel")
	w.stopChannel <- true
}

func (w *Wisp) stop() error {
	w.logger.Info("Stopping")

	w.configMan.StopWatchingConfigFile()

	if err := w.Teardown(); err != nil {
		w.logger.Errorw("Failed to tear down endpoints", "error", err)
		return fmt.Errorf("tear down endpoints: %w", err)
	}

	if w.runningWithTray {
		w.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = w.logger.Sync()

	return nil
}
