package wisp

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/wisplabs/wisp/pkg/wisp/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	userConfig *viper.Viper

	// lock guards current and reloadConsumers: reloads land on the
	// fsnotify callback goroutine while consumers read from their own.
	lock            sync.Mutex
	current         Config
	reloadConsumers []chan bool
}

// EndpointConfig is one endpoint entry in the user config. Direction is
// "sink" (playback target) or "source" (capture origin).
type EndpointConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Direction   string `mapstructure:"direction"`
}

type Config struct {
	Endpoints []EndpointConfig `mapstructure:"endpoints"`

	SlotCapacity int `mapstructure:"slot_capacity"`

	PulseServer string `mapstructure:"pulse_server"`

	RecreateOnReload bool `mapstructure:"recreate_on_reload"`
	DisableTray      bool `mapstructure:"disable_tray"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeySlotCapacity     = "slot_capacity"
	configKeyRecreateOnReload = "recreate_on_reload"

	directionSink   = "sink"
	directionSource = "source"

	defaultSlotCapacity = 5
)

// defaultEndpoints is the endpoint set used when the config file is absent
// or names no endpoints: four playback links and one virtual capture input.
var defaultEndpoints = []EndpointConfig{
	{Name: "wisp_link_out", Description: "Wisp Link", Direction: directionSink},
	{Name: "wisp_link_2_out", Description: "Wisp Link 2", Direction: directionSink},
	{Name: "wisp_link_3_out", Description: "Wisp Link 3", Direction: directionSink},
	{Name: "wisp_link_4_out", Description: "Wisp Link 4", Direction: directionSink},
	{Name: "wisp_virtual_in", Description: "Wisp Virtual Input", Direction: directionSource},
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeySlotCapacity, defaultSlotCapacity)
	userConfig.SetDefault(configKeyRecreateOnReload, true)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// a missing config file is fine - the default endpoint set applies
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Infow("Config file not found, using defaults", "path", userConfigFilepath)
		cc.setCurrent(Config{
			Endpoints:        defaultEndpoints,
			SlotCapacity:     defaultSlotCapacity,
			RecreateOnReload: true,
		})

		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check wisp's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	config, err := cc.populateFromViper()
	if err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if err := cc.validate(config); err != nil {
		cc.logger.Warnw("Config failed validation", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())

		return fmt.Errorf("validate config: %w", err)
	}

	cc.setCurrent(config)

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"endpoints", len(config.Endpoints),
		"slotCapacity", config.SlotCapacity,
		"recreateOnReload", config.RecreateOnReload)

	return nil
}

// Current returns a snapshot of the loaded configuration.
func (cc *ConfigManager) Current() Config {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	return cc.current
}

func (cc *ConfigManager) setCurrent(config Config) {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	cc.current = config
}

// Descriptors converts the configured endpoint entries to session
// descriptors. Only valid after a successful Load.
func (cc *ConfigManager) Descriptors() []EndpointDescriptor {
	config := cc.Current()
	descriptors := make([]EndpointDescriptor, 0, len(config.Endpoints))

	for _, endpoint := range config.Endpoints {
		direction := Sink
		if endpoint.Direction == directionSource {
			direction = Source
		}

		description := endpoint.Description
		if description == "" {
			description = endpoint.Name
		}

		descriptors = append(descriptors, EndpointDescriptor{
			Name:        endpoint.Name,
			Description: description,
			Direction:   direction,
		})
	}

	return descriptors
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() (Config, error) {
	var config Config

	err := cc.userConfig.Unmarshal(&config, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return Config{}, err
	}

	if len(config.Endpoints) == 0 {
		config.Endpoints = defaultEndpoints
	}

	cc.logger.Debug("Populated config fields from viper")

	return config, nil
}

func (cc *ConfigManager) validate(config Config) error {
	if config.SlotCapacity < 1 {
		return fmt.Errorf("slot_capacity must be at least 1, got %d", config.SlotCapacity)
	}

	if len(config.Endpoints) > config.SlotCapacity {
		return fmt.Errorf("%d endpoints configured but slot_capacity is %d",
			len(config.Endpoints), config.SlotCapacity)
	}

	names := funk.Map(config.Endpoints, func(endpoint EndpointConfig) string {
		return endpoint.Name
	}).([]string)

	if funk.ContainsString(names, "") {
		return fmt.Errorf("every endpoint needs a non-empty name")
	}

	if len(funk.UniqString(names)) != len(names) {
		return fmt.Errorf("endpoint names must be unique")
	}

	for _, endpoint := range config.Endpoints {
		if endpoint.Direction != directionSink && endpoint.Direction != directionSource {
			return fmt.Errorf("endpoint %q: direction must be %q or %q, got %q",
				endpoint.Name, directionSink, directionSource, endpoint.Direction)
		}
	}

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.Lock()
	consumers := append([]chan bool{}, cc.reloadConsumers...)
	cc.lock.Unlock()

	for _, consumer := range consumers {
		consumer <- true
	}
}
