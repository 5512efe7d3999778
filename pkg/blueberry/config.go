package blueberry

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blueberryd/blueberryd/pkg/blueberry/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for blueberryd's configuration file
type CanonicalConfig struct {
	BluetoothctlCommand string
	CommandTimeout      time.Duration

	AutoconnectPause      time.Duration
	VerifyConnectionPause time.Duration
	ScanDuration          time.Duration
	ButtonHoldTime        time.Duration

	ForwardAudio bool
	AplayCommand string

	RestartOnFailure bool
	WriteErrorLog    bool

	ConnectionInfo struct {
		SERIAL_Port     string
		SERIAL_BaudRate int
		SSE_URL         string
	}

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."
	configType     = "yaml"

	configKey_BluetoothctlCommand = "bluetoothctl_command"
	configKey_CommandTimeout      = "command_timeout"

	configKey_AutoconnectPause      = "autoconnect_pause"
	configKey_VerifyConnectionPause = "verify_connection_pause"
	configKey_ScanDuration          = "scan_duration"
	configKey_ButtonHoldTime        = "button_hold_time"

	configKey_ForwardAudio = "forward_audio"
	configKey_AplayCommand = "aplay_command"

	configKey_RestartOnFailure = "restart_on_failure"
	configKey_WriteErrorLog    = "write_error_log"

	configKey_SERIAL_Port     = "serial_port"
	configKey_SERIAL_BaudRate = "serial_baud_rate"
	configKey_SSE_URL         = "sse_url"

	default_BluetoothctlCommand = "bluetoothctl"
	default_CommandTimeout      = 60 * time.Second

	default_AutoconnectPause      = 5 * time.Second
	default_VerifyConnectionPause = 3 * time.Second
	default_ScanDuration          = 10 * time.Second
	default_ButtonHoldTime        = 3 * time.Second

	default_AplayCommand = "bluealsa-aplay"
)

// has to be defined as a non-constant because we're using path.Join
var errorLogFilepath = path.Join(".", logDirectory, "errorlog.txt")

// NewConfig creates a config instance and sets up its viper instance
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKey_BluetoothctlCommand, default_BluetoothctlCommand)
	userConfig.SetDefault(configKey_CommandTimeout, default_CommandTimeout)
	userConfig.SetDefault(configKey_AutoconnectPause, default_AutoconnectPause)
	userConfig.SetDefault(configKey_VerifyConnectionPause, default_VerifyConnectionPause)
	userConfig.SetDefault(configKey_ScanDuration, default_ScanDuration)
	userConfig.SetDefault(configKey_ButtonHoldTime, default_ButtonHoldTime)
	userConfig.SetDefault(configKey_ForwardAudio, true)
	userConfig.SetDefault(configKey_AplayCommand, default_AplayCommand)
	userConfig.SetDefault(configKey_RestartOnFailure, false)
	userConfig.SetDefault(configKey_WriteErrorLog, false)
	userConfig.SetDefault(configKey_SERIAL_Port, "")
	userConfig.SetDefault(configKey_SERIAL_BaudRate, 0)
	userConfig.SetDefault(configKey_SSE_URL, "")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config file from disk and tries to parse it. A missing file
// is fine: the appliance runs on defaults.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if !util.FileExists(userConfigFilepath) {
		cc.logger.Infow("Config file not found, using defaults", "path", userConfigFilepath)
		cc.populateFromViper()
		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check blueberryd's logs for more details.")
		}
		return fmt.Errorf("read user config: %w", err)
	}

	cc.populateFromViper()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"bluetoothctlCommand", cc.BluetoothctlCommand,
		"commandTimeout", cc.CommandTimeout,
		"autoconnectPause", cc.AutoconnectPause,
		"verifyConnectionPause", cc.VerifyConnectionPause,
		"scanDuration", cc.ScanDuration,
		"buttonHoldTime", cc.ButtonHoldTime,
		"forwardAudio", cc.ForwardAudio,
		"restartOnFailure", cc.RestartOnFailure,
		"connectionInfo", cc.ConnectionInfo,
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

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
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true

	cc.closeReloadChannels()
}

func (cc *CanonicalConfig) closeReloadChannels() {
	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromViper() {
	cc.BluetoothctlCommand = cc.userConfig.GetString(configKey_BluetoothctlCommand)
	cc.CommandTimeout = cc.userConfig.GetDuration(configKey_CommandTimeout)

	cc.AutoconnectPause = cc.userConfig.GetDuration(configKey_AutoconnectPause)
	cc.VerifyConnectionPause = cc.userConfig.GetDuration(configKey_VerifyConnectionPause)
	cc.ScanDuration = cc.userConfig.GetDuration(configKey_ScanDuration)
	cc.ButtonHoldTime = cc.userConfig.GetDuration(configKey_ButtonHoldTime)

	cc.ForwardAudio = cc.userConfig.GetBool(configKey_ForwardAudio)
	cc.AplayCommand = cc.userConfig.GetString(configKey_AplayCommand)

	cc.RestartOnFailure = cc.userConfig.GetBool(configKey_RestartOnFailure)
	cc.WriteErrorLog = cc.userConfig.GetBool(configKey_WriteErrorLog)

	cc.ConnectionInfo.SERIAL_Port = cc.userConfig.GetString(configKey_SERIAL_Port)
	cc.ConnectionInfo.SERIAL_BaudRate = cc.userConfig.GetInt(configKey_SERIAL_BaudRate)
	cc.ConnectionInfo.SSE_URL = cc.userConfig.GetString(configKey_SSE_URL)

	cc.logger.Debug("Populated config fields from viper")
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		// Safely send to channel, handling closed channels
		func() {
			defer func() {
				if r := recover(); r != nil {
					cc.logger.Debugw("Config reload channel closed, skipping notification", "recover", r)
				}
			}()
			select {
			case consumer <- true:
			default:
				// Channel is full, skip
			}
		}()
	}
}
