// Package blueberry turns a small Linux computer into an autonomous bluetooth
// audio receiver: it pairs and connects to phones, forwards their audio to the
// local output and exposes track controls through physical buttons.
package blueberry

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blueberryd/blueberryd/pkg/blueberry/util"
)

const (
	// when this is set to anything, blueberryd won't use a tray icon
	envNoTray = "BLUEBERRYD_NO_TRAY_ICON"
)

var buttonPattern = regexp.MustCompile(`^binary_sensor-sw(\d+)$`)

// StatusIndicator receives connection-state transitions for external display.
// The LED driver implements this; the default implementation only logs.
type StatusIndicator interface {
	SetSearching()
	SetConnected()
}

type logStatusIndicator struct {
	logger *zap.SugaredLogger
}

func (si *logStatusIndicator) SetSearching() {
	si.logger.Info("Status: searching for a device")
}

func (si *logStatusIndicator) SetConnected() {
	si.logger.Info("Status: device connected")
}

// Blueberry is the main entity managing access to all sub-components
type Blueberry struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	session   *CtlSession
	ctl       *Bluetoothctl
	media     *MediaControl
	audio     *BluetoothAudio
	forwarder *AudioForwarder

	serial  *SerialButtons
	sse     *SseButtons
	input   ButtonInput // active button input, if any
	ioMutex sync.Mutex  // serializes input start/stop against reloads

	dispatcher *Dispatcher
	holds      *holdTracker
	status     StatusIndicator

	buttonConsumers []chan ButtonEvent
	consumersMutex  sync.RWMutex

	stopChannel chan bool
	quit        chan struct{} // closed once, observed by the polling loops
	version     string
	verbose     bool
	stopping    sync.Once
}

// NewBlueberry creates a Blueberry instance
func NewBlueberry(logger *zap.SugaredLogger, verbose bool) (*Blueberry, error) {
	logger = logger.Named("blueberry")

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

	b := &Blueberry{
		logger:          logger,
		notifier:        notifier,
		config:          config,
		stopChannel:     make(chan bool),
		quit:            make(chan struct{}),
		verbose:         verbose,
		buttonConsumers: []chan ButtonEvent{},
	}

	b.status = &logStatusIndicator{logger: logger.Named("status")}

	logger.Debug("Created blueberry instance")

	return b, nil
}

// SetVersion causes blueberryd to add a version string to its tray menu if called before Initialize
func (b *Blueberry) SetVersion(version string) {
	b.version = version
}

// SetStatusIndicator replaces the default logging status indicator, for the
// LED driver. Must be called before Initialize.
func (b *Blueberry) SetStatusIndicator(status StatusIndicator) {
	b.status = status
}

// Verbose returns a boolean indicating whether blueberryd is running in verbose mode
func (b *Blueberry) Verbose() bool {
	return b.verbose
}

// Initialize sets up components and starts to run in the background
func (b *Blueberry) Initialize() error {
	b.logger.Debug("Initializing")

	// load the config for the first time
	if err := b.config.Load(); err != nil {
		b.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := b.createComponents(); err != nil {
		return err
	}

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {

		b.logger.Debugw("Running without tray icon", "reason", "envvar set")

		// run in main thread while waiting on ctrl+C
		b.setupInterruptHandler()
		b.run()

	} else {
		b.setupInterruptHandler()
		b.initializeTray(b.run)
	}

	return nil
}

// createComponents builds the session-dependent component graph; the session
// spawn needs the loaded config, so this happens after Load
func (b *Blueberry) createComponents() error {
	session, err := NewCtlSession(b.logger, b.config.BluetoothctlCommand, nil, b.config.CommandTimeout)
	if err != nil {
		b.logger.Errorw("Failed to create interactive session", "error", err)
		return fmt.Errorf("create new interactive session: %w", err)
	}
	b.session = session

	b.ctl = NewBluetoothctl(b.logger, session)

	media, err := NewMediaControl(b.logger)
	if err != nil {
		b.logger.Errorw("Failed to create media control", "error", err)
		return fmt.Errorf("create new media control: %w", err)
	}
	b.media = media

	audio, err := NewBluetoothAudio(b.logger, b.ctl, b.media, b.config.ScanDuration)
	if err != nil {
		b.logger.Errorw("Failed to create bluetooth audio", "error", err)
		return fmt.Errorf("create new bluetooth audio: %w", err)
	}
	b.audio = audio

	b.forwarder = NewAudioForwarder(b.logger, b.config.AplayCommand)

	serial, err := NewSerialButtons(b, b.logger)
	if err != nil {
		b.logger.Errorw("Failed to create SerialButtons", "error", err)
		return fmt.Errorf("create new SerialButtons: %w", err)
	}
	b.serial = serial

	sse, err := NewSseButtons(b, b.logger)
	if err != nil {
		b.logger.Errorw("Failed to create SseButtons", "error", err)
		return fmt.Errorf("create new SseButtons: %w", err)
	}
	b.sse = sse

	b.dispatcher = NewDispatcher(b.logger, b.audio, b.shutdownHost)
	b.holds = newHoldTracker(b.config.ButtonHoldTime, b.dispatchButtonEvent)

	return nil
}

func (b *Blueberry) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		b.logger.Debugw("Interrupted", "signal", signal)
		b.signalStop()
	}()
}

func (b *Blueberry) run() {
	b.logger.Info("Run loop starting")

	// watch the config file for changes
	go b.config.WatchConfigFileChanges()

	if b.config.ForwardAudio {
		if err := b.forwarder.Start(); err != nil {
			b.logger.Warnw("Failed to start audio forwarding", "error", err)
		}
	}

	// connect to the button board, if one is configured
	go b.startInput()

	// react to config edits that change the transport setup
	b.setupOnConfigReload()

	// drive the dispatcher off our own event stream
	go b.dispatcher.Run(b.SubscribeToButtonEvents())

	// the connection control loop is the heart of the appliance
	go b.controlLoop()

	// wait until stopped (gracefully)
	<-b.stopChannel
	b.logger.Debug("Stop channel signaled, terminating")

	if err := b.stop(); err != nil {
		b.logger.Warnw("Failed to stop blueberry", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

// controlLoop alternates between autoconnect attempts (with a fixed pause
// between attempts) and connection verification (with a fixed pause between
// checks), mirroring the transition onto the status indicator
func (b *Blueberry) controlLoop() {
	for {
		b.status.SetSearching()

		for {
			ok, err := b.audio.Autoconnect()
			if err != nil {
				b.fail(err)
				return
			}
			if ok {
				break
			}

			select {
			case <-b.quit:
				return
			case <-time.After(b.config.AutoconnectPause):
			}
		}

		b.status.SetConnected()

		for {
			connected, err := b.audio.VerifyConnection()
			if err != nil {
				b.fail(err)
				return
			}
			if !connected {
				b.logger.Info("Connection lost, returning to autoconnect")
				break
			}

			select {
			case <-b.quit:
				return
			case <-time.After(b.config.VerifyConnectionPause):
			}
		}
	}
}

// fail implements the appliance's fail-fast recovery: record the failure,
// then either restart the host (unattended operation) or stop the daemon
// (development). Errors surfacing after a stop was requested are expected
// fallout of the teardown (stopping kills the bluetoothctl child under the
// control loop) and must not trip recovery.
func (b *Blueberry) fail(err error) {
	if b.stopRequested() {
		b.logger.Debugw("Ignoring control loop error during shutdown", "error", err)
		return
	}

	b.logger.Errorw("Control loop failed", "error", err)
	b.recordFailure(err)

	if b.config.RestartOnFailure {
		b.restartHost()
		return
	}

	b.notifier.Notify("blueberryd stopped!", "Check the logs for details.")
	b.signalStop()
}

// recordFailure appends a timestamped description to the error log, when enabled
func (b *Blueberry) recordFailure(failure error) {
	if !b.config.WriteErrorLog {
		return
	}

	if err := util.EnsureDirExists(logDirectory); err != nil {
		b.logger.Warnw("Failed to ensure log directory for error log", "error", err)
		return
	}

	f, err := os.OpenFile(errorLogFilepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		b.logger.Warnw("Failed to open error log", "error", err)
		return
	}
	defer f.Close()

	now := time.Now()
	fmt.Fprintf(f, "Error on %s @ %s\nDescription: %v\nRestarting\n",
		now.Format("01/02/2006"), now.Format("15:04:05"), failure)
}

// shutdownHost pauses playback and powers the machine off; wired to the held
// previous button
func (b *Blueberry) shutdownHost() {
	b.logger.Info("Shutting down the host")

	b.audio.PauseBeforeShutdown()

	if err := exec.Command("sudo", "shutdown", "now").Run(); err != nil {
		b.logger.Errorw("Failed to shut down the host", "error", err)
	}
}

// restartHost pauses playback and reboots the machine; the appliance starts
// this daemon on boot, so a reboot is a full recovery
func (b *Blueberry) restartHost() {
	b.logger.Info("Restarting the host")

	b.audio.PauseBeforeShutdown()

	if err := exec.Command("sudo", "shutdown", "-r", "now").Run(); err != nil {
		b.logger.Errorw("Failed to restart the host", "error", err)

		// can't reboot, fall back to stopping so the service manager takes over
		b.signalStop()
	}
}

// stopRequested reports whether signalStop has already been called
func (b *Blueberry) stopRequested() bool {
	select {
	case <-b.quit:
		return true
	default:
		return false
	}
}

func (b *Blueberry) signalStop() {
	b.stopping.Do(func() {
		b.logger.Debug("Signalling stop channel")
		close(b.quit)
		select {
		case b.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (b *Blueberry) stop() error {
	b.logger.Info("Stopping")

	b.config.StopWatchingConfigFile()

	b.ioMutex.Lock()
	if b.input != nil {
		b.input.Stop()
	}
	b.ioMutex.Unlock()

	b.forwarder.Stop()

	// close all event channels to signal goroutines to exit
	b.closeEventChannels()

	if err := b.session.Close(); err != nil {
		b.logger.Warnw("Failed to close interactive session", "error", err)
	}

	b.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	b.logger.Sync()

	return nil
}

func (b *Blueberry) closeEventChannels() {
	b.consumersMutex.Lock()
	defer b.consumersMutex.Unlock()

	for _, ch := range b.buttonConsumers {
		close(ch)
	}
	b.buttonConsumers = nil

	b.logger.Debug("Closed all event channels")
}

// setupOnConfigReload restarts the button input when a reload changed the
// transport configuration, so editing serial_port or sse_url takes effect
// without restarting the daemon
func (b *Blueberry) setupOnConfigReload() {
	configReloadedChannel := b.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			b.ioMutex.Lock()

			serialConfigured := b.config.ConnectionInfo.SERIAL_Port != "" && b.config.ConnectionInfo.SERIAL_BaudRate != 0
			sseConfigured := b.config.ConnectionInfo.SSE_URL != ""

			var want ButtonInput
			switch {
			case serialConfigured:
				want = b.serial
			case sseConfigured:
				want = b.sse
			}

			if want == b.input {
				b.ioMutex.Unlock()
				continue
			}

			b.logger.Info("Transport configuration changed, restarting button input")

			if b.input != nil {
				b.input.Stop()
			}
			b.startInputLocked()

			b.ioMutex.Unlock()
		}
	}()
}

// startInput starts the configured button input, if any. Running without one
// is fine: GPIO buttons drive the dispatcher from outside this process.
func (b *Blueberry) startInput() {
	b.ioMutex.Lock()
	defer b.ioMutex.Unlock()

	b.startInputLocked()
}

func (b *Blueberry) startInputLocked() {
	serialConfigured := b.config.ConnectionInfo.SERIAL_Port != "" && b.config.ConnectionInfo.SERIAL_BaudRate != 0
	sseConfigured := b.config.ConnectionInfo.SSE_URL != ""

	b.input = nil

	if serialConfigured {
		if err := b.serial.Start(); err == nil {
			b.input = b.serial
			return
		} else {
			b.logger.Warnw("Failed to start serial button input", "error", err)
		}
	}

	if sseConfigured {
		if err := b.sse.Start(); err == nil {
			b.input = b.sse
			return
		} else {
			b.logger.Warnw("Failed to start SSE button input", "error", err)
		}
	}

	b.logger.Debug("No button input active, relying on external dispatch")
}

// SubscribeToButtonEvents returns an unbuffered channel that receives a
// ButtonEvent every time a button is pressed or held
func (b *Blueberry) SubscribeToButtonEvents() chan ButtonEvent {
	ch := make(chan ButtonEvent)
	b.consumersMutex.Lock()
	b.buttonConsumers = append(b.buttonConsumers, ch)
	b.consumersMutex.Unlock()
	return ch
}

// handleButtonState processes raw state events from button inputs (serial or
// SSE). It extracts the button index and pressed state from JSON data and
// feeds the hold tracker, which emits the actual ButtonEvents.
func (b *Blueberry) handleButtonState(logger *zap.SugaredLogger, data []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		if b.Verbose() {
			logger.Debugw("Failed to parse JSON event", "error", err, "data", string(data))
		}
		return
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return
	}

	m := buttonPattern.FindStringSubmatch(id)
	if len(m) != 2 {
		return
	}

	var pressed bool
	if v, ok := raw["value"].(bool); ok {
		pressed = v
	} else if stateStr, ok := raw["state"].(string); ok {
		pressed = strings.ToUpper(stateStr) == "ON"
	} else {
		return
	}

	button, err := strconv.Atoi(m[1])
	if err != nil {
		if b.Verbose() {
			logger.Debugw("Failed to parse button index", "error", err, "id", id)
		}
		return
	}

	if b.Verbose() {
		logger.Debugw("Button state changed", "button", button, "pressed", pressed)
	}

	if pressed {
		b.holds.Press(button)
	} else {
		b.holds.Release(button)
	}
}

// dispatchButtonEvent fans a button event out to all subscribers
func (b *Blueberry) dispatchButtonEvent(event ButtonEvent) {
	b.consumersMutex.RLock()
	consumers := make([]chan ButtonEvent, len(b.buttonConsumers))
	copy(consumers, b.buttonConsumers)
	b.consumersMutex.RUnlock()

	for _, c := range consumers {
		// Safely send to channel, handling closed channels
		func() {
			defer func() {
				if r := recover(); r != nil {
					if b.Verbose() {
						b.logger.Debugw("Channel closed, skipping event", "recover", r)
					}
				}
			}()
			select {
			case c <- event:
			default:
				// Channel is full, skip
			}
		}()
	}
}
