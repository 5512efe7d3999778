package blueberry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Button indices as wired on the appliance
const (
	ButtonPrevious  = 0
	ButtonPlayPause = 1
	ButtonNext      = 2
)

// ButtonEvent represents a single physical button activation
type ButtonEvent struct {
	Button int
	Hold   bool // held past the hold threshold instead of a short press
}

// ButtonInput is implemented by sources that produce button events, such as a
// serial-attached button board or an SSE remote. GPIO-driven buttons live
// outside this process and call into the dispatcher through their own driver.
type ButtonInput interface {
	Start() error
	Stop()
	SubscribeToButtonEvents() chan ButtonEvent
}

// Dispatcher maps button activations onto orchestrator and media-adapter
// calls: short presses drive track controls, holds drive the hold-activated
// operations (shutdown, autopair, device switching). Serialization against the
// polling loop is provided by the session and orchestrator themselves.
type Dispatcher struct {
	logger *zap.SugaredLogger
	audio  buttonActions

	// invoked on a held previous-button; wired to the appliance shutdown
	onShutdown func()
}

// buttonActions is the orchestrator surface the dispatcher needs
type buttonActions interface {
	PreviousTrack()
	PlayPauseToggle()
	NextTrack()
	Autopair() (bool, error)
	ConnectDifferentDevice() (bool, error)
}

// NewDispatcher creates a dispatcher targeting the given orchestrator
func NewDispatcher(logger *zap.SugaredLogger, audio buttonActions, onShutdown func()) *Dispatcher {
	logger = logger.Named("dispatcher")

	d := &Dispatcher{
		logger:     logger,
		audio:      audio,
		onShutdown: onShutdown,
	}

	logger.Debug("Created dispatcher instance")

	return d
}

// Run consumes button events until the channel is closed
func (dp *Dispatcher) Run(events chan ButtonEvent) {
	for event := range events {
		dp.HandleEvent(event)
	}

	dp.logger.Debug("Button event channel closed, dispatcher exiting")
}

// HandleEvent executes the operation mapped to a single button activation
func (dp *Dispatcher) HandleEvent(event ButtonEvent) {
	dp.logger.Debugw("Handling button event", "button", event.Button, "hold", event.Hold)

	if event.Hold {
		dp.handleHold(event.Button)
		return
	}

	switch event.Button {
	case ButtonPrevious:
		dp.audio.PreviousTrack()
	case ButtonPlayPause:
		dp.audio.PlayPauseToggle()
	case ButtonNext:
		dp.audio.NextTrack()
	default:
		dp.logger.Debugw("Ignoring unmapped button", "button", event.Button)
	}
}

func (dp *Dispatcher) handleHold(button int) {
	switch button {
	case ButtonPrevious:
		dp.logger.Info("Previous button held, shutting down")
		dp.onShutdown()

	case ButtonPlayPause:
		dp.logger.Info("Play/pause button held, autopairing")
		if ok, err := dp.audio.Autopair(); err != nil {
			dp.logger.Warnw("Autopair failed", "error", err)
		} else if !ok {
			dp.logger.Info("Autopair found no pairable device")
		}

	case ButtonNext:
		dp.logger.Info("Next button held, switching to a different device")
		if ok, err := dp.audio.ConnectDifferentDevice(); err != nil {
			dp.logger.Warnw("Device switch failed", "error", err)
		} else if !ok {
			dp.logger.Info("No other paired device accepted a connection")
		}

	default:
		dp.logger.Debugw("Ignoring unmapped button hold", "button", button)
	}
}

// holdTracker turns raw press/release transitions from a button board into
// ButtonEvents, emitting a hold event once the hold threshold is crossed and a
// short-press event on release before the threshold
type holdTracker struct {
	holdTime time.Duration
	emit     func(ButtonEvent)

	mu     sync.Mutex
	timers map[int]*time.Timer
	held   map[int]bool
}

func newHoldTracker(holdTime time.Duration, emit func(ButtonEvent)) *holdTracker {
	return &holdTracker{
		holdTime: holdTime,
		emit:     emit,
		timers:   make(map[int]*time.Timer),
		held:     make(map[int]bool),
	}
}

// Press records a button going down and arms the hold timer
func (ht *holdTracker) Press(button int) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if _, pressed := ht.timers[button]; pressed {
		return
	}

	ht.held[button] = false
	ht.timers[button] = time.AfterFunc(ht.holdTime, func() {
		ht.mu.Lock()
		ht.held[button] = true
		ht.mu.Unlock()

		ht.emit(ButtonEvent{Button: button, Hold: true})
	})
}

// Release records a button going up, emitting a short-press event unless the
// hold already fired
func (ht *holdTracker) Release(button int) {
	ht.mu.Lock()

	timer, pressed := ht.timers[button]
	if !pressed {
		ht.mu.Unlock()
		return
	}

	delete(ht.timers, button)
	wasHeld := ht.held[button]
	delete(ht.held, button)

	timer.Stop()
	ht.mu.Unlock()

	if !wasHeld {
		ht.emit(ButtonEvent{Button: button})
	}
}
