package blueberry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deviceController is the protocol-adapter surface the orchestrator drives
type deviceController interface {
	ConnectedDevice() (Device, error)
	PairedDevices() ([]Device, error)
	DiscoverableDevices() ([]Device, error)
	Scan(duration time.Duration) ([]Device, error)
	Pair(target Addressable) (bool, error)
	Connect(target Addressable) (bool, error)
	Disconnect() (bool, error)
	MakeDiscoverable() error
}

// transportControl is the media-adapter surface the orchestrator drives
type transportControl interface {
	Play() error
	Pause() error
	Next() error
	Previous() error
	IsPaused() (bool, error)
	PlayPauseToggle() error
}

// BluetoothAudio is the connection orchestrator: it coordinates autoconnect,
// periodic verification, pairing and device switching, and holds the single
// source of truth for the currently connected device. All mutation of the
// current device goes through its methods; other components only read it
// through accessors.
type BluetoothAudio struct {
	logger *zap.SugaredLogger

	ctl   deviceController
	media transportControl

	scanDuration time.Duration

	mu            sync.Mutex
	currentDevice Device
}

// NewBluetoothAudio creates the orchestrator and rebuilds the connection state
// by querying the underlying stack; nothing is persisted across restarts.
func NewBluetoothAudio(logger *zap.SugaredLogger, ctl deviceController, media transportControl, scanDuration time.Duration) (*BluetoothAudio, error) {
	logger = logger.Named("audio")

	current, err := ctl.ConnectedDevice()
	if err != nil {
		return nil, err
	}

	ba := &BluetoothAudio{
		logger:        logger,
		ctl:           ctl,
		media:         media,
		scanDuration:  scanDuration,
		currentDevice: current,
	}

	logger.Infow("Created bluetooth audio instance", "currentDevice", current.String())

	return ba, nil
}

// ConnectedDevice returns the device the orchestrator currently considers
// connected; the null device when disconnected
func (ba *BluetoothAudio) ConnectedDevice() Device {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	return ba.currentDevice
}

// IsConnected reports whether a device is currently connected. Consulted by
// the status indicator after each autoconnect/verify cycle.
func (ba *BluetoothAudio) IsConnected() bool {
	return !ba.ConnectedDevice().IsNull()
}

// Connect connects to the given device, adopting it as the current device on
// success
func (ba *BluetoothAudio) Connect(device Device) (bool, error) {
	ok, err := ba.ctl.Connect(device)
	if err != nil || !ok {
		return ok, err
	}

	ba.setCurrentDevice(device)
	ba.logger.Infow("Connected", "device", device.String())

	return true, nil
}

// Disconnect disconnects the current device, transitioning to the
// disconnected state on success. Succeeds even when nothing was connected.
func (ba *BluetoothAudio) Disconnect() (bool, error) {
	ok, err := ba.ctl.Disconnect()
	if err != nil || !ok {
		return ok, err
	}

	ba.setCurrentDevice(NullDevice())
	ba.logger.Info("Disconnected")

	return true, nil
}

// Autoconnect connects to the first paired device that accepts a connection.
// Idempotent: returns true immediately when a device is already connected,
// without issuing any command.
func (ba *BluetoothAudio) Autoconnect() (bool, error) {
	if ba.IsConnected() {
		return true, nil
	}

	paired, err := ba.ctl.PairedDevices()
	if err != nil {
		return false, err
	}

	for _, device := range paired {
		ok, err := ba.Connect(device)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	return false, nil
}

// ConnectDifferentDevice switches to a paired device other than the current
// one, disconnecting first. When a candidate's connect fails after a
// successful disconnect the remaining candidates are still tried, so a single
// unreachable device doesn't strand the receiver disconnected.
func (ba *BluetoothAudio) ConnectDifferentDevice() (bool, error) {
	paired, err := ba.ctl.PairedDevices()
	if err != nil {
		return false, err
	}

	current := ba.ConnectedDevice()

	for _, device := range paired {
		if device.Equal(current) {
			continue
		}

		ok, err := ba.Disconnect()
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		ok, err = ba.Connect(device)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	return false, nil
}

// Autopair makes the local endpoint discoverable, scans so nearby unpaired
// devices show up in the listing, and attempts pair-then-connect on each
// unpaired device in order until one fully succeeds
func (ba *BluetoothAudio) Autopair() (bool, error) {
	if err := ba.ctl.MakeDiscoverable(); err != nil {
		return false, err
	}

	observed, err := ba.ctl.Scan(ba.scanDuration)
	if err != nil {
		return false, err
	}
	ba.logger.Debugw("Scanned for pairing candidates", "observed", len(observed))

	discoverable, err := ba.ctl.DiscoverableDevices()
	if err != nil {
		return false, err
	}

	for _, device := range discoverable {
		paired, err := ba.ctl.Pair(device)
		if err != nil {
			return false, err
		}
		if !paired {
			continue
		}

		connected, err := ba.Connect(device)
		if err != nil {
			return false, err
		}
		if connected {
			ba.logger.Infow("Autopaired", "device", device.String())
			return true, nil
		}
	}

	return false, nil
}

// VerifyConnection re-queries the actually connected device and adopts it when
// it differs from the orchestrator's current device, covering externally
// initiated disconnects and reconnects. It returns whether a device was
// connected BEFORE the refresh, so callers detect a "was connected, now isn't"
// transition precisely on the call that discovers the loss.
func (ba *BluetoothAudio) VerifyConnection() (bool, error) {
	actual, err := ba.ctl.ConnectedDevice()
	if err != nil {
		return false, err
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	wasConnected := !ba.currentDevice.IsNull()

	if !actual.Equal(ba.currentDevice) {
		ba.logger.Infow("Connected device changed externally",
			"previous", ba.currentDevice.String(),
			"actual", actual.String())
		ba.currentDevice = actual
	}

	return wasConnected, nil
}

// PreviousTrack skips to the previous track; no-op when nothing is connected
func (ba *BluetoothAudio) PreviousTrack() {
	ba.guarded("previous", ba.media.Previous)
}

// NextTrack skips to the next track; no-op when nothing is connected
func (ba *BluetoothAudio) NextTrack() {
	ba.guarded("next", ba.media.Next)
}

// PlayPauseToggle toggles playback; no-op when nothing is connected
func (ba *BluetoothAudio) PlayPauseToggle() {
	ba.guarded("playPauseToggle", ba.media.PlayPauseToggle)
}

// PauseBeforeShutdown makes a best-effort attempt to pause playback, used on
// the way down so the phone doesn't keep streaming into a dead receiver
func (ba *BluetoothAudio) PauseBeforeShutdown() {
	if err := ba.media.Pause(); err != nil && !errors.Is(err, ErrNoConnectedDevice) {
		ba.logger.Warnw("Failed to pause before shutdown", "error", err)
	}
}

// guarded runs a media operation only when a device is connected. Even after
// the check, the device may have been disconnected in the meantime; in that
// case the operation reports ErrNoConnectedDevice, which is swallowed and the
// current device is reconciled right away instead of waiting for the next
// verification cycle.
func (ba *BluetoothAudio) guarded(name string, op func() error) {
	if !ba.IsConnected() {
		ba.logger.Debugw("Ignoring media operation, no device connected", "operation", name)
		return
	}

	err := op()
	if err == nil {
		return
	}

	if errors.Is(err, ErrNoConnectedDevice) {
		ba.logger.Infow("Device disconnected underneath media operation, verifying", "operation", name)
		if _, verr := ba.VerifyConnection(); verr != nil {
			ba.logger.Warnw("Failed to verify connection after media operation", "error", verr)
		}
		return
	}

	ba.logger.Warnw("Media operation failed", "operation", name, "error", err)
}

func (ba *BluetoothAudio) setCurrentDevice(device Device) {
	ba.mu.Lock()
	ba.currentDevice = device
	ba.mu.Unlock()
}
