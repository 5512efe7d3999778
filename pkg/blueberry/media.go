package blueberry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// ErrNoConnectedDevice indicates that no connected device's media player
// object could be resolved at the moment of the call. Recoverable: the
// periodic verification step reconciles state shortly after, so guarded
// callers swallow this condition instead of treating it as a failure.
var ErrNoConnectedDevice = errors.New("no connected device")

const (
	bluezBusName           = "org.bluez"
	bluezDeviceInterface   = "org.bluez.Device1"
	bluezPlayerInterface   = "org.bluez.MediaPlayer1"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	playbackStatusPaused = "paused"

	// the stack exposes the player at either slot index
	maxPlayerSlots = 2
)

// managedObjects mirrors the shape of an ObjectManager.GetManagedObjects
// reply: object path -> interface name -> property name -> value
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// MediaControl issues transport commands against whichever device is currently
// connected. The player object can go stale or change across reconnects, so it
// is re-resolved from the bus on every call; no handle is ever cached.
type MediaControl struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn

	// media calls assume a single coherent connected-device snapshot, so they
	// must not run concurrently with each other
	mu sync.Mutex
}

// NewMediaControl connects to the system bus and verifies BlueZ is present
func NewMediaControl(logger *zap.SugaredLogger) (*MediaControl, error) {
	logger = logger.Named("media")

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	if !funk.ContainsString(names, bluezBusName) {
		return nil, fmt.Errorf("%s not found on system bus - is bluetooth.service running?", bluezBusName)
	}

	logger.Debug("Created media control instance")

	return &MediaControl{
		logger: logger,
		conn:   conn,
	}, nil
}

// Play starts playback on the connected device
func (mc *MediaControl) Play() error {
	return mc.transport("Play")
}

// Pause pauses playback on the connected device
func (mc *MediaControl) Pause() error {
	return mc.transport("Pause")
}

// Next skips to the next track on the connected device
func (mc *MediaControl) Next() error {
	return mc.transport("Next")
}

// Previous skips to the previous track on the connected device
func (mc *MediaControl) Previous() error {
	return mc.transport("Previous")
}

// IsPaused reports whether the connected device's player is paused
func (mc *MediaControl) IsPaused() (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	_, status, err := mc.resolvePlayer()
	if err != nil {
		return false, err
	}

	return status == playbackStatusPaused, nil
}

// PlayPauseToggle resolves the player once, inspects its playback status and
// issues the opposite transport action
func (mc *MediaControl) PlayPauseToggle() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	player, status, err := mc.resolvePlayer()
	if err != nil {
		return err
	}

	method := "Pause"
	if status == playbackStatusPaused {
		method = "Play"
	}

	mc.logger.Debugw("Toggling playback", "status", status, "method", method)

	return mc.call(player, method)
}

func (mc *MediaControl) transport(method string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	player, _, err := mc.resolvePlayer()
	if err != nil {
		return err
	}

	return mc.call(player, method)
}

func (mc *MediaControl) call(player dbus.BusObject, method string) error {
	if call := player.Call(bluezPlayerInterface+"."+method, 0); call.Err != nil {
		return fmt.Errorf("call %s: %w", method, call.Err)
	}

	return nil
}

// resolvePlayer enumerates all currently known bus objects and derives the
// connected device's media player object and its playback status
func (mc *MediaControl) resolvePlayer() (dbus.BusObject, string, error) {
	var objects managedObjects

	err := mc.conn.Object(bluezBusName, "/").
		Call(objectManagerInterface+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, "", fmt.Errorf("enumerate managed objects: %w", err)
	}

	path, props, found := findConnectedPlayer(objects)
	if !found {
		return nil, "", ErrNoConnectedDevice
	}

	status, _ := props["Status"].Value().(string)

	return mc.conn.Object(bluezBusName, path), status, nil
}

// findConnectedPlayer scans the managed object tree for a device object whose
// Connected flag is set and returns its player object path and properties,
// trying both possible player slot indices
func findConnectedPlayer(objects managedObjects) (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	for path, interfaces := range objects {
		props, ok := interfaces[bluezDeviceInterface]
		if !ok {
			continue
		}

		if connected, _ := props["Connected"].Value().(bool); !connected {
			continue
		}

		for slot := 0; slot < maxPlayerSlots; slot++ {
			playerPath := dbus.ObjectPath(fmt.Sprintf("%s/player%d", path, slot))

			playerInterfaces, ok := objects[playerPath]
			if !ok {
				continue
			}

			if media, ok := playerInterfaces[bluezPlayerInterface]; ok {
				return playerPath, media, true
			}
		}
	}

	return "", nil, false
}
