package blueberry

import (
	"fmt"
	"strings"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// commandRunner is the slice of CtlSession the protocol adapter depends on,
// kept narrow so tests can substitute a scripted fake
type commandRunner interface {
	RunCommand(command string) ([]string, error)
	RunCommandExpect(command string, successPatterns []string, failPatterns []string) (bool, error)
	RunCommandTimed(command string, maxDuration time.Duration) ([]string, error)
}

// marker preceding the device name in bluetoothctl info output
const nameMarker = "Name: "

// Bluetoothctl translates domain operations into bluetoothctl commands and
// parses their textual replies. Every operation the orchestrator needs is
// declared here explicitly. Malformed or unparseable output degrades to the
// null device or an empty list, never to an error; only a terminated session
// propagates failure.
type Bluetoothctl struct {
	logger  *zap.SugaredLogger
	session commandRunner
}

// NewBluetoothctl creates a protocol adapter over the given session
func NewBluetoothctl(logger *zap.SugaredLogger, session commandRunner) *Bluetoothctl {
	logger = logger.Named("bluetoothctl")

	bc := &Bluetoothctl{
		logger:  logger,
		session: session,
	}

	logger.Debug("Created bluetoothctl adapter instance")

	return bc
}

// ConnectedDevice queries the currently connected device. It returns the null
// device when nothing is connected.
func (bc *Bluetoothctl) ConnectedDevice() (Device, error) {
	out, err := bc.session.RunCommand("info")
	if err != nil {
		return NullDevice(), err
	}

	var address, name string

	for _, line := range out {
		if address == "" {
			if match := macAddressPattern.FindString(line); match != "" {
				address = match
			}
		}
		if name == "" {
			if idx := strings.Index(line, nameMarker); idx != -1 {
				name = line[idx+len(nameMarker):]
			}
		}
	}

	if address == "" {
		return NullDevice(), nil
	}

	return Device{Address: address, Name: name}, nil
}

// Scan runs a bounded device scan, returning every hardware address observed
// in order of first appearance. Deduplication is the caller's responsibility.
func (bc *Bluetoothctl) Scan(duration time.Duration) ([]Device, error) {
	out, err := bc.session.RunCommandTimed("scan on", duration)
	if err != nil {
		return nil, err
	}

	devices := []Device{}
	for _, line := range out {
		if match := macAddressPattern.FindString(line); match != "" {
			devices = append(devices, Device{Address: match})
		}
	}

	bc.logger.Debugw("Scan finished", "duration", duration, "found", len(devices))

	return devices, nil
}

// AvailableDevices lists paired and discoverable devices
func (bc *Bluetoothctl) AvailableDevices() ([]Device, error) {
	return bc.listDevices("devices")
}

// PairedDevices lists paired devices
func (bc *Bluetoothctl) PairedDevices() ([]Device, error) {
	return bc.listDevices("paired-devices")
}

// DiscoverableDevices lists devices that are available but not yet paired,
// compared by address
func (bc *Bluetoothctl) DiscoverableDevices() ([]Device, error) {
	available, err := bc.AvailableDevices()
	if err != nil {
		return nil, err
	}

	paired, err := bc.PairedDevices()
	if err != nil {
		return nil, err
	}

	pairedAddresses := make([]string, 0, len(paired))
	for _, device := range paired {
		pairedAddresses = append(pairedAddresses, device.Address)
	}

	discoverable := funk.Filter(available, func(device Device) bool {
		return !funk.ContainsString(pairedAddresses, device.Address)
	}).([]Device)

	return discoverable, nil
}

// MakeDiscoverable makes the local endpoint discoverable. Fire-and-forget; the
// reply is not parsed.
func (bc *Bluetoothctl) MakeDiscoverable() error {
	_, err := bc.session.RunCommand("discoverable on")
	return err
}

// DeviceInfo returns the raw info lines for a device
func (bc *Bluetoothctl) DeviceInfo(target Addressable) ([]string, error) {
	address, err := bc.validateAddress(target)
	if err != nil {
		return nil, err
	}

	return bc.session.RunCommand("info " + address)
}

// Pair attempts to pair with a device, returning the success of the operation
func (bc *Bluetoothctl) Pair(target Addressable) (bool, error) {
	address, err := bc.validateAddress(target)
	if err != nil {
		return false, err
	}

	bc.logger.Infow("Pairing", "address", address)

	return bc.session.RunCommandExpect("pair "+address,
		[]string{"Pairing successful"},
		[]string{"Failed to pair"})
}

// Connect attempts to connect to a device, returning the success of the operation
func (bc *Bluetoothctl) Connect(target Addressable) (bool, error) {
	address, err := bc.validateAddress(target)
	if err != nil {
		return false, err
	}

	bc.logger.Infow("Connecting", "address", address)

	return bc.session.RunCommandExpect("connect "+address,
		[]string{"Connection successful"},
		[]string{"Failed to connect"})
}

// Remove removes a paired device, returning the success of the operation
func (bc *Bluetoothctl) Remove(target Addressable) (bool, error) {
	address, err := bc.validateAddress(target)
	if err != nil {
		return false, err
	}

	bc.logger.Infow("Removing", "address", address)

	return bc.session.RunCommandExpect("remove "+address,
		[]string{"Device has been removed"},
		[]string{"not available"})
}

// Disconnect disconnects the currently connected device. bluetoothctl replying
// that the device address argument is missing means nothing was connected,
// which is an idempotent success, not a failure.
func (bc *Bluetoothctl) Disconnect() (bool, error) {
	bc.logger.Info("Disconnecting")

	return bc.session.RunCommandExpect("disconnect",
		[]string{"Successful disconnected", "Missing device address argument"},
		[]string{"Failed to disconnect"})
}

func (bc *Bluetoothctl) listDevices(command string) ([]Device, error) {
	out, err := bc.session.RunCommand(command)
	if err != nil {
		return nil, err
	}

	devices := []Device{}
	for _, line := range out {
		if device, ok := parseDeviceLine(line); ok {
			devices = append(devices, device)
		}
	}

	return devices, nil
}

func (bc *Bluetoothctl) validateAddress(target Addressable) (string, error) {
	address := target.HardwareAddress()
	if !IsValidAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	return address, nil
}

// parseDeviceLine extracts a device from one listing line: the first hardware
// address match becomes the address, the raw trailing remainder (separator
// included) the name. Lines without an address are skipped.
func parseDeviceLine(line string) (Device, bool) {
	loc := macAddressPattern.FindStringIndex(line)
	if loc == nil {
		return Device{}, false
	}

	return Device{
		Address: line[loc[0]:loc[1]],
		Name:    line[loc[1]:],
	}, true
}
