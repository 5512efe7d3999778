package blueberry

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidAddress is returned when a supplied device reference doesn't match
// the bluetooth hardware address pattern and isn't the null device sentinel
var ErrInvalidAddress = errors.New("invalid bluetooth hardware address")

// the address of the null device; exempt from address validation
const nullAddress = "null"

var (
	// 12 hex digits, each optionally followed by a colon, so both
	// "AA:BB:CC:DD:EE:FF" and "AABBCCDDEEFF" match
	macAddressPattern = regexp.MustCompile(`(?:[0-9a-fA-F]:?){12}`)
	macAddressExact   = regexp.MustCompile(`^(?:[0-9a-fA-F]:?){12}$`)
)

// Device identifies a bluetooth device by hardware address, with an optional
// display name. Equality is by address only; the name is informational.
// Devices are value types and are replaced wholesale, never mutated.
type Device struct {
	Address string
	Name    string
}

// NewDevice creates a Device, validating the hardware address.
// The null sentinel address is accepted as-is.
func NewDevice(address string, name string) (Device, error) {
	if address != nullAddress && !IsValidAddress(address) {
		return Device{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	return Device{Address: address, Name: name}, nil
}

// NullDevice returns the sentinel value representing "no device"
func NullDevice() Device {
	return Device{Address: nullAddress}
}

// IsValidAddress reports whether the given string is a valid hardware address
// (12 hex digits, with or without colon separators). The null sentinel is not
// a valid address; it is handled separately by its users.
func IsValidAddress(address string) bool {
	return macAddressExact.MatchString(address)
}

// IsNull reports whether this is the null device sentinel
func (d Device) IsNull() bool {
	return d.Address == nullAddress
}

// Equal compares two devices by hardware address alone
func (d Device) Equal(other Device) bool {
	return d.Address == other.Address
}

// HardwareAddress implements Addressable
func (d Device) HardwareAddress() string {
	return d.Address
}

func (d Device) String() string {
	if d.IsNull() {
		return "Null Device"
	}

	name := d.Name
	if name == "" {
		name = "Unknown Name"
	}

	return fmt.Sprintf("Device %s %s", d.Address, name)
}

// Addressable is anything that can designate a bluetooth device by hardware
// address - either a Device or a raw address string
type Addressable interface {
	HardwareAddress() string
}

// Address is a raw hardware address string usable wherever an Addressable is expected
type Address string

// HardwareAddress implements Addressable
func (a Address) HardwareAddress() string {
	return string(a)
}
