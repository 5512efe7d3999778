package blueberry

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceObject(connected bool) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluezDeviceInterface: {
			"Connected": dbus.MakeVariant(connected),
		},
	}
}

func playerObject(status string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluezPlayerInterface: {
			"Status": dbus.MakeVariant(status),
		},
	}
}

func TestFindConnectedPlayer(t *testing.T) {
	const devicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	objects := managedObjects{
		devicePath:             deviceObject(true),
		devicePath + "/player0": playerObject("playing"),
	}

	path, props, found := findConnectedPlayer(objects)
	require.True(t, found)
	assert.Equal(t, devicePath+"/player0", path)

	status, _ := props["Status"].Value().(string)
	assert.Equal(t, "playing", status)
}

func TestFindConnectedPlayerSecondSlot(t *testing.T) {
	const devicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	objects := managedObjects{
		devicePath:             deviceObject(true),
		devicePath + "/player1": playerObject(playbackStatusPaused),
	}

	path, props, found := findConnectedPlayer(objects)
	require.True(t, found)
	assert.Equal(t, devicePath+"/player1", path)

	status, _ := props["Status"].Value().(string)
	assert.Equal(t, playbackStatusPaused, status)
}

func TestFindConnectedPlayerIgnoresDisconnectedDevices(t *testing.T) {
	const devicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	objects := managedObjects{
		devicePath:             deviceObject(false),
		devicePath + "/player0": playerObject("playing"),
	}

	_, _, found := findConnectedPlayer(objects)
	assert.False(t, found)
}

func TestFindConnectedPlayerNoPlayerObject(t *testing.T) {
	const devicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	objects := managedObjects{
		devicePath: deviceObject(true),
	}

	_, _, found := findConnectedPlayer(objects)
	assert.False(t, found)
}
