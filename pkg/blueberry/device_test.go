package blueberry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevice(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "colon separated", address: "AA:BB:CC:DD:EE:FF", wantErr: false},
		{name: "lowercase", address: "aa:bb:cc:dd:ee:ff", wantErr: false},
		{name: "no separators", address: "AABBCCDDEEFF", wantErr: false},
		{name: "null sentinel", address: "null", wantErr: false},
		{name: "empty", address: "", wantErr: true},
		{name: "too short", address: "AA:BB:CC", wantErr: true},
		{name: "non-hex", address: "GG:HH:II:JJ:KK:LL", wantErr: true},
		{name: "embedded in text", address: "Device AA:BB:CC:DD:EE:FF Phone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, err := NewDevice(tt.address, "")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAddress)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.address, device.Address)
		})
	}
}

func TestNullDevice(t *testing.T) {
	null := NullDevice()

	assert.True(t, null.IsNull())
	assert.Equal(t, "Null Device", null.String())

	device, err := NewDevice("AA:BB:CC:DD:EE:FF", "Phone")
	require.NoError(t, err)
	assert.False(t, device.IsNull())
}

func TestDeviceEqualComparesByAddressOnly(t *testing.T) {
	a := Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Phone"}
	b := Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Renamed Phone"}
	c := Device{Address: "11:22:33:44:55:66", Name: "Phone"}

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(c))
	assert.True(t, NullDevice().Equal(NullDevice()))
	assert.False(t, a.Equal(NullDevice()))
}

func TestDeviceString(t *testing.T) {
	named := Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Phone"}
	assert.Equal(t, "Device AA:BB:CC:DD:EE:FF Phone", named.String())

	unnamed := Device{Address: "AA:BB:CC:DD:EE:FF"}
	assert.Equal(t, "Device AA:BB:CC:DD:EE:FF Unknown Name", unnamed.String())
}

func TestAddressImplementsAddressable(t *testing.T) {
	var target Addressable = Address("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", target.HardwareAddress())

	var device Addressable = Device{Address: "11:22:33:44:55:66"}
	assert.Equal(t, "11:22:33:44:55:66", device.HardwareAddress())
}
