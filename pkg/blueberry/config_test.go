package blueberry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	notifications []string
}

func (fn *fakeNotifier) Notify(title string, message string) {
	fn.notifications = append(fn.notifications, title)
}

// inTempDir runs the rest of the test from a fresh temporary directory, since
// the config loads from the working directory
func inTempDir(t *testing.T) {
	t.Helper()

	previous, err := os.Getwd()
	require.NoError(t, err)

	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		os.Chdir(previous)
	})
}

func TestConfigDefaultsWithoutFile(t *testing.T) {
	inTempDir(t)

	config, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	require.NoError(t, err)

	require.NoError(t, config.Load())

	assert.Equal(t, "bluetoothctl", config.BluetoothctlCommand)
	assert.Equal(t, 60*time.Second, config.CommandTimeout)
	assert.Equal(t, 5*time.Second, config.AutoconnectPause)
	assert.Equal(t, 3*time.Second, config.VerifyConnectionPause)
	assert.Equal(t, 10*time.Second, config.ScanDuration)
	assert.Equal(t, 3*time.Second, config.ButtonHoldTime)
	assert.True(t, config.ForwardAudio)
	assert.Equal(t, "bluealsa-aplay", config.AplayCommand)
	assert.False(t, config.RestartOnFailure)
	assert.False(t, config.WriteErrorLog)
	assert.Empty(t, config.ConnectionInfo.SERIAL_Port)
	assert.Empty(t, config.ConnectionInfo.SSE_URL)
}

func TestConfigLoadsValuesFromFile(t *testing.T) {
	inTempDir(t)

	contents := `
bluetoothctl_command: /usr/local/bin/bluetoothctl
command_timeout: 30s
autoconnect_pause: 2s
verify_connection_pause: 1s
button_hold_time: 5s
forward_audio: false
restart_on_failure: true
write_error_log: true
serial_port: /dev/ttyUSB0
serial_baud_rate: 115200
sse_url: http://buttons.local/events
`
	require.NoError(t, os.WriteFile(userConfigFilepath, []byte(contents), 0644))

	config, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	require.NoError(t, err)

	require.NoError(t, config.Load())

	assert.Equal(t, "/usr/local/bin/bluetoothctl", config.BluetoothctlCommand)
	assert.Equal(t, 30*time.Second, config.CommandTimeout)
	assert.Equal(t, 2*time.Second, config.AutoconnectPause)
	assert.Equal(t, time.Second, config.VerifyConnectionPause)
	assert.Equal(t, 5*time.Second, config.ButtonHoldTime)
	assert.False(t, config.ForwardAudio)
	assert.True(t, config.RestartOnFailure)
	assert.True(t, config.WriteErrorLog)
	assert.Equal(t, "/dev/ttyUSB0", config.ConnectionInfo.SERIAL_Port)
	assert.Equal(t, 115200, config.ConnectionInfo.SERIAL_BaudRate)
	assert.Equal(t, "http://buttons.local/events", config.ConnectionInfo.SSE_URL)

	// unset keys keep their defaults
	assert.Equal(t, 10*time.Second, config.ScanDuration)
	assert.Equal(t, "bluealsa-aplay", config.AplayCommand)
}

func TestConfigInvalidYAMLNotifies(t *testing.T) {
	inTempDir(t)

	require.NoError(t, os.WriteFile(userConfigFilepath, []byte("{{{ not yaml"), 0644))

	notifier := &fakeNotifier{}
	config, err := NewConfig(zap.NewNop().Sugar(), notifier)
	require.NoError(t, err)

	require.Error(t, config.Load())
	assert.NotEmpty(t, notifier.notifications)
}

func TestErrorLogFilepathIsUnderLogDirectory(t *testing.T) {
	assert.Equal(t, filepath.Join(logDirectory, "errorlog.txt"), filepath.Clean(errorLogFilepath))
}
